package core

import (
	"errors"
)

var (
	ErrUnknownType       = errors.New("resource type is not registered")
	ErrTypeExists        = errors.New("resource type already registered")
	ErrInvalidHandle     = errors.New("invalid resource handle")
	ErrNoLoader          = errors.New("no type loader available for resource")
	ErrNullStream        = errors.New("type loader produced no data stream")
	ErrMissingFallback   = errors.New("resource is missing and its type has no missing fallback")
	ErrSystemShutdown    = errors.New("resource system is shut down")
	ErrUnbalancedRelease = errors.New("resource released more often than acquired")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrUnknown           = errors.New("unknown")
)
