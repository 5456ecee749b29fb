package loaders

import (
	"context"
	"io"
)

/** @brief What a type loader is asked to open. */
type Request struct {
	/** @brief The canonical resource key. */
	Key string
	/** @brief The registered name of the resource type. */
	TypeName string
	/** @brief The total number of quality levels requested. */
	Quality uint8
}

// LoaderContext is opaque per-open state handed back to CloseDataStream.
type LoaderContext interface{}

// TypeLoader produces the raw bytes of a resource. Implementations must be
// safe for concurrent use; OpenDataStream runs on the I/O worker pool.
type TypeLoader interface {
	// OpenDataStream returns the data for req. A nil stream with a nil error
	// means the loader has no data for the resource.
	OpenDataStream(ctx context.Context, req Request) (io.ReadCloser, LoaderContext, error)
	// CloseDataStream releases what OpenDataStream acquired. It is called
	// once for every successful OpenDataStream, after the stream was closed.
	CloseDataStream(req Request, lc LoaderContext)
	// IsResourceOutdated reports whether the backing data changed since it
	// was last opened.
	IsResourceOutdated(req Request) bool
}
