package systems

import (
	"context"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
)

/**
 * @brief A scoped, typed acquire of a resource. The content is captured at
 * acquire time; a reload publishes new content for the next acquire while this
 * lock keeps using what it got. Release must be called exactly once.
 */
type Lock[C resources.Content] struct {
	system   *ResourceSystem
	resource *resources.Resource
	content  C
	result   resources.AcquireResult
	released bool
}

// AcquireLock acquires the resource behind h with the given mode. An optional
// fallback handle replaces the type's loading fallback for this acquire.
func AcquireLock[C resources.Content](ctx context.Context, s *ResourceSystem, h resources.Handle, mode resources.AcquireMode, fallback ...resources.Handle) *Lock[C] {
	var fb resources.Handle
	if len(fallback) > 0 {
		fb = fallback[0]
	}
	r, result := s.BeginAcquireResource(ctx, h, mode, fb)
	l := &Lock[C]{system: s, resource: r, result: result}
	if r == nil {
		l.released = true
		return l
	}
	if c := r.Content(); c != nil {
		typed, ok := c.(C)
		if !ok {
			core.LogError("Resource '%s' (%s) holds %T, not the requested content type.", r.Key(), r.TypeName(), c)
		}
		l.content = typed
	}
	return l
}

// IsValid reports whether the lock holds a resource, real or fallback.
func (l *Lock[C]) IsValid() bool {
	return l.resource != nil && !l.released
}

func (l *Lock[C]) Content() C                      { return l.content }
func (l *Lock[C]) Resource() *resources.Resource   { return l.resource }
func (l *Lock[C]) Result() resources.AcquireResult { return l.result }

// IsFallback reports whether the lock holds a stand-in for the requested resource.
func (l *Lock[C]) IsFallback() bool {
	return l.result == resources.AcquireResultLoadingFallback || l.result == resources.AcquireResultMissingFallback
}

func (l *Lock[C]) Release() {
	if l.released {
		if l.resource != nil {
			core.LogWarn("Resource lock of '%s' released twice.", l.resource.Key())
		}
		return
	}
	l.released = true
	l.system.EndAcquireResource(l.resource)
}
