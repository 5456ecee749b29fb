package systems

import "context"

type mainContextKey struct{}

// MainContext marks ctx as belonging to the goroutine that drives Tick.
// Blocking acquires made with it may run main-affinity content updates inline.
func MainContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, mainContextKey{}, true)
}

// WorkerContext strips the main marker, for goroutines spawned from the main one.
func WorkerContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, mainContextKey{}, false)
}

func IsMainContext(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	main, _ := ctx.Value(mainContextKey{}).(bool)
	return main
}

func (s *ResourceSystem) enqueueMainThread(fn func()) {
	s.mainMu.Lock()
	// growable, never full
	_ = s.mainQueue.Enqueue(fn)
	s.mainMu.Unlock()

	select {
	case s.mainWake <- struct{}{}:
	default:
	}
}

// runMainThreadTasks runs every queued main-goroutine task, including tasks
// queued while it runs.
func (s *ResourceSystem) runMainThreadTasks() int {
	n := 0
	for {
		s.mainMu.Lock()
		fn, err := s.mainQueue.Dequeue()
		s.mainMu.Unlock()
		if err != nil {
			return n
		}
		fn()
		n++
	}
}

// PendingMainThreadTasks returns the number of content updates waiting for Tick.
func (s *ResourceSystem) PendingMainThreadTasks() int {
	s.mainMu.Lock()
	defer s.mainMu.Unlock()
	return s.mainQueue.Len()
}
