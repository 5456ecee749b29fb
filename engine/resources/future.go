package resources

import (
	"context"
	"sync"
)

// LoadFuture is completed when the load pipeline it was created for ends,
// whether the content loaded or went missing.
type LoadFuture struct {
	done chan struct{}
	once sync.Once
}

func NewLoadFuture() *LoadFuture {
	return &LoadFuture{done: make(chan struct{})}
}

func (f *LoadFuture) Done() <-chan struct{} {
	return f.done
}

// Complete releases every waiter. Extra calls are ignored.
func (f *LoadFuture) Complete() {
	f.once.Do(func() { close(f.done) })
}

func (f *LoadFuture) IsComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future completes or ctx is done.
func (f *LoadFuture) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
