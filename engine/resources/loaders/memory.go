package loaders

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/spaghettifunk/anima-resources/engine/core"
)

type memoryBlob struct {
	data    []byte
	version uint64
}

// MemoryLoader serves embedded or procedurally generated byte blobs.
// Keys are normalised the same way the resource system normalises them.
type MemoryLoader struct {
	mu     sync.RWMutex
	blobs  map[string]memoryBlob
	opened map[string]uint64
}

func NewMemoryLoader() *MemoryLoader {
	return &MemoryLoader{
		blobs:  make(map[string]memoryBlob),
		opened: make(map[string]uint64),
	}
}

// Set stores data for key, replacing any previous blob.
func (ml *MemoryLoader) Set(key string, data []byte) {
	key = core.NormalizeKey(key)
	ml.mu.Lock()
	defer ml.mu.Unlock()
	b := ml.blobs[key]
	ml.blobs[key] = memoryBlob{data: data, version: b.version + 1}
}

func (ml *MemoryLoader) Delete(key string) {
	key = core.NormalizeKey(key)
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.blobs, key)
}

func (ml *MemoryLoader) OpenDataStream(ctx context.Context, req Request) (io.ReadCloser, LoaderContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ml.mu.Lock()
	defer ml.mu.Unlock()
	b, ok := ml.blobs[req.Key]
	if !ok {
		return nil, nil, nil
	}
	ml.opened[req.Key] = b.version
	return io.NopCloser(bytes.NewReader(b.data)), nil, nil
}

func (ml *MemoryLoader) CloseDataStream(req Request, lc LoaderContext) {}

func (ml *MemoryLoader) IsResourceOutdated(req Request) bool {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	b, ok := ml.blobs[req.Key]
	if !ok {
		return true
	}
	v, opened := ml.opened[req.Key]
	return !opened || v != b.version
}

// FuncLoader adapts a function to TypeLoader. It is typically installed as a
// per-resource custom loader. Resources using it are never outdated.
type FuncLoader func(ctx context.Context, req Request) (io.ReadCloser, error)

func (fn FuncLoader) OpenDataStream(ctx context.Context, req Request) (io.ReadCloser, LoaderContext, error) {
	rc, err := fn(ctx, req)
	return rc, nil, err
}

func (fn FuncLoader) CloseDataStream(req Request, lc LoaderContext) {}

func (fn FuncLoader) IsResourceOutdated(req Request) bool { return false }
