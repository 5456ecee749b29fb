package loaders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileLoader reads resources from disk. The file path is
// BasePath/TypePath/key.
type FileLoader struct {
	/** @brief The relative base path for assets. */
	BasePath string
	/** @brief A type path which is prepended for the asset type. */
	TypePath string

	mu       sync.Mutex
	modTimes map[string]time.Time
}

func NewFileLoader(basePath, typePath string) *FileLoader {
	return &FileLoader{
		BasePath: basePath,
		TypePath: typePath,
		modTimes: make(map[string]time.Time),
	}
}

// Path returns the on-disk location for key.
func (fl *FileLoader) Path(key string) string {
	return filepath.Join(fl.BasePath, fl.TypePath, filepath.FromSlash(key))
}

func (fl *FileLoader) OpenDataStream(ctx context.Context, req Request) (io.ReadCloser, LoaderContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	path := fl.Path(req.Key)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// no data, not a loader failure
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("file loader: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("file loader: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("file loader: %s is a directory", path)
	}

	fl.mu.Lock()
	if fl.modTimes == nil {
		fl.modTimes = make(map[string]time.Time)
	}
	fl.modTimes[req.Key] = info.ModTime()
	fl.mu.Unlock()

	return f, path, nil
}

func (fl *FileLoader) CloseDataStream(req Request, lc LoaderContext) {}

func (fl *FileLoader) IsResourceOutdated(req Request) bool {
	fl.mu.Lock()
	loaded, ok := fl.modTimes[req.Key]
	fl.mu.Unlock()
	if !ok {
		return true
	}
	info, err := os.Stat(fl.Path(req.Key))
	if err != nil {
		return true
	}
	return !info.ModTime().Equal(loaded)
}
