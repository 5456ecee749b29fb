package assets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"github.com/spaghettifunk/anima-resources/engine/systems"
)

var ErrAssetManagerClosed = errors.New("asset manager already closed")

// AssetInfo describes a file below the asset directory that maps to a
// registered resource type.
type AssetInfo struct {
	// Key is the path relative to the asset directory, with forward slashes.
	Key     string
	Type    resources.TypeTag
	ModTime time.Time
}

/**
 * @brief Indexes the asset directory and watches it. Changed files whose
 * resource exists are reloaded through the resource system.
 */
type AssetManager struct {
	resources   *systems.ResourceSystem
	baseDir     string
	parallelism int

	assets map[string]AssetInfo
	mutex  sync.RWMutex

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	fsnotify  *fsnotify.Watcher
	isClosed  bool
	started   bool
}

func NewAssetManager(rs *systems.ResourceSystem, parallelism int) (*AssetManager, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	return &AssetManager{
		resources:   rs,
		parallelism: parallelism,
		assets:      make(map[string]AssetInfo),
		fsnotify:    fsWatch,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}, nil
}

// Initialize indexes assetsDir and starts watching it.
func (am *AssetManager) Initialize(assetsDir string) error {
	abs, err := filepath.Abs(assetsDir)
	if err != nil {
		return err
	}
	am.baseDir = abs

	am.mutex.Lock()
	if am.isClosed {
		am.mutex.Unlock()
		return ErrAssetManagerClosed
	}
	am.started = true
	am.mutex.Unlock()
	go am.start()

	if err := am.addRecursive(abs); err != nil {
		return err
	}
	core.LogInfo("Asset manager watching '%s' (%d assets).", abs, am.Len())
	return nil
}

func (am *AssetManager) BaseDir() string { return am.baseDir }

// addRecursive starts watching the named directory and all sub-directories.
func (am *AssetManager) addRecursive(name string) error {
	if am.closed() {
		return ErrAssetManagerClosed
	}
	return am.watchRecursive(name)
}

func (am *AssetManager) closed() bool {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	return am.isClosed
}

func (am *AssetManager) start() {
	defer close(am.stopped)
	for {
		select {
		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			am.handleEvent(e)

		case err, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("Asset watcher: %v", err)

		case <-am.done:
			am.fsnotify.Close()
			return
		}
	}
}

func (am *AssetManager) handleEvent(e fsnotify.Event) {
	s, err := os.Stat(e.Name)
	if err == nil && s != nil && s.IsDir() {
		if e.Op&fsnotify.Create != 0 {
			if err := am.watchRecursive(e.Name); err != nil {
				core.LogWarn("Asset watcher could not follow '%s': %v", e.Name, err)
			}
		}
		return
	}
	// Handle create or modify events
	if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
		if info, ok := am.handleFileEvent(e.Name); ok {
			am.reload(info)
		}
	}
	// A removed directory cannot be stat'ed; removing an unknown watch is harmless.
	if e.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		am.removeAsset(e.Name)
		_ = am.fsnotify.Remove(e.Name)
	}
}

// watchRecursive adds all directories under the given one to the watch list
// and indexes the files found on the way.
func (am *AssetManager) watchRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return am.fsnotify.Add(walkPath)
		}
		am.handleFileEvent(walkPath)
		return nil
	})
}

// keyFor maps an absolute path to its resource key.
func (am *AssetManager) keyFor(path string) (string, bool) {
	rel, err := filepath.Rel(am.baseDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return core.NormalizeKey(filepath.ToSlash(rel)), true
}

// Handle the creation or modification of a file
func (am *AssetManager) handleFileEvent(path string) (AssetInfo, bool) {
	key, ok := am.keyFor(path)
	if !ok {
		return AssetInfo{}, false
	}
	tag, ok := am.resources.FindTypeForKey(key)
	if !ok {
		return AssetInfo{}, false
	}
	info := AssetInfo{Key: key, Type: tag}
	if fi, err := os.Stat(path); err == nil {
		info.ModTime = fi.ModTime()
	}

	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.assets[key] = info
	return info, true
}

// Remove the asset from the index if it was deleted
func (am *AssetManager) removeAsset(path string) {
	key, ok := am.keyFor(path)
	if !ok {
		return
	}
	am.mutex.Lock()
	defer am.mutex.Unlock()
	delete(am.assets, key)
}

func (am *AssetManager) reload(info AssetInfo) {
	h, ok := am.resources.FindResource(info.Type, info.Key)
	if !ok {
		return
	}
	if am.resources.ReloadResource(h, false) {
		core.LogInfo("Asset '%s' changed, reloading.", info.Key)
	}
}

func (am *AssetManager) Lookup(key string) (AssetInfo, bool) {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	info, ok := am.assets[core.NormalizeKey(key)]
	return info, ok
}

func (am *AssetManager) Len() int {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	return len(am.assets)
}

// Assets returns the indexed assets ordered by key.
func (am *AssetManager) Assets() []AssetInfo {
	am.mutex.RLock()
	out := make([]AssetInfo, 0, len(am.assets))
	for _, info := range am.assets {
		out = append(out, info)
	}
	am.mutex.RUnlock()
	slices.SortFunc(out, func(a, b AssetInfo) int { return strings.Compare(a.Key, b.Key) })
	return out
}

/**
 * @brief Creates a resource for every indexed asset below dir (relative to the
 * asset directory, "" for all) and requests it. With block set the call
 * returns once every asset is loaded or missing; missing assets are reported
 * as an error. A main context keeps main-goroutine updates running meanwhile.
 */
func (am *AssetManager) PreloadDirectory(ctx context.Context, dir string, block bool) ([]resources.Handle, error) {
	prefix := core.NormalizeKey(filepath.ToSlash(dir))
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var handles []resources.Handle
	for _, info := range am.Assets() {
		if !strings.HasPrefix(info.Key, prefix) {
			continue
		}
		h := am.resources.GetOrCreateResource(info.Type, info.Key)
		if !h.IsValid() {
			continue
		}
		if err := am.resources.PreloadResource(h, 1); err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	if !block {
		return handles, nil
	}

	g, gctx := errgroup.WithContext(systems.WorkerContext(ctx))
	g.SetLimit(am.parallelism)
	acquire := func(h resources.Handle) {
		g.Go(func() error {
			r, result := am.resources.BeginAcquireResource(gctx, h, resources.AcquireModeBlockTillLoadedNeverFail, resources.Handle{})
			if r == nil {
				if err := gctx.Err(); err != nil {
					return err
				}
				info, _ := am.resources.ResourceInfo(h)
				return fmt.Errorf("asset '%s' is missing", info.Key)
			}
			defer am.resources.EndAcquireResource(r)
			if result != resources.AcquireResultFinal {
				return fmt.Errorf("asset '%s' is missing", r.Key())
			}
			return nil
		})
	}

	// g.Go blocks at the limit, so the caller stays free to run main-goroutine updates
	done := make(chan struct{})
	var err error
	go func() {
		for _, h := range handles {
			acquire(h)
		}
		err = g.Wait()
		close(done)
	}()
	if werr := am.resources.Await(ctx, done); werr != nil {
		// the acquires see the same cancellation and let go of their references
		<-done
		return handles, werr
	}
	return handles, err
}

// Shutdown stops the watcher.
func (am *AssetManager) Shutdown() error {
	var started bool
	am.closeOnce.Do(func() {
		am.mutex.Lock()
		am.isClosed = true
		started = am.started
		am.mutex.Unlock()
		close(am.done)
		if !started {
			am.fsnotify.Close()
			close(am.stopped)
		}
	})
	select {
	case <-am.stopped:
	case <-time.After(time.Second):
		return fmt.Errorf("asset watcher did not stop")
	}
	return nil
}
