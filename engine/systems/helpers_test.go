package systems

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"github.com/spaghettifunk/anima-resources/engine/resources/loaders"
)

// testContent stores the raw bytes it was loaded from and pretends to be
// made of total quality levels of 100 bytes each. Unless discardAll is set
// the first level is never reported discardable.
type testContent struct {
	data       string
	loaded     uint8
	total      uint8
	discardAll bool
}

func newTestContent() resources.Content { return &testContent{total: 4} }

func (c *testContent) UpdateContent(r io.Reader, req resources.LoadRequest) (resources.LoadDesc, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return resources.LoadDesc{}, err
	}
	if string(b) == "corrupt" {
		return resources.LoadDesc{}, errors.New("corrupt data")
	}
	c.data = string(b)
	c.loaded = min(req.Quality, c.total)
	return c.desc(), nil
}

func (c *testContent) UnloadData(keep uint8) resources.LoadDesc {
	if keep < c.loaded {
		c.loaded = keep
	}
	return c.desc()
}

func (c *testContent) MemoryUsage() resources.MemoryUsage {
	return resources.MemoryUsage{CPU: uint64(c.loaded) * 100}
}

func (c *testContent) desc() resources.LoadDesc {
	d := resources.LoadDesc{
		QualityLevelsLoaded:   c.loaded,
		QualityLevelsLoadable: c.total - c.loaded,
	}
	switch {
	case c.discardAll:
		d.QualityLevelsDiscardable = c.loaded
	case c.loaded > 0:
		d.QualityLevelsDiscardable = c.loaded - 1
	}
	return d
}

func testTypeInfo(name string, loader loaders.TypeLoader) TypeInfo {
	return TypeInfo{
		Name:       name,
		Extensions: []string{".tst"},
		New:        newTestContent,
		Loader:     loader,
	}
}

// gatedLoader holds every outdated check until gate is closed and reports
// each check on entered.
type gatedLoader struct {
	*loaders.MemoryLoader
	entered chan struct{}
	gate    chan struct{}
}

func newGatedLoader() *gatedLoader {
	return &gatedLoader{
		MemoryLoader: loaders.NewMemoryLoader(),
		entered:      make(chan struct{}, 8),
		gate:         make(chan struct{}),
	}
}

func (gl *gatedLoader) IsResourceOutdated(req loaders.Request) bool {
	gl.entered <- struct{}{}
	<-gl.gate
	return gl.MemoryLoader.IsResourceOutdated(req)
}

func newTestSystem(t *testing.T, config ResourceSystemConfig, opts ...ResourceSystemOption) *ResourceSystem {
	t.Helper()
	s, err := NewResourceSystem(config, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func mustRegister(t *testing.T, s *ResourceSystem, info TypeInfo) resources.TypeTag {
	t.Helper()
	tag, err := s.RegisterType(info)
	require.NoError(t, err)
	return tag
}

func resInfo(t *testing.T, s *ResourceSystem, h resources.Handle) resources.Info {
	t.Helper()
	i, ok := s.ResourceInfo(h)
	require.True(t, ok, "resource is gone")
	return i
}

// tickUntil drives the system from the test goroutine until cond holds.
func tickUntil(t *testing.T, s *ResourceSystem, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.Tick()
		return cond()
	}, 2*time.Second, time.Millisecond)
}

func dataOf(r *resources.Resource) string {
	if c, ok := r.Content().(*testContent); ok {
		return c.data
	}
	return ""
}

// eventRecorder collects every event of the given codes.
type eventRecorder struct {
	mu     sync.Mutex
	events []core.EventContext
}

func recordEvents(s *ResourceSystem, codes ...core.EventCode) *eventRecorder {
	rec := &eventRecorder{}
	for _, code := range codes {
		s.Events().Register(code, rec, func(ctx core.EventContext, _ interface{}) bool {
			rec.mu.Lock()
			rec.events = append(rec.events, ctx)
			rec.mu.Unlock()
			return false
		})
	}
	return rec
}

func (rec *eventRecorder) count(code core.EventCode, key string) int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	n := 0
	for _, e := range rec.events {
		if e.Code == code && (key == "" || e.Key == key) {
			n++
		}
	}
	return n
}

// captureFatal turns fatal log calls into recorded messages for the test.
func captureFatal(t *testing.T) func() []string {
	t.Helper()
	var mu sync.Mutex
	var msgs []string
	core.SetFatalHandler(func(msg string) {
		mu.Lock()
		msgs = append(msgs, msg)
		mu.Unlock()
	})
	t.Cleanup(func() { core.SetFatalHandler(nil) })
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), msgs...)
	}
}
