package systems

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"github.com/spaghettifunk/anima-resources/engine/resources/loaders"
)

func TestSystemManager(t *testing.T) {
	mock := clock.NewMock()
	reg := prometheus.NewRegistry()
	sm, err := NewSystemManager(SystemManagerConfig{
		Jobs:      JobSystemConfig{GeneralWorkers: 2, ResourceLoadWorkers: 2, QueueSize: 16},
		Resources: ResourceSystemConfig{AutoFreeUnusedTimeout: time.Second},
		Registry:  reg,
		Clock:     mock,
	})
	require.NoError(t, err)
	require.NotNil(t, sm.Metrics)
	assert.Same(t, sm.EventSystem, sm.ResourceSystem.Events())
	assert.Same(t, sm.JobSystem, sm.ResourceSystem.Jobs())
	assert.Equal(t, mock, sm.ResourceSystem.Clock())

	rs := sm.ResourceSystem
	ml := loaders.NewMemoryLoader()
	ml.Set("a.tst", []byte("a"))
	ml.Set("broken.tst", []byte("corrupt"))
	tag := mustRegister(t, rs, testTypeInfo("Thing", ml))

	var missing atomic.Int32
	sm.EventSystem.Register(core.EVENT_CODE_RESOURCE_MISSING, t, func(core.EventContext, interface{}) bool {
		missing.Add(1)
		return true
	})

	a := rs.GetOrCreateResource(tag, "a.tst")
	broken := rs.GetOrCreateResource(tag, "broken.tst")
	require.NoError(t, rs.PreloadResource(a, 2))
	require.NoError(t, rs.PreloadResource(broken, 1))
	tickUntil(t, rs, func() bool {
		i, _ := rs.ResourceInfo(broken)
		return hasQuality(rs, a, 2)() && i.State == resources.StateLoadedMissing
	})
	require.Eventually(t, func() bool { return missing.Load() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(sm.Metrics.LoadsStarted.WithLabelValues("Thing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sm.Metrics.LoadsFinished.WithLabelValues("Thing", "loaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sm.Metrics.LoadsFinished.WithLabelValues("Thing", "missing")))

	rs.Tick()
	assert.Equal(t, 200.0, testutil.ToFloat64(sm.Metrics.MemoryUsage.WithLabelValues("Thing", "cpu")))
	assert.Equal(t, 0.0, testutil.ToFloat64(sm.Metrics.QueueLength))

	mock.Add(2 * time.Second)
	assert.Equal(t, 2, rs.FreeUnusedResources(0))
	assert.Equal(t, 2.0, testutil.ToFloat64(sm.Metrics.Evictions.WithLabelValues("Thing")))

	require.NoError(t, sm.Shutdown())
	_, res := rs.BeginAcquireResource(context.Background(), a, resources.AcquireModeBlockTillLoaded, resources.Handle{})
	assert.Equal(t, resources.AcquireResultNone, res)
	assert.ErrorIs(t, sm.JobSystem.Submit(JobTask{OnStart: func() error { return nil }}).Wait(), core.ErrSystemShutdown)
}

func TestSystemManagerSharedJobsDrainOnShutdown(t *testing.T) {
	sm, err := NewSystemManager(SystemManagerConfig{
		Jobs: JobSystemConfig{GeneralWorkers: 1, ResourceLoadWorkers: 1, QueueSize: 4},
	})
	require.NoError(t, err)
	assert.Nil(t, sm.Metrics)

	ml := loaders.NewMemoryLoader()
	for _, key := range []string{"a.tst", "b.tst", "c.tst"} {
		ml.Set(key, []byte(key))
	}
	rs := sm.ResourceSystem
	tag := mustRegister(t, rs, testTypeInfo("Thing", ml))
	for _, key := range []string{"a.tst", "b.tst", "c.tst"} {
		require.NoError(t, rs.PreloadResource(rs.GetOrCreateResource(tag, key), 1))
	}
	rs.Tick()

	require.NoError(t, rs.Shutdown())
	dataLoads, contentUpdates := rs.InFlight()
	assert.Zero(t, dataLoads)
	assert.Zero(t, contentUpdates)
	require.NoError(t, sm.Shutdown())
}

func TestSystemManagerRejectsBadConfig(t *testing.T) {
	_, err := NewSystemManager(SystemManagerConfig{})
	assert.ErrorIs(t, err, ErrNoWorkers)

	_, err = NewSystemManager(SystemManagerConfig{
		Jobs:      JobSystemConfig{GeneralWorkers: 1, ResourceLoadWorkers: 1},
		Resources: ResourceSystemConfig{ReprioritizeFraction: 2},
	})
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}
