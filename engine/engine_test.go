package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-resources/engine/assets"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"github.com/spaghettifunk/anima-resources/engine/systems"
)

func newTestGame(t *testing.T) *Game {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "materials"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "materials", "stone.amt"),
		[]byte("name = stone\nshader = Shader.Builtin.Material\n"), 0o644))

	config := DefaultApplicationConfig()
	config.Application.AssetDir = dir
	config.Application.TickRate = 200
	config.Application.PreloadAssets = true
	config.Jobs.GeneralWorkers = 2
	config.Jobs.ResourceLoadWorkers = 2
	return &Game{ApplicationConfig: config}
}

func TestEngineLifecycle(t *testing.T) {
	g := newTestGame(t)

	var initialized, shutdown atomic.Bool
	var updates atomic.Int32
	g.FnInitialize = func(ctx context.Context) error {
		assert.True(t, systems.IsMainContext(ctx))
		initialized.Store(true)
		return nil
	}
	var e *Engine
	g.FnUpdate = func(ctx context.Context, deltaTime float64) error {
		assert.GreaterOrEqual(t, deltaTime, 0.0)
		if updates.Add(1) == 3 {
			e.Stop()
		}
		return nil
	}
	g.FnShutdown = func() error {
		shutdown.Store(true)
		return nil
	}

	e, err := New(g)
	require.NoError(t, err)
	assert.Equal(t, EngineStageBootComplete, e.Stage())

	require.NoError(t, e.Initialize(context.Background()))
	assert.Equal(t, EngineStageInitialized, e.Stage())
	assert.True(t, initialized.Load())
	assert.Same(t, e.systemManager, g.SystemManager)
	assert.Same(t, e.assetManager, g.AssetManager)

	tag, ok := e.TypeTag(assets.TYPE_NAME_MATERIAL)
	require.True(t, ok)
	rs := g.SystemManager.ResourceSystem
	h, ok := rs.FindResource(tag, "materials/stone.amt")
	require.True(t, ok, "preloading creates the resource")
	info, _ := rs.ResourceInfo(h)
	assert.Equal(t, resources.StateLoaded, info.State)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))
	assert.Equal(t, int32(3), updates.Load())

	require.NoError(t, e.Shutdown())
	assert.True(t, shutdown.Load())
	assert.Equal(t, EngineStageUninitialized, e.Stage())
	require.NoError(t, e.Shutdown())
}

func TestEngineRejectsBadConfig(t *testing.T) {
	g := newTestGame(t)
	g.ApplicationConfig.Application.LogLevel = "chatty"
	_, err := New(g)
	assert.Error(t, err)

	g = newTestGame(t)
	g.ApplicationConfig.Types = []TypeOverride{{Name: "Mesh"}}
	e, err := New(g)
	require.NoError(t, err)
	defer func() { _ = e.Shutdown() }()
	assert.Error(t, e.Initialize(context.Background()))
}
