package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/spaghettifunk/anima-resources/engine/assets"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"github.com/spaghettifunk/anima-resources/engine/systems"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

type Engine struct {
	currentStage  Stage
	gameInstance  *Game
	assetManager  *assets.AssetManager
	systemManager *systems.SystemManager
	registry      *prometheus.Registry
	metricsServer *http.Server
	clock         *core.Clock
	lastTime      time.Duration
	types         map[string]resources.TypeTag

	quit         chan struct{}
	quitOnce     sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(g *Game) (*Engine, error) {
	if g.ApplicationConfig == nil {
		g.ApplicationConfig = DefaultApplicationConfig()
	}
	config := g.ApplicationConfig
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := core.SetLogLevel(config.Application.LogLevel); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	sm, err := systems.NewSystemManager(systems.SystemManagerConfig{
		Jobs:      config.JobSystemConfig(),
		Resources: config.ResourceSystemConfig(),
		Registry:  registry,
	})
	if err != nil {
		core.LogError("%v", err)
		return nil, err
	}

	am, err := assets.NewAssetManager(sm.ResourceSystem, config.Jobs.ResourceLoadWorkers)
	if err != nil {
		core.LogError("%v", err)
		_ = sm.Shutdown()
		return nil, err
	}

	return &Engine{
		currentStage:  EngineStageBootComplete,
		gameInstance:  g,
		assetManager:  am,
		systemManager: sm,
		registry:      registry,
		clock:         core.NewClock(sm.ResourceSystem.Clock()),
		types:         make(map[string]resources.TypeTag),
		quit:          make(chan struct{}),
	}, nil
}

func (e *Engine) Stage() Stage { return e.currentStage }

// TypeTag returns the tag a built-in type was registered under.
func (e *Engine) TypeTag(name string) (resources.TypeTag, bool) {
	tag, ok := e.types[name]
	return tag, ok
}

/**
 * @brief Registers the built-in resource types with the configured overrides,
 * indexes the asset directory and initializes the game. ctx is marked as the
 * main context for the whole call.
 */
func (e *Engine) Initialize(ctx context.Context) error {
	e.currentStage = EngineStageInitializing
	config := e.gameInstance.ApplicationConfig
	rs := e.systemManager.ResourceSystem
	ctx = systems.MainContext(ctx)

	assetDir, err := filepath.Abs(config.Application.AssetDir)
	if err != nil {
		return err
	}

	infos := assets.BuiltinTypes(assetDir)
	if err := config.ApplyTypeOverrides(infos); err != nil {
		return err
	}
	for _, info := range infos {
		tag, err := rs.RegisterType(info)
		if err != nil {
			return fmt.Errorf("registering type '%s': %w", info.Name, err)
		}
		e.types[info.Name] = tag
	}

	rs.Events().Register(core.EVENT_CODE_RESOURCE_MISSING, e, e.onResourceMissing)

	if err := e.assetManager.Initialize(assetDir); err != nil {
		return err
	}

	if config.Application.MetricsAddr != "" {
		e.startMetricsServer(config.Application.MetricsAddr)
	}

	e.gameInstance.SystemManager = e.systemManager
	e.gameInstance.AssetManager = e.assetManager

	if config.Application.PreloadAssets {
		start := time.Now()
		handles, err := e.assetManager.PreloadDirectory(ctx, "", true)
		if err != nil {
			core.LogWarn("Preloading assets: %v", err)
		}
		core.LogInfo("Preloaded %d assets in %s.", len(handles), time.Since(start))
	}

	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(ctx); err != nil {
			return err
		}
	}

	e.currentStage = EngineStageInitialized
	return nil
}

func (e *Engine) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	e.metricsServer = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := e.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			core.LogError("Metrics server: %v", err)
		}
	}()
	core.LogInfo("Serving metrics on %s/metrics.", addr)
}

func (e *Engine) onResourceMissing(context core.EventContext, listener interface{}) bool {
	core.LogWarn("Resource '%s' (%s) is missing.", context.Key, context.TypeName)
	return false
}

/**
 * @brief Drives the resource system from the calling goroutine until ctx is
 * done or Stop is called. Every tick runs Tick followed by the game update.
 */
func (e *Engine) Run(ctx context.Context) error {
	e.currentStage = EngineStageRunning
	rs := e.systemManager.ResourceSystem
	ctx = systems.MainContext(ctx)

	ticker := rs.Clock().Ticker(e.gameInstance.ApplicationConfig.TickInterval())
	defer ticker.Stop()

	e.clock.Start()
	e.lastTime = 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.quit:
			return nil
		case <-ticker.C:
		}

		e.clock.Update()
		current := e.clock.Elapsed()
		delta := (current - e.lastTime).Seconds()

		rs.Tick()

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(ctx, delta); err != nil {
				core.LogError("Game update failed, shutting down: %v", err)
				return err
			}
		}
		e.lastTime = current
	}
}

// Stop makes Run return after the current tick.
func (e *Engine) Stop() {
	e.quitOnce.Do(func() { close(e.quit) })
}

func (e *Engine) Shutdown() error {
	e.shutdownOnce.Do(func() {
		e.currentStage = EngineStageShuttingDown
		e.Stop()

		var err error
		if e.gameInstance.FnShutdown != nil {
			err = multierr.Append(err, e.gameInstance.FnShutdown())
		}
		e.systemManager.ResourceSystem.Events().Unregister(core.EVENT_CODE_RESOURCE_MISSING, e)
		err = multierr.Append(err, e.assetManager.Shutdown())
		if e.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			err = multierr.Append(err, e.metricsServer.Shutdown(ctx))
			cancel()
		}
		err = multierr.Append(err, e.systemManager.Shutdown())
		e.shutdownErr = err
		e.currentStage = EngineStageUninitialized
	})
	return e.shutdownErr
}
