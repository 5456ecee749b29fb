package testbed

import (
	"context"
	"fmt"

	"github.com/spaghettifunk/anima-resources/engine"
	"github.com/spaghettifunk/anima-resources/engine/assets"
	"github.com/spaghettifunk/anima-resources/engine/assets/content"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"github.com/spaghettifunk/anima-resources/engine/systems"
)

// Seconds between two status reports.
const REPORT_INTERVAL = 5.0

type TestGame struct {
	*engine.Game
}

type gameState struct {
	materials []resources.Handle
	elapsed   float64
	sinceLog  float64
	quality   uint8
}

func NewTestGame(config *engine.ApplicationConfig) *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: config,
			State:             &gameState{quality: 1},
		},
	}
	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnShutdown = tg.Shutdown
	return tg
}

func (g *TestGame) Initialize(ctx context.Context) error {
	core.LogDebug("TestGame Initialize fn....")

	if g.SystemManager == nil || g.AssetManager == nil {
		return fmt.Errorf("the engine is not yet initialized with all the system managers")
	}
	state := g.State.(*gameState)
	rs := g.SystemManager.ResourceSystem

	materialTag, ok := rs.TypeByName(assets.TYPE_NAME_MATERIAL)
	if !ok {
		return fmt.Errorf("material type is not registered")
	}
	for _, info := range g.AssetManager.Assets() {
		if info.Type != materialTag {
			continue
		}
		h := rs.GetOrCreateResource(info.Type, info.Key)
		if err := rs.PreloadResource(h, 1); err != nil {
			return err
		}
		state.materials = append(state.materials, h)
	}
	core.LogInfo("Testbed tracks %d materials.", len(state.materials))
	return nil
}

func (g *TestGame) Update(ctx context.Context, deltaTime float64) error {
	state := g.State.(*gameState)
	rs := g.SystemManager.ResourceSystem

	state.elapsed += deltaTime
	state.sinceLog += deltaTime

	// Stream textures one quality level further every report interval and
	// drop back to the smallest mip once the top is reached.
	report := state.sinceLog >= REPORT_INTERVAL
	shrink := false
	if report {
		state.sinceLog = 0
		if state.quality < content.MaxTextureQuality {
			state.quality++
		} else {
			state.quality = 1
			shrink = true
		}
	}

	for _, h := range state.materials {
		lock := systems.AcquireLock[*content.Material](ctx, rs, h, resources.AcquireModeAllowLoadingFallback)
		if !lock.IsValid() {
			continue
		}
		material := lock.Content()
		if material != nil && !lock.IsFallback() {
			g.touchTextures(ctx, material, state.quality, shrink, report)
		}
		lock.Release()
	}

	if report {
		g.logStatus()
	}
	return nil
}

func (g *TestGame) touchTextures(ctx context.Context, material *content.Material, quality uint8, shrink, report bool) {
	rs := g.SystemManager.ResourceSystem
	for _, key := range material.TextureKeys() {
		h, err := rs.GetOrCreateResourceByKey(key)
		if err != nil {
			core.LogWarn("Material '%s' references '%s': %v", material.Name, key, err)
			continue
		}
		if shrink {
			rs.UnloadResource(h, quality)
		}
		if err := rs.PreloadResource(h, quality); err != nil {
			continue
		}
		lock := systems.AcquireLock[*content.Texture](ctx, rs, h, resources.AcquireModeAllowLoadingFallback)
		if lock.IsValid() && report && lock.Content() != nil {
			w, hgt := lock.Content().Size()
			core.LogInfo("Material '%s' texture '%s': %dx%d, %d mips (%s).", material.Name, key, w, hgt, lock.Content().MipCount(), lock.Result())
		}
		lock.Release()
	}
}

func (g *TestGame) logStatus() {
	rs := g.SystemManager.ResourceSystem
	reading, updating := rs.InFlight()
	core.LogInfo("Loading queue: %d queued, %d reading, %d updating.", rs.QueueLength(), reading, updating)
	for _, name := range []string{assets.TYPE_NAME_TEXTURE, assets.TYPE_NAME_MATERIAL, assets.TYPE_NAME_BLOB} {
		tag, ok := rs.TypeByName(name)
		if !ok {
			continue
		}
		usage := rs.MemoryUsageOfType(tag)
		core.LogInfo("%s: %d resources, %d bytes.", name, rs.ResourceCount(tag), usage.CPU+usage.GPU)
	}
}

func (g *TestGame) Shutdown() error {
	state := g.State.(*gameState)
	state.materials = nil
	return nil
}
