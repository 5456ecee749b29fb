package engine

import (
	"context"

	"github.com/spaghettifunk/anima-resources/engine/assets"
	"github.com/spaghettifunk/anima-resources/engine/systems"
)

// Game is the application driven by the engine. The engine fills in the
// system manager and asset manager before calling FnInitialize.
type Game struct {
	ApplicationConfig *ApplicationConfig
	SystemManager     *systems.SystemManager
	AssetManager      *assets.AssetManager
	State             interface{}
	FnInitialize      Initialize
	FnUpdate          Update
	FnShutdown        Shutdown
}

// Initialize runs once on the main goroutine; ctx is a main context.
type Initialize func(ctx context.Context) error

// Update runs after every resource system tick on the main goroutine.
type Update func(ctx context.Context, deltaTime float64) error
type Shutdown func() error
