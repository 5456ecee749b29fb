/*
This is an example of application that will use the
engine package to test things out
*/
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/anima-resources/engine"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/testbed"
)

func main() {
	configPath := flag.String("config", "anima.toml", "path to the TOML configuration")
	flag.Parse()

	config, err := engine.LoadApplicationConfig(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		core.LogWarn("No configuration at '%s', using defaults.", *configPath)
		config, err = engine.DefaultApplicationConfig(), nil
	}
	if err != nil {
		core.LogFatal("%v", err)
	}

	tb := testbed.NewTestGame(config)

	e, err := engine.New(tb.Game)
	if err != nil {
		core.LogFatal("%v", err)
	}

	// signal context to capture system calls
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	if err := e.Initialize(ctx); err != nil {
		_ = e.Shutdown()
		core.LogFatal("%v", err)
	}

	runErr := e.Run(ctx)
	if err := e.Shutdown(); err != nil {
		core.LogError("Shutdown: %v", err)
	}
	if runErr != nil {
		core.LogFatal("%v", runErr)
	}
}
