//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the testbed against the assets directory with anima.toml.
func (Run) Demo() error {
	mg.Deps(Build.All)
	_, err := goCmd("run", "main.go", "-config", "anima.toml").on().run()
	return err
}
