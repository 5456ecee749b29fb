//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Tidies the module and builds every package.
func (Build) All() error {
	if err := goTidy(); err != nil {
		return err
	}
	_, err := goCmd("build").run()
	return err
}

// Runs go vet on every package.
func (Build) Vet() error {
	_, err := goCmd("vet").run()
	return err
}
