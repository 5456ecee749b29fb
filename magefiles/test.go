//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Test mg.Namespace

// Runs the unit tests.
func (Test) Unit() error {
	return engineTests()
}

// Runs the unit tests with the race detector.
func (Test) Race() error {
	return engineTests("-race")
}

// Runs the unit tests with coverage and writes coverage.out.
func (Test) Cover() error {
	return engineTests("-coverprofile=coverage.out")
}
