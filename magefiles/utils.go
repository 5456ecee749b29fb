//go:build mage

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/magefile/mage/mg"
)

// goInvocation is a single `go` subcommand run from the module root.
type goInvocation struct {
	sub     string
	args    []string
	env     []string
	quiet   bool
	targets []string
}

func goCmd(sub string, args ...string) *goInvocation {
	return &goInvocation{sub: sub, args: args, targets: []string{"./..."}}
}

// on replaces the default package pattern.
func (g *goInvocation) on(targets ...string) *goInvocation {
	g.targets = targets
	return g
}

func (g *goInvocation) withEnv(kv ...string) *goInvocation {
	g.env = append(g.env, kv...)
	return g
}

// captured keeps output off the terminal unless the command fails or mage
// runs verbose.
func (g *goInvocation) captured() *goInvocation {
	g.quiet = true
	return g
}

func (g *goInvocation) argv() []string {
	argv := append([]string{g.sub}, g.args...)
	return append(argv, g.targets...)
}

func (g *goInvocation) run() (string, error) {
	argv := g.argv()
	fmt.Printf("go %s\n", strings.Join(argv, " "))

	cmd := exec.Command("go", argv...)
	cmd.Env = append(os.Environ(), g.env...)

	var out bytes.Buffer
	echo := mg.Verbose() || !g.quiet
	if echo {
		cmd.Stdout = io.MultiWriter(&out, os.Stdout)
		cmd.Stderr = io.MultiWriter(&out, os.Stderr)
	} else {
		cmd.Stdout, cmd.Stderr = &out, &out
	}
	if err := cmd.Run(); err != nil {
		if !echo {
			fmt.Fprintln(os.Stderr, out.String())
		}
		return "", fmt.Errorf("go %s: %w", g.sub, err)
	}
	return out.String(), nil
}

// engineTests runs the engine packages' tests with extra flags.
// The race detector needs cgo.
func engineTests(flags ...string) error {
	inv := goCmd("test", append([]string{"-count=1"}, flags...)...).on("./engine/...")
	for _, f := range flags {
		if f == "-race" {
			inv.withEnv("CGO_ENABLED=1")
		}
	}
	_, err := inv.run()
	return err
}

func goTidy() error {
	if _, err := goCmd("mod", "tidy").on().captured().run(); err != nil {
		return fmt.Errorf("tidy: %w", err)
	}
	return nil
}
