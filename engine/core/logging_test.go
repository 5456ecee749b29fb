package core

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFatalUsesHandler(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stderr)

	var got string
	SetFatalHandler(func(msg string) { got = msg })
	defer SetFatalHandler(nil)

	LogFatal("type %q is unknown", "Mesh")
	assert.Equal(t, `type "Mesh" is unknown`, got)
	assert.Contains(t, buf.String(), "Mesh")
}

func TestSetLogLevel(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stderr)
	defer func() { _ = SetLogLevel("info") }()

	require.NoError(t, SetLogLevel("warn"))
	LogInfo("hidden")
	LogWarn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	assert.Error(t, SetLogLevel("loud"))
}
