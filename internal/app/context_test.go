package app

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/config"
)

func TestOpenRequiresConfig(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pl init")
}

func TestResolveProjectNeedsInit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("proj-1")), 0o644))
	ctx := context.Background()

	ws, err := Open(ctx, dir, &bytes.Buffer{})
	require.NoError(t, err)
	defer ws.Close()

	_, err = ws.ResolveProject(ctx, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not initialized")

	e, err := ws.Engine(nil)
	require.NoError(t, err)
	_, err = e.InitProject(ctx, "proj-1", "", "tester")
	require.NoError(t, err)

	id, err := ws.ResolveProject(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", id)
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(config.Log{Level: "warn", Format: "json"}, &buf).Info("hidden")
	assert.Empty(t, buf.String())

	NewLogger(config.Log{Level: "debug", Format: "json"}, &buf).Debug("shown", "k", 1)
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
