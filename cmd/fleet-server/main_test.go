// ABOUTME: Tests for fleet-server bootstrap flags, generated config and log output
// ABOUTME: Exercises the helpers behind the init and bootstrap commands

package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet/internal/config"
	"github.com/2389/fleet/internal/instance"
)

func TestParseBootstrapArgs(t *testing.T) {
	got, err := parseBootstrapArgs([]string{"--realm", "ops1", "--user=alice", "--password", "hunter22!"})
	require.NoError(t, err)
	assert.Equal(t, bootstrapArgs{realm: "ops1", user: "alice", password: "hunter22!"}, got)

	got, err = parseBootstrapArgs([]string{"--user", "alice", "--password", "hunter22!"})
	require.NoError(t, err)
	assert.Equal(t, "default", got.realm)
}

func TestParseBootstrapArgs_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "missing user", args: []string{"--password", "x"}, wantErr: "--user"},
		{name: "missing password", args: []string{"--user", "alice"}, wantErr: "--password"},
		{name: "dangling flag", args: []string{"--user"}, wantErr: "requires a value"},
		{name: "unknown flag", args: []string{"--name", "x"}, wantErr: "unknown flag"},
		{name: "positional", args: []string{"alice"}, wantErr: "unexpected argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseBootstrapArgs(tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewConfig_SavesLoadable(t *testing.T) {
	cfg, err := newConfig("/var/lib/fleet")
	require.NoError(t, err)
	assert.False(t, cfg.Database.Ephemeral)
	assert.GreaterOrEqual(t, len(cfg.Auth.JWTSecret), 32)

	id, err := instance.ParseID(cfg.Server.InstanceID)
	require.NoError(t, err)
	assert.True(t, id.IsServer())

	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, cfg.Save(path))
	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Auth.JWTSecret, loaded.Auth.JWTSecret)
	assert.Equal(t, "/var/lib/fleet", loaded.Database.Storage)
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	h := &colorHandler{mu: &sync.Mutex{}, out: &buf, level: slog.LevelInfo}
	logger := slog.New(h).With("component", "gateway").WithGroup("req")

	logger.Debug("hidden")
	logger.Info("served", "status", 200)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF served")
	assert.Contains(t, out, "component=gateway")
	assert.Contains(t, out, "req.status=200")
	assert.True(t, h.Enabled(context.Background(), slog.LevelWarn))
}
