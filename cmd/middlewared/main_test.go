package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middlewared/config"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("MIDDLEWARED_SHUTDOWN_TIMEOUT", "7s")
	cfg, err := parseFlags([]string{"-config", "a.yaml", "-c", "b.yaml", "-debug"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.ConfigPaths)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 7*time.Second, cfg.ShutdownTimeout)

	_, err = parseFlags([]string{"-no-such-flag"})
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))

	ok := &CLIConfig{ConfigPaths: []string{path}, ShutdownTimeout: time.Second}
	assert.NoError(t, validateFlags(ok))

	assert.Error(t, validateFlags(&CLIConfig{ConfigPaths: []string{filepath.Join(dir, "missing.yaml")}, ShutdownTimeout: time.Second}))
	assert.Error(t, validateFlags(&CLIConfig{LogLevel: "loud", ShutdownTimeout: time.Second}))
	assert.Error(t, validateFlags(&CLIConfig{LogFormat: "xml", ShutdownTimeout: time.Second}))
	assert.NoError(t, validateFlags(&CLIConfig{ShowVersion: true}))
}

func TestLoadConfigAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n  format: text\n"), 0o600))

	loader := config.NewLoader()
	loader.AddLayer(path)
	cfg, err := loadConfig(loader, &CLIConfig{LogLevel: "error"})
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestSetupLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	levelVar := new(slog.LevelVar)
	logger := setupLogger(&buf, "warn", "json", levelVar)

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	levelVar.Set(parseLevel("info"))
	logger.Info("shown")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"service":"middlewared"`)
}
