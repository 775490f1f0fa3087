package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_Usage(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "config.yaml")

	assert.Equal(t, exitUsage, run(nil))
	assert.Equal(t, exitUsage, run([]string{"--config", missing, "frobnicate"}))
	assert.Equal(t, exitUsage, run([]string{"--config", missing, "init", "--backend", "oracle"}))
	assert.Equal(t, exitUsage, run([]string{"--config", missing, "status", "--bogus"}))
}

func TestRun_StatusOfDisabledRepository(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "config.yaml")
	assert.Equal(t, exitOK, run([]string{"--config", missing, "status"}))
}

func TestRun_InitUpgradeStatusOnSQLite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	t.Setenv("CENTRALREPO_SQLITE_DIRECTORY", dir)

	assert.Equal(t, exitConfig, run([]string{"--config", configPath, "init"}))
	assert.Equal(t, exitOK, run([]string{"--config", configPath, "init", "--backend", "sqlite"}))
	assert.FileExists(t, configPath)
	assert.FileExists(t, filepath.Join(dir, "central_repository.db"))

	assert.Equal(t, exitOK, run([]string{"--config", configPath, "upgrade"}))
	assert.Equal(t, exitOK, run([]string{"--config", configPath, "status"}))
}
