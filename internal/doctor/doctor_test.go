package doctor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labstream/modctl/internal/config"
)

func writeExecutable(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return path
}

func baseConfig(exec string) *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{Listen: "127.0.0.1:8080"},
		Workers: map[string]config.WorkerConf{
			"cam": {Exec: exec, ReadyAddr: "127.0.0.1:9200"},
		},
	}
}

func TestValidateHealthyConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(writeExecutable(t, "cam-grabber"))
	result := New(cfg).Validate()

	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidateMissingExecutable(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(filepath.Join(t.TempDir(), "gone"))
	result := New(cfg).Validate()

	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "workers.cam.exec", result.Errors[0].Field)
	assert.Contains(t, result.Errors[0].Message, "executable not found")
}

func TestValidateNonExecutableFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("not a program"), 0o644))

	result := New(baseConfig(path)).Validate()
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "not an executable file")
}

func TestValidateChecksumMismatch(t *testing.T) {
	t.Parallel()

	exec := writeExecutable(t, "cam-grabber")
	cfg := baseConfig(exec)
	wc := cfg.Workers["cam"]
	wc.Checksum = "blake3:" + strings.Repeat("0", 64)
	cfg.Workers["cam"] = wc

	result := New(cfg).Validate()
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "workers.cam.checksum", result.Errors[0].Field)
}

func TestValidateChecksumMatch(t *testing.T) {
	t.Parallel()

	exec := writeExecutable(t, "cam-grabber")
	sum, err := config.ComputeChecksum(exec)
	require.NoError(t, err)

	cfg := baseConfig(exec)
	wc := cfg.Workers["cam"]
	wc.Checksum = sum
	cfg.Workers["cam"] = wc

	result := New(cfg).Validate()
	assert.True(t, result.Valid)
}

func TestValidateBadAddresses(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(writeExecutable(t, "cam-grabber"))
	cfg.Service.Listen = "not-an-address"
	cfg.API.Enabled = true
	cfg.API.Listen = "also-bad"

	result := New(cfg).Validate()
	assert.False(t, result.Valid)
	assert.Len(t, result.Errors, 2)
}

func TestValidateSharedListenAddress(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(writeExecutable(t, "cam-grabber"))
	cfg.API.Enabled = true
	cfg.API.Listen = cfg.Service.Listen

	result := New(cfg).Validate()
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "share one address")
}

func TestValidateMissingWorkingDirectory(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(writeExecutable(t, "cam-grabber"))
	wc := cfg.Workers["cam"]
	wc.Dir = filepath.Join(t.TempDir(), "missing")
	cfg.Workers["cam"] = wc

	result := New(cfg).Validate()
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "workers.cam.dir", result.Errors[0].Field)
}

func TestValidateWarnings(t *testing.T) {
	t.Parallel()

	// No ready_addr on the worker, and an empty worker map elsewhere.
	cfg := baseConfig(writeExecutable(t, "cam-grabber"))
	wc := cfg.Workers["cam"]
	wc.ReadyAddr = ""
	cfg.Workers["cam"] = wc

	result := New(cfg).Validate()
	assert.True(t, result.Valid)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "no ready_addr")

	empty := &config.Config{Service: config.ServiceConfig{Listen: "127.0.0.1:8080"}}
	result = New(empty).Validate()
	assert.True(t, result.Valid)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "no workers defined")
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(filepath.Join(t.TempDir(), "gone"))
	out := FormatHuman(New(cfg).Validate())
	assert.Contains(t, out, "ERROR [workers]")
	assert.Contains(t, out, "Configuration check FAILED")

	out = FormatHuman(New(baseConfig(writeExecutable(t, "ok"))).Validate())
	assert.Contains(t, out, "Configuration check PASSED")
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()

	out, err := FormatJSON(New(baseConfig(writeExecutable(t, "ok"))).Validate())
	require.NoError(t, err)
	assert.Contains(t, out, `"valid": true`)
}
