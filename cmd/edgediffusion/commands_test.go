package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgediffusion/pkg/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgediffusion.yaml")
	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	_, err = execute(t, "config", "init", path)
	assert.ErrorContains(t, err, "already exists")
}

func TestPhantomThenRun(t *testing.T) {
	dir := t.TempDir()
	step := filepath.Join(dir, "step")
	_, err := execute(t, "phantom", "--kind", "step", "--output", step)
	require.NoError(t, err)

	output := filepath.Join(dir, "filtered.png")
	out, err := execute(t, "run",
		"--input", step+".png",
		"--output", output,
		"--config", filepath.Join(dir, "missing.yaml"),
		"--iterations", "3",
		"--cores", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Iterations: 3")
	assert.Contains(t, out, "Structural Similarity Index")

	_, err = os.Stat(output)
	assert.NoError(t, err)
}

func TestRunRejectsUnstableTimeStep(t *testing.T) {
	dir := t.TempDir()
	step := filepath.Join(dir, "step")
	_, err := execute(t, "phantom", "--output", step)
	require.NoError(t, err)

	_, err = execute(t, "run", "--input", step+".png", "--output", filepath.Join(dir, "out"),
		"--config", filepath.Join(dir, "missing.yaml"), "--dt", "0.3")
	assert.ErrorContains(t, err, "stability bound")
}

func TestPhantomTube(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tube")
	_, err := execute(t, "phantom", "--kind", "tube", "--output", dir, "--format", "tiff")
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 16)
}

func TestPhantomUnknownKind(t *testing.T) {
	_, err := execute(t, "phantom", "--kind", "sphere")
	assert.ErrorContains(t, err, "unknown phantom kind")
}

func TestRunRequiresInput(t *testing.T) {
	_, err := execute(t, "run")
	assert.Error(t, err)
}
