package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgediffusion/internal/models"
	"edgediffusion/pkg/config"
	"edgediffusion/pkg/diffusion"
	"edgediffusion/pkg/imageio"
	"edgediffusion/pkg/metrics"
	"edgediffusion/pkg/phantom"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

// writeStepPhantom saves the default step phantom scaled to [0, 1].
func writeStepPhantom(t *testing.T, path string) *models.Grid[float64] {
	t.Helper()
	img, err := phantom.Step2D(phantom.DefaultStep())
	require.NoError(t, err)
	for i, v := range img.Data {
		img.Data[i] = (v + 1) / 102
	}
	require.NoError(t, imageio.Save(path, img, imageio.PNG))
	return img
}

func testParams(t *testing.T, input, output string) *Params {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Processing.NumCores = 2
	cfg.Diffusion.Iterations = 5
	p, err := ParamsFromConfig(cfg, input, output)
	require.NoError(t, err)
	return p
}

func TestProcess2D(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "step.png")
	writeStepPhantom(t, input)

	p := testParams(t, input, filepath.Join(dir, "out", "filtered"))
	p.MetricsFile = filepath.Join(dir, "run.prom")
	p.SaveIntermediaryResults = true
	p.IntermediaryDir = filepath.Join(dir, "diag")
	p.NoiseRegion = &metrics.Box{Lo: []int{24, 0}, Hi: []int{28, 64}}

	runner := NewRunner(p, quietLogger())
	summary, err := runner.Process(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runner.RunID(), summary.RunID)
	assert.Equal(t, []int{64, 64}, summary.Shape)
	assert.Equal(t, 5, summary.Diffusion.Iterations)
	assert.Greater(t, summary.Metrics.SSIM, 0.9)
	assert.Greater(t, summary.EdgeSharpnessAfter, 0.8*summary.EdgeSharpnessBefore)
	assert.Less(t, summary.HighFrequencyAfter, summary.HighFrequencyBefore)
	assert.Greater(t, summary.NoiseVarianceBefore, 0.0)
	assert.Less(t, summary.NoiseVarianceAfter, summary.NoiseVarianceBefore)

	out, err := imageio.Load(filepath.Join(dir, "out", "filtered.png"), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{64, 64}, out.Shape)

	prom, err := os.ReadFile(p.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), fmt.Sprintf(`edgediffusion_iterations_total{run_id="%s"} 5`, runner.RunID()))

	_, err = os.Stat(filepath.Join(p.IntermediaryDir, diffusion.StageDiffusivity, "iter_0000.png"))
	assert.NoError(t, err)
}

func TestProcess3D(t *testing.T) {
	dir := t.TempDir()
	o := phantom.DefaultTube()
	o.Size, o.Depth, o.Radius = 12, 4, 3
	vol, err := phantom.Tube3D(o)
	require.NoError(t, err)
	for i, v := range vol.Data {
		vol.Data[i] = v / 110
	}
	input := filepath.Join(dir, "slices")
	require.NoError(t, imageio.SaveStack(input, vol, imageio.PNG))

	p := testParams(t, input, filepath.Join(dir, "filtered"))
	summary, err := NewRunner(p, quietLogger()).Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{12, 12, 4}, summary.Shape)

	stack, err := imageio.LoadStack(p.Output, 1, 1)
	require.NoError(t, err)
	assert.Len(t, stack.Slices, 4)
}

func TestProcessMissingInput(t *testing.T) {
	p := testParams(t, filepath.Join(t.TempDir(), "absent.png"), "out.png")
	_, err := NewRunner(p, quietLogger()).Process(context.Background())
	assert.ErrorContains(t, err, "failed to load input")
}

func TestProcessRejectsUnstableStep(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "step.png")
	writeStepPhantom(t, input)

	p := testParams(t, input, filepath.Join(dir, "out.png"))
	p.Diffusion.TimeStep = 0.5
	_, err := NewRunner(p, quietLogger()).Process(context.Background())
	var cfgErr *models.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "timeStep", cfgErr.Field)

	_, err = os.Stat(filepath.Join(dir, "out.png"))
	assert.True(t, os.IsNotExist(err), "no partial output")
}

func TestCheckMemory(t *testing.T) {
	geom, err := models.NewGeometry([]int{100, 100, 10}, []float64{1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(100*100*10*28*8), EstimateMemory(geom))
	assert.Equal(t, 18, fieldsPerVoxel(2))

	r := NewRunner(&Params{}, quietLogger())
	r.totalMemory = func() uint64 { return 1 << 20 }
	var cfgErr *models.ConfigError
	assert.True(t, errors.As(r.checkMemory(geom), &cfgErr))

	r.totalMemory = func() uint64 { return 1 << 40 }
	assert.NoError(t, r.checkMemory(geom))

	r.totalMemory = func() uint64 { return 0 }
	assert.NoError(t, r.checkMemory(geom))
}

func TestParamsFromConfigRejectsInvalid(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output.Format = "gif"
	_, err := ParamsFromConfig(cfg, "in", "out")
	var cfgErr *models.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestProcessRejectsBadNoiseRegion(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "step.png")
	writeStepPhantom(t, input)

	p := testParams(t, input, filepath.Join(dir, "out.png"))
	p.NoiseRegion = &metrics.Box{Lo: []int{0, 0, 0}, Hi: []int{4, 4, 4}}
	_, err := NewRunner(p, quietLogger()).Process(context.Background())
	var cfgErr *models.ConfigError
	require.True(t, errors.As(err, &cfgErr))

	_, err = os.Stat(filepath.Join(dir, "out.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestParamsFromConfigNoiseRegion(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output.NoiseRegion = &config.Region{Lo: []int{1, 2}, Hi: []int{3, 4}}
	p, err := ParamsFromConfig(cfg, "in", "out")
	require.NoError(t, err)
	assert.Equal(t, &metrics.Box{Lo: []int{1, 2}, Hi: []int{3, 4}}, p.NoiseRegion)

	p, err = ParamsFromConfig(config.DefaultConfig(), "in", "out")
	require.NoError(t, err)
	assert.Nil(t, p.NoiseRegion)
}
