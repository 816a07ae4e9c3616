// Package pipeline runs edge-enhancing diffusion on image files: it loads a
// single image or a directory of slices, filters it, writes the result and
// reports quality metrics.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pbnjay/memory"
	"github.com/prometheus/client_golang/prometheus"

	"edgediffusion/internal/models"
	"edgediffusion/pkg/config"
	"edgediffusion/pkg/diffusion"
	"edgediffusion/pkg/imageio"
	"edgediffusion/pkg/metrics"
	"edgediffusion/pkg/telemetry"
	"edgediffusion/pkg/visualization"
)

// Params holds the pipeline configuration.
type Params struct {
	// Input is an image file (2-D) or a directory of slices (3-D)
	Input string

	// Output is an image file for 2-D input or a directory for 3-D input.
	// A file without extension gets the one of Format.
	Output string

	// PixelSpacing is the in-plane distance between samples in mm
	PixelSpacing float64

	// SliceGap represents the physical distance between consecutive slices in mm
	SliceGap float64

	// IntensityScale multiplies loaded [0, 1] intensities before filtering
	IntensityScale float64

	Format imageio.Format

	// SaveIntermediaryResults writes diagnostic fields below IntermediaryDir
	SaveIntermediaryResults bool
	IntermediaryDir         string

	// MetricsFile receives the run's prometheus metrics, empty to skip
	MetricsFile string

	// NoiseRegion selects a homogeneous area for the noise variance report
	NoiseRegion *metrics.Box

	Diffusion diffusion.Params
}

// ParamsFromConfig combines a loaded configuration with the input and output
// paths.
func ParamsFromConfig(cfg *config.Config, input, output string) (*Params, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dp, err := cfg.DiffusionParams()
	if err != nil {
		return nil, err
	}
	format, err := imageio.ParseFormat(cfg.Output.Format)
	if err != nil {
		return nil, err
	}
	var region *metrics.Box
	if r := cfg.Output.NoiseRegion; r != nil {
		region = &metrics.Box{Lo: r.Lo, Hi: r.Hi}
	}
	return &Params{
		NoiseRegion:             region,
		Input:                   input,
		Output:                  output,
		PixelSpacing:            cfg.Processing.PixelSpacing,
		SliceGap:                cfg.Processing.SliceGap,
		IntensityScale:          cfg.Processing.IntensityScale,
		Format:                  format,
		SaveIntermediaryResults: cfg.Output.SaveIntermediaryResults,
		IntermediaryDir:         cfg.Output.IntermediaryDir,
		MetricsFile:             cfg.Output.MetricsFile,
		Diffusion:               dp,
	}, nil
}

// Summary describes a finished run.
type Summary struct {
	RunID     string
	Shape     []int
	Diffusion diffusion.Report
	Metrics   metrics.Report

	// EdgeSharpness holds the largest forward difference along x before and
	// after filtering, on the scaled intensities
	EdgeSharpnessBefore float64
	EdgeSharpnessAfter  float64

	// HighFrequency holds the spectral high-frequency share along y before
	// and after filtering
	HighFrequencyBefore float64
	HighFrequencyAfter  float64

	// NoiseVariance holds the variance inside NoiseRegion before and after
	// filtering, on the scaled intensities. Both are zero without a region.
	NoiseRegion         *metrics.Box
	NoiseVarianceBefore float64
	NoiseVarianceAfter  float64

	Elapsed time.Duration
}

// Runner executes one pipeline run.
type Runner struct {
	params *Params
	runID  string
	log    *slog.Logger
	rec    *telemetry.Recorder

	// totalMemory reports the installed memory; zero means unknown
	totalMemory func() uint64
}

// NewRunner creates a runner with a fresh run ID.
func NewRunner(params *Params, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &Runner{
		params:      params,
		runID:       id,
		log:         log.With("run", id),
		rec:         telemetry.NewRecorder(prometheus.Labels{"run_id": id}),
		totalMemory: memory.TotalMemory,
	}
}

// RunID returns the identifier attached to logs and metrics.
func (r *Runner) RunID() string { return r.runID }

// Process runs the complete pipeline
func (r *Runner) Process(ctx context.Context) (*Summary, error) {
	start := time.Now()
	p := r.params

	if !(p.IntensityScale > 0) {
		return nil, &models.ConfigError{Field: "intensityScale", Reason: fmt.Sprintf("must be positive, got %g", p.IntensityScale)}
	}

	// Step 1: Load input
	r.log.Info("loading input", "path", p.Input)
	img, err := r.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load input: %w", err)
	}
	r.log.Info("input loaded", "shape", img.Shape, "spacing", img.Spacing)

	// Step 2: Check that the working set fits
	if err := r.checkMemory(img.Geometry); err != nil {
		return nil, err
	}

	// Step 3: Filter
	for i := range img.Data {
		img.Data[i] *= p.IntensityScale
	}
	var noiseBefore float64
	if p.NoiseRegion != nil {
		if noiseBefore, err = metrics.RegionVariance(img, *p.NoiseRegion); err != nil {
			return nil, fmt.Errorf("noise region: %w", err)
		}
	}
	opts := []diffusion.Option{diffusion.WithLogger(r.log), diffusion.WithRecorder(r.rec)}
	if p.SaveIntermediaryResults {
		if err := os.MkdirAll(p.IntermediaryDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create intermediary directory: %w", err)
		}
		opts = append(opts, diffusion.WithDiagnostics(&visualization.FieldWriter{Dir: p.IntermediaryDir, Format: p.Format}))
	}
	filter, err := diffusion.New(p.Diffusion, opts...)
	if err != nil {
		return nil, err
	}
	out, report, err := filter.Run(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("diffusion failed: %w", err)
	}

	// Step 4: Metrics on the scaled intensities
	summary := &Summary{RunID: r.runID, Shape: img.Shape, Diffusion: report}
	if summary.Metrics, err = metrics.Compare(img, out); err != nil {
		return nil, err
	}
	if summary.EdgeSharpnessBefore, err = metrics.EdgeSharpness(img, 0); err != nil {
		return nil, err
	}
	if summary.EdgeSharpnessAfter, err = metrics.EdgeSharpness(out, 0); err != nil {
		return nil, err
	}
	if summary.HighFrequencyBefore, err = metrics.HighFrequencyRatio(img, 1); err != nil {
		return nil, err
	}
	if summary.HighFrequencyAfter, err = metrics.HighFrequencyRatio(out, 1); err != nil {
		return nil, err
	}
	if p.NoiseRegion != nil {
		summary.NoiseRegion = p.NoiseRegion
		summary.NoiseVarianceBefore = noiseBefore
		if summary.NoiseVarianceAfter, err = metrics.RegionVariance(out, *p.NoiseRegion); err != nil {
			return nil, err
		}
	}

	// Step 5: Save
	for i := range out.Data {
		out.Data[i] /= p.IntensityScale
	}
	if err := r.save(out); err != nil {
		return nil, fmt.Errorf("failed to save output: %w", err)
	}
	if p.MetricsFile != "" {
		if err := r.rec.WriteTextfile(p.MetricsFile); err != nil {
			r.log.Warn("metrics not written", "err", err)
		}
	}

	summary.Elapsed = time.Since(start)
	r.log.Info("run complete",
		"output", p.Output, "elapsed", summary.Elapsed,
		"rmse", summary.Metrics.RMSE, "ssim", summary.Metrics.SSIM)
	return summary, nil
}

// load reads a single image or a slice directory.
func (r *Runner) load() (*models.Grid[float64], error) {
	p := r.params
	info, err := os.Stat(p.Input)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return imageio.Load(p.Input, p.PixelSpacing)
	}

	stack, err := imageio.LoadStack(p.Input, p.PixelSpacing, p.SliceGap)
	if err != nil {
		return nil, err
	}
	r.log.Debug("slices ordered",
		"count", len(stack.Slices),
		"first", stack.Slices[0].Filename,
		"last", stack.Slices[len(stack.Slices)-1].Filename)
	return stack.Grid, nil
}

// save writes a 2-D result as one file and a 3-D result as a slice directory.
func (r *Runner) save(out *models.Grid[float64]) error {
	p := r.params
	if out.Dim() == 3 {
		return imageio.SaveStack(p.Output, out, p.Format)
	}
	path := p.Output
	if filepath.Ext(path) == "" {
		path += p.Format.Ext()
	}
	return imageio.Save(path, out, p.Format)
}

// fieldsPerVoxel is the number of float64 values alive per voxel at the peak
// of a tensor rebuild.
func fieldsPerVoxel(dim int) int {
	tensor := dim * (dim + 1) / 2
	images := 2 + // loaded input and the filter's working copy
		1 + // integrator update buffer
		1 + // presmoothed image
		dim + // gradients
		1 + // gradient product
		2 // smoothing pair
	// structure field, previous and new diffusion tensor fields
	return images + 3*tensor
}

// EstimateMemory returns the working set of a run in bytes.
func EstimateMemory(geom models.Geometry) uint64 {
	return uint64(geom.Len()) * uint64(fieldsPerVoxel(geom.Dim())) * 8
}

// checkMemory fails when the estimated working set exceeds the installed
// memory and warns when it exceeds half of it.
func (r *Runner) checkMemory(geom models.Geometry) error {
	need := EstimateMemory(geom)
	total := r.totalMemory()
	if total == 0 {
		r.log.Debug("installed memory unknown, skipping budget check", "need", need)
		return nil
	}
	if need > total {
		return &models.ConfigError{
			Field:  "input",
			Reason: fmt.Sprintf("needs about %d MiB but only %d MiB are installed", need>>20, total>>20),
		}
	}
	if need > total/2 {
		r.log.Warn("working set exceeds half of installed memory", "needMiB", need>>20, "totalMiB", total>>20)
	}
	return nil
}
