// Package diffusion implements edge-enhancing anisotropic diffusion: the
// diffusion tensor builder, the explicit integrator and the Filter that
// iterates both over a scalar image.
package diffusion

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"edgediffusion/internal/models"
	"edgediffusion/pkg/eigen"
	"edgediffusion/pkg/parallel"
	"edgediffusion/pkg/structure"
	"edgediffusion/pkg/telemetry"
)

// Diagnostic stage names passed to DiagnosticWriter.
const (
	StagePrimaryEigenvalue = "structure_primary_eigenvalue"
	StageDiffusivity       = "diffusivity"
	StageTrace             = "diffusion_trace"
)

// PrimaryEigenvectorStage names the diagnostic stage of component c of the
// primary structure eigenvector.
func PrimaryEigenvectorStage(c int) string {
	return fmt.Sprintf("structure_primary_eigenvector_%d", c)
}

// lambdaMax bounds every diffusion tensor eigenvalue produced by
// EdgeEnhancement and is used for the stability check.
const lambdaMax = unconstrained

// DiagnosticWriter receives scalar images derived from the tensor fields
// whenever they are rebuilt.
type DiagnosticWriter interface {
	WriteField(stage string, iteration int, g *models.Grid[float64]) error
}

// Params configures a Filter.
type Params struct {
	// Sigma is the integration scale of the structure tensor
	Sigma float64
	// GradientSigma is the pre-smoothing scale; 0 selects Sigma/2
	GradientSigma float64

	ContrastLambdaE float64
	ThresholdC      float64

	// TimeStep is the requested explicit step Δt
	TimeStep float64
	// Iterations is the number of time steps
	Iterations int
	// RecomputeEvery rebuilds the tensor field every that many steps
	RecomputeEvery int

	Order     eigen.Order
	Stability StabilityPolicy

	// Workers bounds the goroutines per sweep; < 1 selects all CPUs
	Workers int
}

// DefaultParams returns the parameters used when nothing is configured.
func DefaultParams() Params {
	return Params{
		Sigma:           1.0,
		ContrastLambdaE: 10.0,
		ThresholdC:      WeickertCm,
		TimeStep:        0.1,
		Iterations:      20,
		RecomputeEvery:  1,
		Order:           eigen.OrderByValue,
		Stability:       StabilityStrict,
	}
}

// Validate checks everything that does not depend on the image geometry.
func (p Params) Validate() error {
	if err := p.structure().Validate(); err != nil {
		return err
	}
	if err := p.enhancement().Validate(); err != nil {
		return err
	}
	if !(p.TimeStep > 0) || math.IsInf(p.TimeStep, 0) {
		return &models.ConfigError{Field: "timeStep", Reason: fmt.Sprintf("must be positive and finite, got %g", p.TimeStep)}
	}
	if p.Iterations < 0 {
		return &models.ConfigError{Field: "iterations", Reason: fmt.Sprintf("must not be negative, got %d", p.Iterations)}
	}
	if p.RecomputeEvery < 1 {
		return &models.ConfigError{Field: "recomputeEvery", Reason: fmt.Sprintf("must be at least 1, got %d", p.RecomputeEvery)}
	}
	if p.Order < eigen.OrderByValue || p.Order > eigen.DoNotOrder {
		return &models.ConfigError{Field: "eigenOrder", Reason: fmt.Sprintf("unknown order %d", int(p.Order))}
	}
	if p.Stability != StabilityStrict && p.Stability != StabilityClamp {
		return &models.ConfigError{Field: "stability", Reason: fmt.Sprintf("unknown policy %d", int(p.Stability))}
	}
	return nil
}

func (p Params) structure() structure.Params {
	return structure.Params{Sigma: p.Sigma, GradientSigma: p.GradientSigma}
}

func (p Params) enhancement() EdgeEnhancement {
	return EdgeEnhancement{ContrastLambdaE: p.ContrastLambdaE, ThresholdC: p.ThresholdC}
}

// Report summarises one Run.
type Report struct {
	Iterations       int
	Rebuilds         int
	NumericFallbacks int
	TimeStep         float64
	Clamped          bool
	MinDiffusivity   float64
	Elapsed          time.Duration
}

// Option customises a Filter.
type Option func(*Filter)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(f *Filter) {
		if l != nil {
			f.log = l
		}
	}
}

// WithDiagnostics writes diagnostic fields after every rebuild.
func WithDiagnostics(w DiagnosticWriter) Option {
	return func(f *Filter) { f.diag = w }
}

// WithRecorder records run statistics.
func WithRecorder(r *telemetry.Recorder) Option {
	return func(f *Filter) { f.rec = r }
}

// Filter runs edge-enhancing diffusion with fixed parameters. A Filter holds
// no per-image state and may be reused for several images, one at a time or
// concurrently.
type Filter struct {
	params  Params
	workers int
	log     *slog.Logger
	diag    DiagnosticWriter
	rec     *telemetry.Recorder
}

// New validates p and returns a filter.
func New(p Params, opts ...Option) (*Filter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	f := &Filter{
		params:  p,
		workers: parallel.Workers(p.Workers),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Params returns the filter's parameters.
func (f *Filter) Params() Params { return f.params }

// Run diffuses a copy of img and returns it. img itself is never modified,
// and nothing is returned when an error or cancellation interrupts the run.
func (f *Filter) Run(ctx context.Context, img *models.Grid[float64]) (*models.Grid[float64], Report, error) {
	start := time.Now()
	p := f.params

	if err := checkImage(img); err != nil {
		return nil, Report{}, err
	}
	dt, clamped, err := EffectiveTimeStep(img.Geometry, p.TimeStep, lambdaMax, p.Stability)
	if err != nil {
		return nil, Report{}, err
	}
	report := Report{TimeStep: dt, Clamped: clamped, MinDiffusivity: unconstrained}
	if clamped {
		f.log.Warn("time step clamped to stability bound",
			"requested", p.TimeStep, "bound", dt, "spacing", img.Spacing)
		f.rec.Clamped()
	}

	out := img.Clone()
	if p.Iterations == 0 {
		report.Elapsed = time.Since(start)
		return out, report, nil
	}

	f.log.Info("diffusion started",
		"shape", img.Shape, "iterations", p.Iterations, "dt", dt,
		"recomputeEvery", p.RecomputeEvery, "workers", f.workers)

	integrator := NewIntegrator(img.Geometry, f.workers)
	var tensors *models.TensorField

	for k := 0; k < p.Iterations; k++ {
		if err := ctx.Err(); err != nil {
			return nil, Report{}, err
		}
		if k%p.RecomputeEvery == 0 {
			built, stats, err := f.rebuild(ctx, out, k)
			if err != nil {
				return nil, Report{}, err
			}
			tensors = built
			report.Rebuilds++
			report.NumericFallbacks += stats.NumericFallbacks
			report.MinDiffusivity = math.Min(report.MinDiffusivity, stats.MinDiffusivity)
		}
		if err := integrator.Step(ctx, out, tensors, dt); err != nil {
			return nil, Report{}, err
		}
		report.Iterations++
		f.rec.Iteration()
	}

	report.Elapsed = time.Since(start)
	f.rec.Finished(time.Now())
	f.log.Info("diffusion finished",
		"iterations", report.Iterations, "rebuilds", report.Rebuilds,
		"numericFallbacks", report.NumericFallbacks, "elapsed", report.Elapsed)
	return out, report, nil
}

// rebuild computes the structure and diffusion tensor fields of the current
// image.
func (f *Filter) rebuild(ctx context.Context, img *models.Grid[float64], iteration int) (*models.TensorField, BuildStats, error) {
	start := time.Now()
	p := f.params

	st, err := structure.Compute(ctx, img, p.structure(), f.workers)
	if err != nil {
		return nil, BuildStats{}, err
	}
	if err := models.CheckGeometry("structure tensor field", img.Geometry, st.Geometry); err != nil {
		return nil, BuildStats{}, err
	}
	tensors, stats, err := BuildTensorField(ctx, st, p.enhancement(), p.Order, f.workers)
	if err != nil {
		return nil, BuildStats{}, err
	}
	if err := models.CheckGeometry("diffusion tensor field", img.Geometry, tensors.Geometry); err != nil {
		return nil, BuildStats{}, err
	}

	elapsed := time.Since(start)
	f.rec.Rebuild(elapsed, stats.NumericFallbacks, stats.MinDiffusivity)
	if stats.NumericFallbacks > 0 {
		f.log.Warn("identity tensor used for failed decompositions",
			"iteration", iteration, "voxels", stats.NumericFallbacks)
	}
	f.log.Debug("tensor field rebuilt",
		"iteration", iteration, "elapsed", elapsed,
		"minDiffusivity", stats.MinDiffusivity, "maxEigenvalue", stats.MaxEigenvalue)

	if f.diag != nil {
		if err := f.writeDiagnostics(ctx, st, tensors, iteration); err != nil {
			return nil, BuildStats{}, err
		}
	}
	return tensors, stats, nil
}

func (f *Filter) writeDiagnostics(ctx context.Context, st, tensors *models.TensorField, iteration int) error {
	primary, err := eigen.AnalyzePrimary(ctx, st, f.params.Order, f.workers)
	if err != nil {
		return err
	}
	e := f.params.enhancement()
	diffusivity := models.NewGridLike[float64](st.Geometry)
	trace := models.NewGridLike[float64](st.Geometry)
	for idx := range diffusivity.Data {
		diffusivity.Data[idx] = e.Diffusivity(primary.Values.Data[idx])
		trace.Data[idx] = tensors.At(idx).Trace()
	}

	type output struct {
		stage string
		grid  *models.Grid[float64]
	}
	outputs := []output{{StagePrimaryEigenvalue, primary.Values}}
	for c, v := range primary.Vectors {
		outputs = append(outputs, output{PrimaryEigenvectorStage(c), v})
	}
	outputs = append(outputs, output{StageDiffusivity, diffusivity}, output{StageTrace, trace})

	for _, field := range outputs {
		if err := f.diag.WriteField(field.stage, iteration, field.grid); err != nil {
			return fmt.Errorf("writing %s diagnostics at iteration %d: %w", field.stage, iteration, err)
		}
	}
	return nil
}

// checkImage rejects images that cannot be diffused.
func checkImage(img *models.Grid[float64]) error {
	if img == nil {
		return &models.ConfigError{Field: "image", Reason: "is nil"}
	}
	if len(img.Data) != img.Len() || img.Len() == 0 {
		return &models.ShapeMismatchError{Stage: "input image", Want: img.Shape, Got: []int{len(img.Data)}}
	}
	for idx, v := range img.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &models.NumericError{Voxel: idx, Reason: fmt.Sprintf("non-finite input value %g", v)}
		}
	}
	return nil
}
