package diffusion

import (
	"context"
	"fmt"
	"math"

	"edgediffusion/internal/models"
	"edgediffusion/pkg/parallel"
)

// StabilityPolicy decides what happens when the requested time step exceeds
// the explicit scheme's stability bound.
type StabilityPolicy int

const (
	// StabilityStrict rejects an unstable time step with a ConfigError.
	StabilityStrict StabilityPolicy = iota
	// StabilityClamp lowers the time step to the bound.
	StabilityClamp
)

// String returns the configuration name of the policy.
func (p StabilityPolicy) String() string {
	switch p {
	case StabilityStrict:
		return "strict"
	case StabilityClamp:
		return "clamp"
	default:
		return fmt.Sprintf("StabilityPolicy(%d)", int(p))
	}
}

// ParseStabilityPolicy maps a configuration name onto a policy.
func ParseStabilityPolicy(s string) (StabilityPolicy, error) {
	switch s {
	case "", "strict":
		return StabilityStrict, nil
	case "clamp":
		return StabilityClamp, nil
	}
	return 0, &models.ConfigError{Field: "stability", Reason: fmt.Sprintf("unknown policy %q", s)}
}

// MaxTimeStep returns the Courant-type bound h²/(2·D·λmax) of the explicit
// scheme, where h is the smallest grid spacing and D the dimension.
func MaxTimeStep(geom models.Geometry, lambdaMax float64) float64 {
	if !(lambdaMax > 0) {
		return math.Inf(1)
	}
	h := geom.MinSpacing()
	return h * h / (2 * float64(geom.Dim()) * lambdaMax)
}

// EffectiveTimeStep applies policy to the requested step dt. It returns the
// step to use and whether it was clamped.
func EffectiveTimeStep(geom models.Geometry, dt, lambdaMax float64, policy StabilityPolicy) (float64, bool, error) {
	if !(dt > 0) || math.IsInf(dt, 0) {
		return 0, false, &models.ConfigError{Field: "timeStep", Reason: fmt.Sprintf("must be positive and finite, got %g", dt)}
	}
	bound := MaxTimeStep(geom, lambdaMax)
	if dt <= bound {
		return dt, false, nil
	}
	switch policy {
	case StabilityClamp:
		return bound, true, nil
	case StabilityStrict:
		return 0, false, &models.ConfigError{
			Field:  "timeStep",
			Reason: fmt.Sprintf("%g exceeds the stability bound %g for spacing %v", dt, bound, geom.Spacing),
		}
	default:
		return 0, false, &models.ConfigError{Field: "stability", Reason: fmt.Sprintf("unknown policy %d", int(policy))}
	}
}

// Integrator performs explicit time steps of ∂u/∂t = div(D∇u). It owns the
// update buffer, which is allocated once and reused by every step.
type Integrator struct {
	geom    models.Geometry
	workers int
	update  []float64
}

// NewIntegrator returns an integrator for images of the given geometry.
func NewIntegrator(geom models.Geometry, workers int) *Integrator {
	return &Integrator{
		geom:    geom,
		workers: workers,
		update:  make([]float64, geom.Len()),
	}
}

// Step advances img by one time step dt using the diffusion tensor field.
// All updates are computed from the frozen image into the update buffer
// first and committed only after the whole sweep finished, so no stencil
// ever reads a partially updated neighbour. On error img is untouched.
func (it *Integrator) Step(ctx context.Context, img *models.Grid[float64], tensors *models.TensorField, dt float64) error {
	if err := models.CheckGeometry("integrator image", it.geom, img.Geometry); err != nil {
		return err
	}
	if err := models.CheckGeometry("integrator tensors", it.geom, tensors.Geometry); err != nil {
		return err
	}

	u := img.Data
	err := parallel.For(ctx, it.geom.Len(), it.workers, func(_ context.Context, _ int, r parallel.Range) error {
		for idx := r.Lo; idx < r.Hi; idx++ {
			it.update[idx] = dt * divergence(it.geom, u, tensors, idx)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Barrier passed: commit. A commit is never interrupted halfway.
	return parallel.For(context.WithoutCancel(ctx), it.geom.Len(), it.workers, func(_ context.Context, _ int, r parallel.Range) error {
		for idx := r.Lo; idx < r.Hi; idx++ {
			u[idx] += it.update[idx]
		}
		return nil
	})
}

// divergence approximates div(D∇u) at voxel idx.
//
// For every axis i the diagonal flux uses D_ii averaged at the half points
// x±e_i/2. For every pair i≠j the mixed term ∂_i(D_ij ∂_j u) takes central
// differences of u along j at x±e_i and a central difference of the result
// along i. In 2-D this is the usual 9-point stencil. Neighbours outside the
// grid replicate the border sample, which makes the normal flux vanish.
func divergence(geom models.Geometry, u []float64, d *models.TensorField, idx int) float64 {
	dim := geom.Dim()
	center := u[idx]
	sum := 0.0

	for i := 0; i < dim; i++ {
		hi := geom.Spacing[i]
		plus := geom.Shift(idx, i, 1)
		minus := geom.Shift(idx, i, -1)

		dii := d.Component(idx, i, i)
		aPlus := 0.5 * (dii + d.Component(plus, i, i))
		aMinus := 0.5 * (dii + d.Component(minus, i, i))
		sum += (aPlus*(u[plus]-center) - aMinus*(center-u[minus])) / (hi * hi)

		for j := 0; j < dim; j++ {
			if j == i {
				continue
			}
			hj := geom.Spacing[j]
			dPlus := d.Component(plus, i, j) * (u[geom.Shift(plus, j, 1)] - u[geom.Shift(plus, j, -1)])
			dMinus := d.Component(minus, i, j) * (u[geom.Shift(minus, j, 1)] - u[geom.Shift(minus, j, -1)])
			sum += (dPlus - dMinus) / (4 * hi * hj)
		}
	}
	return sum
}
