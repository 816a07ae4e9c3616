// Package structure computes the structure tensor of a scalar image: the
// Gaussian-smoothed outer product of the image gradient with itself.
//
// Smoothing and differentiation both replicate edge samples, the same
// zero-flux boundary the diffusion integrator uses, so border voxels are
// treated alike throughout the filter.
package structure

import (
	"context"
	"fmt"
	"math"

	"edgediffusion/internal/models"
)

// Params controls the structure tensor scales. Both are physical lengths in
// the units of the grid spacing.
type Params struct {
	// Sigma is the integration scale used to smooth the tensor components
	Sigma float64

	// GradientSigma is the presmoothing scale applied before differentiation.
	// Zero selects Sigma/2.
	GradientSigma float64
}

// Validate rejects non-positive or non-finite scales.
func (p Params) Validate() error {
	if !(p.Sigma > 0) || math.IsInf(p.Sigma, 0) {
		return &models.ConfigError{Field: "sigma", Reason: fmt.Sprintf("must be positive and finite, got %g", p.Sigma)}
	}
	if p.GradientSigma < 0 || math.IsNaN(p.GradientSigma) || math.IsInf(p.GradientSigma, 0) {
		return &models.ConfigError{Field: "gradientSigma", Reason: fmt.Sprintf("must be zero or positive, got %g", p.GradientSigma)}
	}
	return nil
}

// DerivativeScale returns the effective gradient presmoothing scale.
func (p Params) DerivativeScale() float64 {
	if p.GradientSigma > 0 {
		return p.GradientSigma
	}
	return p.Sigma / 2
}

// Compute returns the structure tensor field T = Gσ * (∇Iρ ∇Iρᵀ) of img.
func Compute(ctx context.Context, img *models.Grid[float64], p Params, workers int) (*models.TensorField, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	smoothed, err := Smooth(ctx, img, p.DerivativeScale(), workers)
	if err != nil {
		return nil, fmt.Errorf("presmoothing: %w", err)
	}
	grads, err := Gradient(ctx, smoothed, workers)
	if err != nil {
		return nil, fmt.Errorf("gradient: %w", err)
	}

	dim := img.Dim()
	field := models.NewTensorField(img.Geometry)
	k := field.Components()
	product := models.NewGridLike[float64](img.Geometry)

	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			gi, gj := grads[i].Data, grads[j].Data
			for idx := range product.Data {
				product.Data[idx] = gi[idx] * gj[idx]
			}
			blurred, err := Smooth(ctx, product, p.Sigma, workers)
			if err != nil {
				return nil, fmt.Errorf("integrating component (%d,%d): %w", i, j, err)
			}
			c := models.PackedIndex(dim, i, j)
			for idx, v := range blurred.Data {
				field.Data[idx*k+c] = v
			}
		}
	}
	return field, nil
}
