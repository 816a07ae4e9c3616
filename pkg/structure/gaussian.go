package structure

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"edgediffusion/internal/models"
	"edgediffusion/pkg/parallel"
)

// kernelTruncation is the kernel radius in standard deviations.
const kernelTruncation = 4.0

// GaussianKernel returns a normalised 1-D Gaussian kernel of standard
// deviation sigma, measured in samples. The kernel has 2·radius+1 taps with
// radius = ceil(4·sigma), at least 1.
func GaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(kernelTruncation * sigma))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	factor := -0.5 / (sigma * sigma)
	for i := range kernel {
		x := float64(i - radius)
		kernel[i] = math.Exp(factor * x * x)
	}
	floats.Scale(1/floats.Sum(kernel), kernel)
	return kernel
}

// Smooth convolves the grid with a separable Gaussian of physical standard
// deviation sigma (mm). Each axis uses sigma/spacing samples, and samples
// outside the grid replicate the nearest edge value.
func Smooth(ctx context.Context, in *models.Grid[float64], sigma float64, workers int) (*models.Grid[float64], error) {
	if !(sigma > 0) || math.IsInf(sigma, 0) {
		return nil, &models.ConfigError{Field: "sigma", Reason: fmt.Sprintf("must be positive and finite, got %g", sigma)}
	}

	cur := append([]float64(nil), in.Data...)
	tmp := make([]float64, len(cur))
	for axis := 0; axis < in.Dim(); axis++ {
		if in.Shape[axis] == 1 {
			continue
		}
		kernel := GaussianKernel(sigma / in.Spacing[axis])
		if err := convolveAxis(ctx, in.Geometry, cur, tmp, axis, kernel, workers); err != nil {
			return nil, err
		}
		cur, tmp = tmp, cur
	}
	return &models.Grid[float64]{Geometry: in.Geometry, Data: cur}, nil
}

func convolveAxis(ctx context.Context, geom models.Geometry, src, dst []float64, axis int, kernel []float64, workers int) error {
	radius := len(kernel) / 2
	return parallel.For(ctx, geom.Len(), workers, func(_ context.Context, _ int, r parallel.Range) error {
		for idx := r.Lo; idx < r.Hi; idx++ {
			sum := 0.0
			for k, w := range kernel {
				sum += w * src[geom.Shift(idx, axis, k-radius)]
			}
			dst[idx] = sum
		}
		return nil
	})
}

// Gradient returns one derivative image per axis, computed with central
// differences. Border samples replicate their neighbour, so the derivative
// across the boundary is a half-width difference and the normal flux of a
// constant image is zero.
func Gradient(ctx context.Context, in *models.Grid[float64], workers int) ([]*models.Grid[float64], error) {
	grads := make([]*models.Grid[float64], in.Dim())
	for axis := range grads {
		g := models.NewGridLike[float64](in.Geometry)
		inv := 1 / (2 * in.Spacing[axis])
		err := parallel.For(ctx, in.Len(), workers, func(_ context.Context, _ int, r parallel.Range) error {
			for idx := r.Lo; idx < r.Hi; idx++ {
				fwd := in.Data[in.Shift(idx, axis, 1)]
				bwd := in.Data[in.Shift(idx, axis, -1)]
				g.Data[idx] = (fwd - bwd) * inv
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		grads[axis] = g
	}
	return grads, nil
}
