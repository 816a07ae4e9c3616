package diffusion

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"edgediffusion/internal/models"
	"edgediffusion/pkg/eigen"
	"edgediffusion/pkg/parallel"
)

const (
	// WeickertCm is the normalisation constant of the edge-enhancing
	// diffusivity for exponent 4 (Weickert, Anisotropic Diffusion in Image
	// Processing, 1998). It is the default threshold parameter C.
	WeickertCm = 3.31488

	// diffusivityExponent is the exponent m of the diffusivity.
	diffusivityExponent = 4

	// MinDiffusivity keeps the across-edge eigenvalue strictly positive so
	// that no voxel ever stops diffusing entirely.
	MinDiffusivity = 1e-6

	// unconstrained is the eigenvalue given to directions along the edge.
	unconstrained = 1.0
)

// EdgeEnhancement maps the structure tensor eigen-analysis of a voxel to
// its diffusion tensor.
type EdgeEnhancement struct {
	// ContrastLambdaE is the edge indicator value that separates flat
	// regions from edges
	ContrastLambdaE float64

	// ThresholdC controls how sharply diffusion shuts off above the contrast
	ThresholdC float64
}

// Validate checks that both parameters are positive and finite.
func (e EdgeEnhancement) Validate() error {
	if !(e.ContrastLambdaE > 0) || math.IsInf(e.ContrastLambdaE, 0) {
		return &models.ConfigError{Field: "contrastLambdaE", Reason: fmt.Sprintf("must be positive and finite, got %g", e.ContrastLambdaE)}
	}
	if !(e.ThresholdC > 0) || math.IsInf(e.ThresholdC, 0) {
		return &models.ConfigError{Field: "thresholdC", Reason: fmt.Sprintf("must be positive and finite, got %g", e.ThresholdC)}
	}
	return nil
}

// Diffusivity returns g(ξ) = 1 - exp(-C / (ξ/λE)^4) for ξ > 0 and 1 otherwise.
// The result lies in [MinDiffusivity, 1] and does not increase with ξ.
func (e EdgeEnhancement) Diffusivity(xi float64) float64 {
	if !(xi > 0) {
		return unconstrained
	}
	ratio := math.Pow(xi/e.ContrastLambdaE, diffusivityExponent)
	g := -math.Expm1(-e.ThresholdC / ratio)
	if g < MinDiffusivity {
		return MinDiffusivity
	}
	return math.Min(g, unconstrained)
}

// Eigenvalues replaces the structure eigenvalues in place: the dominant
// direction gets g(λmax), every other direction gets 1.
func (e EdgeEnhancement) Eigenvalues(values []float64) {
	k := eigen.DominantIndex(values)
	g := e.Diffusivity(values[k])
	for i := range values {
		values[i] = unconstrained
	}
	values[k] = g
}

// BuildStats summarises one diffusion tensor build.
type BuildStats struct {
	// NumericFallbacks counts voxels whose decomposition failed and which
	// were given the identity tensor
	NumericFallbacks int

	// MaxEigenvalue is the largest diffusion tensor eigenvalue in the field
	MaxEigenvalue float64

	// MinDiffusivity is the smallest across-edge eigenvalue in the field
	MinDiffusivity float64
}

// BuildTensorField turns a structure tensor field into a diffusion tensor
// field of the same geometry. Each diffusion tensor is reassembled from the
// structure tensor's own eigenvectors with the eigenvalues replaced by
// e.Eigenvalues. Voxels whose decomposition fails fall back to the identity.
func BuildTensorField(ctx context.Context, st *models.TensorField, e EdgeEnhancement, order eigen.Order, workers int) (*models.TensorField, BuildStats, error) {
	if err := e.Validate(); err != nil {
		return nil, BuildStats{}, err
	}
	dim := st.Dim()
	if _, err := eigen.NewSolver(dim, order); err != nil {
		return nil, BuildStats{}, err
	}

	out := models.NewTensorField(st.Geometry)
	chunks := make([]BuildStats, parallel.Chunks(st.Len(), workers))

	err := parallel.For(ctx, st.Len(), workers, func(_ context.Context, chunk int, r parallel.Range) error {
		solver, _ := eigen.NewSolver(dim, order)
		dec := eigen.NewDecomposition(dim)
		sym := mat.NewSymDense(dim, nil)
		stats := BuildStats{MinDiffusivity: unconstrained}

		for idx := r.Lo; idx < r.Hi; idx++ {
			dst := out.At(idx)
			if err := solver.Decompose(st.At(idx), dec); err != nil {
				dst.SetIdentity(unconstrained)
				stats.NumericFallbacks++
				stats.MaxEigenvalue = math.Max(stats.MaxEigenvalue, unconstrained)
				continue
			}
			e.Eigenvalues(dec.Values)
			for _, v := range dec.Values {
				stats.MaxEigenvalue = math.Max(stats.MaxEigenvalue, v)
				stats.MinDiffusivity = math.Min(stats.MinDiffusivity, v)
			}
			dst.FromSym(eigen.Reconstruct(dec.Vectors, dec.Values, sym))
		}

		chunks[chunk] = stats
		return nil
	})
	if err != nil {
		return nil, BuildStats{}, err
	}

	total := BuildStats{MinDiffusivity: unconstrained}
	for _, c := range chunks {
		total.NumericFallbacks += c.NumericFallbacks
		total.MaxEigenvalue = math.Max(total.MaxEigenvalue, c.MaxEigenvalue)
		if c.MinDiffusivity > 0 {
			total.MinDiffusivity = math.Min(total.MinDiffusivity, c.MinDiffusivity)
		}
	}
	return out, total, nil
}
