package eigen

import (
	"context"
	"math"
	"sync/atomic"

	"edgediffusion/internal/models"
	"edgediffusion/pkg/parallel"
)

// PrimaryVectorTolerance is the smallest |λ| for which the primary
// eigenvector is reported; below it the direction is noise and the vector is
// left at zero.
const PrimaryVectorTolerance = 1e-4

// PrimaryAnalysis holds, per voxel, the eigenvalue of largest magnitude and
// its eigenvector.
type PrimaryAnalysis struct {
	// Values is the primary eigenvalue image
	Values *models.Grid[float64]

	// Vectors holds one image per eigenvector component
	Vectors []*models.Grid[float64]

	// Failures counts voxels whose decomposition failed; they read as zero
	Failures int
}

// AnalyzePrimary decomposes every tensor of the field and extracts the
// primary eigenvalue and eigenvector images.
func AnalyzePrimary(ctx context.Context, field *models.TensorField, order Order, workers int) (*PrimaryAnalysis, error) {
	dim := field.Dim()
	out := &PrimaryAnalysis{
		Values:  models.NewGridLike[float64](field.Geometry),
		Vectors: make([]*models.Grid[float64], dim),
	}
	for i := range out.Vectors {
		out.Vectors[i] = models.NewGridLike[float64](field.Geometry)
	}
	if _, err := NewSolver(dim, order); err != nil {
		return nil, err
	}

	var failures atomic.Int64
	err := parallel.For(ctx, field.Len(), workers, func(ctx context.Context, _ int, r parallel.Range) error {
		solver, _ := NewSolver(dim, order)
		dec := NewDecomposition(dim)
		vec := make([]float64, dim)
		for idx := r.Lo; idx < r.Hi; idx++ {
			if err := solver.Decompose(field.At(idx), dec); err != nil {
				failures.Add(1)
				continue
			}
			k := PrimaryIndex(dec.Values)
			lambda := dec.Values[k]
			out.Values.Data[idx] = lambda
			if math.Abs(lambda) <= PrimaryVectorTolerance {
				continue
			}
			dec.Vector(k, vec)
			for c, v := range vec {
				out.Vectors[c].Data[idx] = v
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Failures = int(failures.Load())
	return out, nil
}

// PrimaryIndex returns the index of the eigenvalue with the largest
// magnitude. The first one wins on ties.
func PrimaryIndex(values []float64) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if math.Abs(values[i]) > math.Abs(values[best]) {
			best = i
		}
	}
	return best
}

// DominantIndex returns the index of the largest eigenvalue by value,
// independent of the ordering policy. The last one wins on ties so that an
// ascending decomposition maps to its final entry.
func DominantIndex(values []float64) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] >= values[best] {
			best = i
		}
	}
	return best
}
