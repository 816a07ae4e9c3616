package diffusion

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"edgediffusion/internal/models"
	"edgediffusion/pkg/eigen"
)

var defaultEnhancement = EdgeEnhancement{ContrastLambdaE: 10, ThresholdC: WeickertCm}

func TestDiffusivityBounds(t *testing.T) {
	e := defaultEnhancement
	assert.Equal(t, 1.0, e.Diffusivity(0))
	assert.Equal(t, 1.0, e.Diffusivity(-3))
	assert.Equal(t, 1.0, e.Diffusivity(math.NaN()))

	prev := 1.0
	for _, xi := range []float64{1e-3, 0.1, 1, 5, 10, 20, 100, 1e4, 1e12} {
		g := e.Diffusivity(xi)
		assert.GreaterOrEqual(t, g, MinDiffusivity, "xi %g", xi)
		assert.LessOrEqual(t, g, 1.0, "xi %g", xi)
		assert.LessOrEqual(t, g, prev, "non-increasing at xi %g", xi)
		prev = g
	}
	assert.Equal(t, MinDiffusivity, e.Diffusivity(1e12))
	assert.InDelta(t, 1, e.Diffusivity(1e-3), 1e-12)
	// At the contrast g = 1 - exp(-C).
	assert.InDelta(t, 1-math.Exp(-WeickertCm), e.Diffusivity(10), 1e-12)
}

func TestEdgeEnhancementValidate(t *testing.T) {
	var cfgErr *models.ConfigError
	for _, e := range []EdgeEnhancement{
		{ContrastLambdaE: 0, ThresholdC: 1},
		{ContrastLambdaE: -1, ThresholdC: 1},
		{ContrastLambdaE: 1, ThresholdC: 0},
		{ContrastLambdaE: math.Inf(1), ThresholdC: 1},
		{ContrastLambdaE: 1, ThresholdC: math.NaN()},
	} {
		assert.True(t, errors.As(e.Validate(), &cfgErr), "%+v", e)
	}
	assert.NoError(t, defaultEnhancement.Validate())
}

func TestEigenvaluesReplaceDominantOnly(t *testing.T) {
	values := []float64{0.2, 50, 3}
	defaultEnhancement.Eigenvalues(values)
	assert.Equal(t, 1.0, values[0])
	assert.Equal(t, defaultEnhancement.Diffusivity(50), values[1])
	assert.Equal(t, 1.0, values[2])
}

func singleVoxelField(t *testing.T, tensor ...float64) *models.TensorField {
	t.Helper()
	dim := 2
	if len(tensor) == 6 {
		dim = 3
	}
	shape := make([]int, dim)
	spacing := make([]float64, dim)
	for i := range shape {
		shape[i], spacing[i] = 1, 1
	}
	geom, err := models.NewGeometry(shape, spacing)
	require.NoError(t, err)
	f := models.NewTensorField(geom)
	copy(f.Data, tensor)
	return f
}

func TestBuildPreservesEigenvectors(t *testing.T) {
	for _, order := range []eigen.Order{eigen.OrderByValue, eigen.OrderByMagnitude, eigen.DoNotOrder} {
		// Packed upper rows of a 3-D structure tensor.
		st := singleVoxelField(t, 40, 12, 3, 25, -4, 9)
		d, stats, err := BuildTensorField(context.Background(), st, defaultEnhancement, order, 1)
		require.NoError(t, err)
		assert.Zero(t, stats.NumericFallbacks)

		solver, err := eigen.NewSolver(3, order)
		require.NoError(t, err)
		dec := eigen.NewDecomposition(3)
		require.NoError(t, solver.Decompose(st.At(0), dec))
		want := append([]float64(nil), dec.Values...)
		defaultEnhancement.Eigenvalues(want)

		D := d.At(0).ToSym(nil)
		v := make([]float64, 3)
		for k := 0; k < 3; k++ {
			dec.Vector(k, v)
			var got mat.VecDense
			got.MulVec(D, mat.NewVecDense(3, v))
			for i := 0; i < 3; i++ {
				assert.InDelta(t, want[k]*v[i], got.AtVec(i), 1e-9, "order %v k=%d i=%d", order, k, i)
			}
		}
		assert.InDelta(t, 1.0, stats.MaxEigenvalue, 1e-12)
	}
}

func TestBuildZeroTensorIsIdentity(t *testing.T) {
	st := singleVoxelField(t, 0, 0, 0)
	d, stats, err := BuildTensorField(context.Background(), st, defaultEnhancement, eigen.OrderByValue, 1)
	require.NoError(t, err)
	assert.Zero(t, stats.NumericFallbacks)
	tensor := d.At(0)
	assert.InDelta(t, 1, tensor.At(0, 0), 1e-12)
	assert.InDelta(t, 0, tensor.At(0, 1), 1e-12)
	assert.InDelta(t, 1, tensor.At(1, 1), 1e-12)
}

func TestBuildNumericFallback(t *testing.T) {
	geom, err := models.NewGeometry([]int{2, 1}, []float64{1, 1})
	require.NoError(t, err)
	st := models.NewTensorField(geom)
	copy(st.At(0), []float64{math.NaN(), 0, 1})
	copy(st.At(1), []float64{100, 0, 0})

	d, stats, err := BuildTensorField(context.Background(), st, defaultEnhancement, eigen.OrderByValue, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NumericFallbacks)
	assert.Equal(t, []float64{1, 0, 1}, []float64(d.At(0)))

	// The healthy voxel diffuses little along x, freely along y.
	assert.InDelta(t, defaultEnhancement.Diffusivity(100), d.At(1).At(0, 0), 1e-12)
	assert.InDelta(t, 1, d.At(1).At(1, 1), 1e-12)
	assert.InDelta(t, defaultEnhancement.Diffusivity(100), stats.MinDiffusivity, 1e-12)
}

func TestBuildRejectsBadParameters(t *testing.T) {
	st := singleVoxelField(t, 1, 0, 1)
	_, _, err := BuildTensorField(context.Background(), st, EdgeEnhancement{}, eigen.OrderByValue, 1)
	var cfgErr *models.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestBuildIsPositiveDefinite(t *testing.T) {
	st := singleVoxelField(t, 1e6, 3e5, 2e5)
	d, _, err := BuildTensorField(context.Background(), st, defaultEnhancement, eigen.OrderByValue, 1)
	require.NoError(t, err)

	var es mat.EigenSym
	require.True(t, es.Factorize(d.At(0).ToSym(nil), false))
	for _, v := range es.Values(nil) {
		assert.GreaterOrEqual(t, v, MinDiffusivity*0.999)
		assert.LessOrEqual(t, v, 1+1e-12)
	}
}
