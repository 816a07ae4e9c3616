package structure

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"edgediffusion/internal/models"
	"edgediffusion/pkg/eigen"
)

func newGrid(t *testing.T, shape []int, spacing []float64, fn func(coord []int) float64) *models.Grid[float64] {
	t.Helper()
	g, err := models.NewGrid[float64](shape, spacing)
	require.NoError(t, err)
	coord := make([]int, len(shape))
	for idx := range g.Data {
		coord = g.Coord(idx, coord)
		g.Data[idx] = fn(coord)
	}
	return g
}

func TestGaussianKernel(t *testing.T) {
	for _, sigma := range []float64{0.1, 0.5, 1, 2.3} {
		k := GaussianKernel(sigma)
		assert.InDelta(t, 1, floats.Sum(k), 1e-12, "sigma %g", sigma)
		assert.Equal(t, 1, len(k)%2, "odd length")
		r := len(k) / 2
		assert.GreaterOrEqual(t, r, int(math.Ceil(4*sigma)))
		for i := 0; i < r; i++ {
			assert.InDelta(t, k[i], k[len(k)-1-i], 1e-15, "symmetric")
			assert.LessOrEqual(t, k[i], k[i+1], "rising to the centre")
		}
	}
}

func TestSmoothConstantIsUnchanged(t *testing.T) {
	g := newGrid(t, []int{9, 7, 3}, []float64{1, 0.5, 2}, func([]int) float64 { return 42 })
	out, err := Smooth(context.Background(), g, 1.5, 3)
	require.NoError(t, err)
	for _, v := range out.Data {
		assert.InDelta(t, 42, v, 1e-12)
	}
}

func TestSmoothDoesNotTouchInput(t *testing.T) {
	g := newGrid(t, []int{8, 8}, []float64{1, 1}, func(c []int) float64 { return float64(c[0] * c[1]) })
	before := append([]float64(nil), g.Data...)
	_, err := Smooth(context.Background(), g, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, before, g.Data)
}

func TestSmoothReducesVariance(t *testing.T) {
	g := newGrid(t, []int{32}, []float64{1}, func(c []int) float64 {
		if c[0]%2 == 0 {
			return 1
		}
		return -1
	})
	out, err := Smooth(context.Background(), g, 2, 1)
	require.NoError(t, err)
	radius := len(GaussianKernel(2)) / 2
	for x := radius; x < 32-radius; x++ {
		assert.Less(t, math.Abs(out.Data[x]), 0.05, "x=%d", x)
	}
}

func TestSmoothRejectsBadSigma(t *testing.T) {
	g := newGrid(t, []int{4}, []float64{1}, func([]int) float64 { return 0 })
	for _, sigma := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := Smooth(context.Background(), g, sigma, 1)
		var cfgErr *models.ConfigError
		assert.True(t, errors.As(err, &cfgErr), "sigma %g", sigma)
	}
}

func TestGradientOfRamp(t *testing.T) {
	// I = 3x - 2y on a grid with spacing (0.5, 2).
	g := newGrid(t, []int{6, 5}, []float64{0.5, 2}, func(c []int) float64 {
		return 3*float64(c[0])*0.5 - 2*float64(c[1])*2
	})
	grads, err := Gradient(context.Background(), g, 2)
	require.NoError(t, err)
	require.Len(t, grads, 2)

	// Interior: exact slope.
	assert.InDelta(t, 3, grads[0].At(2, 2), 1e-12)
	assert.InDelta(t, -2, grads[1].At(2, 2), 1e-12)

	// Border: the replicated neighbour halves the central difference.
	assert.InDelta(t, 1.5, grads[0].At(0, 2), 1e-12)
	assert.InDelta(t, -1, grads[1].At(3, 4), 1e-12)
}

func TestParamsValidation(t *testing.T) {
	var cfgErr *models.ConfigError
	assert.True(t, errors.As(Params{Sigma: 0}.Validate(), &cfgErr))
	assert.True(t, errors.As(Params{Sigma: -2}.Validate(), &cfgErr))
	assert.True(t, errors.As(Params{Sigma: 1, GradientSigma: -1}.Validate(), &cfgErr))
	assert.NoError(t, Params{Sigma: 1}.Validate())

	assert.Equal(t, 0.5, Params{Sigma: 1}.DerivativeScale())
	assert.Equal(t, 0.3, Params{Sigma: 1, GradientSigma: 0.3}.DerivativeScale())
}

func TestComputeRejectsBadSigmaEagerly(t *testing.T) {
	g := newGrid(t, []int{4, 4}, []float64{1, 1}, func([]int) float64 { return 1 })
	_, err := Compute(context.Background(), g, Params{Sigma: 0}, 1)
	var cfgErr *models.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestComputeConstantImageIsZero(t *testing.T) {
	g := newGrid(t, []int{10, 10}, []float64{1, 1}, func([]int) float64 { return 5 })
	field, err := Compute(context.Background(), g, Params{Sigma: 1}, 2)
	require.NoError(t, err)
	for _, v := range field.Data {
		assert.InDelta(t, 0, v, 1e-20)
	}
}

func TestComputeVerticalEdge(t *testing.T) {
	// Step along x: the dominant direction must be the x axis.
	g := newGrid(t, []int{20, 12}, []float64{1, 1}, func(c []int) float64 {
		if c[0] >= 10 {
			return 100
		}
		return 0
	})
	field, err := Compute(context.Background(), g, Params{Sigma: 1}, 4)
	require.NoError(t, err)

	solver, err := eigen.NewSolver(2, eigen.OrderByValue)
	require.NoError(t, err)
	dec := eigen.NewDecomposition(2)

	idx := g.Index([]int{10, 6})
	tensor := field.At(idx)
	assert.Greater(t, tensor.At(0, 0), 1.0)
	assert.InDelta(t, 0, tensor.At(0, 1), 1e-9)
	assert.InDelta(t, 0, tensor.At(1, 1), 1e-9)

	require.NoError(t, solver.Decompose(tensor, dec))
	v := dec.Vector(1, nil)
	assert.InDelta(t, 1, math.Abs(v[0]), 1e-9)

	// Far from the edge there is no structure.
	assert.InDelta(t, 0, field.At(g.Index([]int{1, 6})).At(0, 0), 1e-6)
}

func TestComputeIsPositiveSemidefinite(t *testing.T) {
	g := newGrid(t, []int{9, 8, 5}, []float64{1, 1, 1.5}, func(c []int) float64 {
		x, y, z := float64(c[0]), float64(c[1]), float64(c[2])
		return math.Sin(x/2) + math.Cos(y/3)*z
	})
	field, err := Compute(context.Background(), g, Params{Sigma: 1, GradientSigma: 0.7}, 3)
	require.NoError(t, err)

	solver, err := eigen.NewSolver(3, eigen.OrderByValue)
	require.NoError(t, err)
	dec := eigen.NewDecomposition(3)
	for idx := 0; idx < field.Len(); idx++ {
		require.NoError(t, solver.Decompose(field.At(idx), dec))
		assert.GreaterOrEqual(t, dec.Values[0], -1e-12)
	}
}

func BenchmarkCompute2D(b *testing.B) {
	g, _ := models.NewGrid[float64]([]int{128, 128}, []float64{1, 1})
	for i := range g.Data {
		g.Data[i] = float64(i % 17)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Compute(context.Background(), g, Params{Sigma: 1.5}, 0)
	}
}
