// Package metrics measures how a filtered image relates to its input:
// fidelity (RMSE, SSIM, mutual information, entropy difference) and local
// structure (region variance, edge sharpness).
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"edgediffusion/internal/models"
)

// Report holds the comparison metrics of an input and its filtered result.
type Report struct {
	// RMSE (Root Mean Square Error) measures the average squared difference
	// between input and output intensities.
	RMSE float64

	// SSIM (Structural Similarity Index) compares luminance, contrast and
	// structure; 1 means identical.
	SSIM float64

	// MI approximates the mutual information under a Gaussian model.
	MI float64

	// EntropyDiff is the absolute difference of the 256-bin Shannon
	// entropies. Smoothing lowers the output entropy.
	EntropyDiff float64
}

// Compare computes all fidelity metrics of b against a.
func Compare(a, b *models.Grid[float64]) (Report, error) {
	if err := models.CheckGeometry("metrics", a.Geometry, b.Geometry); err != nil {
		return Report{}, err
	}
	return Report{
		RMSE:        RMSE(a.Data, b.Data),
		SSIM:        SSIM(a.Data, b.Data),
		MI:          MutualInformation(a.Data, b.Data),
		EntropyDiff: EntropyDifference(a.Data, b.Data),
	}, nil
}

// maxCorrelation2 caps the squared correlation so that identical or exactly
// linearly related data give MaxMutualInformation instead of +Inf.
const maxCorrelation2 = 1 - 1e-12

// MaxMutualInformation is the value reported for perfectly correlated data,
// about 13.8 nats.
var MaxMutualInformation = -0.5 * math.Log1p(-maxCorrelation2)

// MutualInformation computes the mutual information between two datasets
// under a Gaussian model, MI = -0.5 * log(1 - ρ²), where ρ is the correlation.
// The result lies in [0, MaxMutualInformation].
func MutualInformation(original, filtered []float64) float64 {
	n := len(original)
	if n != len(filtered) || n < 2 {
		return 0
	}
	varOrig := stat.Variance(original, nil)
	varFilt := stat.Variance(filtered, nil)
	covar := stat.Covariance(original, filtered, nil)

	if varOrig > 0 && varFilt > 0 {
		rho2 := math.Min(covar*covar/(varOrig*varFilt), maxCorrelation2)
		return -0.5 * math.Log1p(-rho2)
	}
	return 0
}

// RMSE computes the root mean square error
func RMSE(original, filtered []float64) float64 {
	n := len(original)
	if n != len(filtered) || n == 0 {
		return 0
	}
	return floats.Distance(original, filtered, 2) / math.Sqrt(float64(n))
}

// SSIM computes the global Structural Similarity Index. The dynamic range
// is taken from the original data.
func SSIM(original, filtered []float64) float64 {
	const k1 = 0.01
	const k2 = 0.03

	n := len(original)
	if n != len(filtered) || n < 2 {
		return 0
	}

	lo, hi := findMinMax(original)
	L := hi - lo
	if L <= 0 {
		L = 1
	}
	c1 := (k1 * L) * (k1 * L)
	c2 := (k2 * L) * (k2 * L)

	muX := stat.Mean(original, nil)
	muY := stat.Mean(filtered, nil)
	sigmaX := stat.Variance(original, nil)
	sigmaY := stat.Variance(filtered, nil)
	sigmaXY := stat.Covariance(original, filtered, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// EntropyDifference computes the absolute entropy difference
func EntropyDifference(original, filtered []float64) float64 {
	if len(original) != len(filtered) || len(original) == 0 {
		return 0
	}
	return math.Abs(Entropy(original) - Entropy(filtered))
}

// Entropy computes the Shannon entropy in bits of a 256-bin histogram
// spanning the data range.
func Entropy(data []float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}

	min, max := findMinMax(data)
	if max <= min {
		return 0
	}

	const numBins = 256
	hist := make([]float64, numBins)
	binWidth := (max - min) / float64(numBins)
	for _, v := range data {
		binIdx := int((v - min) / binWidth)
		if binIdx >= numBins {
			binIdx = numBins - 1
		} else if binIdx < 0 {
			binIdx = 0
		}
		hist[binIdx]++
	}

	floats.Scale(1/float64(n), hist)
	return stat.Entropy(hist) / math.Ln2
}

// findMinMax returns the minimum and maximum values in a slice
func findMinMax(data []float64) (min, max float64) {
	if len(data) == 0 {
		return 0, 0
	}
	return floats.Min(data), floats.Max(data)
}

// Box is a half-open region [Lo, Hi) of grid coordinates.
type Box struct {
	Lo, Hi []int
}

// validate checks the box against the grid shape.
func (b Box) validate(g models.Geometry) error {
	if len(b.Lo) != g.Dim() || len(b.Hi) != g.Dim() {
		return &models.ConfigError{Field: "box", Reason: fmt.Sprintf("need %d coordinates", g.Dim())}
	}
	for i := range b.Lo {
		if b.Lo[i] < 0 || b.Hi[i] > g.Shape[i] || b.Lo[i] >= b.Hi[i] {
			return &models.ConfigError{
				Field:  "box",
				Reason: fmt.Sprintf("axis %d range [%d, %d) outside [0, %d)", i, b.Lo[i], b.Hi[i], g.Shape[i]),
			}
		}
	}
	return nil
}

// RegionVariance returns the population variance of the samples inside box.
func RegionVariance(g *models.Grid[float64], box Box) (float64, error) {
	if err := box.validate(g.Geometry); err != nil {
		return 0, err
	}
	var samples []float64
	coord := make([]int, g.Dim())
	for idx := range g.Data {
		coord = g.Coord(idx, coord)
		inside := true
		for i, c := range coord {
			if c < box.Lo[i] || c >= box.Hi[i] {
				inside = false
				break
			}
		}
		if inside {
			samples = append(samples, g.Data[idx])
		}
	}
	_, variance := stat.PopMeanVariance(samples, nil)
	return variance, nil
}

// EdgeSharpness returns the largest absolute forward difference along axis,
// divided by the spacing.
func EdgeSharpness(g *models.Grid[float64], axis int) (float64, error) {
	if axis < 0 || axis >= g.Dim() {
		return 0, &models.ConfigError{Field: "axis", Reason: fmt.Sprintf("axis %d outside [0, %d)", axis, g.Dim())}
	}
	best := 0.0
	for idx := range g.Data {
		if g.AxisCoord(idx, axis)+1 >= g.Shape[axis] {
			continue
		}
		d := math.Abs(g.Data[idx+g.Stride(axis)] - g.Data[idx])
		best = math.Max(best, d)
	}
	return best / g.Spacing[axis], nil
}
