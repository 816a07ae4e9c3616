package metrics

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"

	"edgediffusion/internal/models"
)

// HighFrequencyRatio returns the share of spectral power above half the
// Nyquist frequency, pooled over every line of samples along axis. The DC
// term is ignored. White noise scores about one half and smoothing lowers
// the ratio. Lines shorter than four samples carry no usable spectrum and
// yield 0.
func HighFrequencyRatio(g *models.Grid[float64], axis int) (float64, error) {
	if axis < 0 || axis >= g.Dim() {
		return 0, &models.ConfigError{Field: "axis", Reason: fmt.Sprintf("axis %d outside [0, %d)", axis, g.Dim())}
	}
	n := g.Shape[axis]
	if n < 4 {
		return 0, nil
	}

	fft := fourier.NewFFT(n)
	line := make([]float64, n)
	coeff := make([]complex128, n/2+1)
	stride := g.Stride(axis)

	var high, total float64
	for idx := range g.Data {
		if g.AxisCoord(idx, axis) != 0 {
			continue
		}
		for k := 0; k < n; k++ {
			line[k] = g.Data[idx+k*stride]
		}
		fft.Coefficients(coeff, line)
		for k := 1; k < len(coeff); k++ {
			c := coeff[k]
			p := real(c)*real(c) + imag(c)*imag(c)
			total += p
			if 4*k > n {
				high += p
			}
		}
	}
	if total == 0 {
		return 0, nil
	}
	return high / total, nil
}
