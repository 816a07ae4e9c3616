// Package phantom generates synthetic noisy test images with known edges.
// The noise is drawn from a seeded generator, so a phantom is reproducible.
package phantom

import (
	"math"

	"github.com/valyala/fastrand"

	"edgediffusion/internal/models"
)

// noiseResolution is the number of distinct noise levels drawn per unit
// interval.
const noiseResolution = 1 << 16

// StepOptions describes a 2-D step image: Low for x < Width/2, High
// elsewhere.
type StepOptions struct {
	Width, Height int
	Low, High     float64

	// Noise is the amplitude of uniform noise in [-Noise, Noise]
	Noise float64
	// Band limits the noise to columns within Band of the step; 0 adds noise
	// everywhere
	Band int

	Seed uint32
}

// DefaultStep is a 64×64 step from 0 to 100 with ±1 noise in a band of eight
// columns on each side.
func DefaultStep() StepOptions {
	return StepOptions{Width: 64, Height: 64, Low: 0, High: 100, Noise: 1, Band: 8, Seed: 1}
}

// EdgeColumn returns the first column of the High side.
func (o StepOptions) EdgeColumn() int { return o.Width / 2 }

// Step2D renders the step image with unit spacing. Axis 0 is x.
func Step2D(o StepOptions) (*models.Grid[float64], error) {
	g, err := models.NewGrid[float64]([]int{o.Width, o.Height}, []float64{1, 1})
	if err != nil {
		return nil, err
	}
	rng := newRNG(o.Seed)
	edge := o.EdgeColumn()
	for y := 0; y < o.Height; y++ {
		for x := 0; x < o.Width; x++ {
			v := o.Low
			if x >= edge {
				v = o.High
			}
			if o.Band == 0 || abs(x-edge) < o.Band {
				v += o.Noise * rng.uniform()
			}
			g.Set(v, x, y)
		}
	}
	return g, nil
}

// TubeOptions describes a 3-D tube running along z: Inside within Radius of
// the x-y centre, Outside elsewhere. SliceGap is the z spacing relative to
// the in-plane spacing of 1.
type TubeOptions struct {
	Size, Depth     int
	Radius          float64
	Inside, Outside float64
	Noise           float64
	SliceGap        float64
	Seed            uint32
}

// DefaultTube is a 32×32×16 tube of radius 8 with ±2 noise everywhere.
func DefaultTube() TubeOptions {
	return TubeOptions{Size: 32, Depth: 16, Radius: 8, Inside: 100, Outside: 10, Noise: 2, SliceGap: 1, Seed: 1}
}

// Tube3D renders the tube image.
func Tube3D(o TubeOptions) (*models.Grid[float64], error) {
	gap := o.SliceGap
	if gap == 0 {
		gap = 1
	}
	g, err := models.NewGrid[float64]([]int{o.Size, o.Size, o.Depth}, []float64{1, 1, gap})
	if err != nil {
		return nil, err
	}
	rng := newRNG(o.Seed)
	c := float64(o.Size-1) / 2
	coord := make([]int, 3)
	for idx := range g.Data {
		coord = g.Coord(idx, coord)
		v := o.Outside
		if math.Hypot(float64(coord[0])-c, float64(coord[1])-c) <= o.Radius {
			v = o.Inside
		}
		g.Data[idx] = v + o.Noise*rng.uniform()
	}
	return g, nil
}

type rng struct{ fastrand.RNG }

func newRNG(seed uint32) *rng {
	r := &rng{}
	r.Seed(seed)
	return r
}

// uniform returns a value in [-1, 1].
func (r *rng) uniform() float64 {
	return 2*float64(r.Uint32n(noiseResolution+1))/noiseResolution - 1
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
