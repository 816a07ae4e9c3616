package models

import (
	"fmt"
	"math"
	"slices"
)

// Geometry describes the sampling lattice shared by every field derived from
// one source image. Axis 0 is the fastest varying axis (x), so a 3-D grid is
// laid out as z-major slices of y-major rows, like the reconstructed volumes.
type Geometry struct {
	// Shape is the number of samples along each axis
	Shape []int

	// Spacing is the physical distance between samples along each axis in mm
	Spacing []float64

	strides []int
	length  int
}

// NewGeometry validates shape and spacing and precomputes strides.
func NewGeometry(shape []int, spacing []float64) (Geometry, error) {
	if len(shape) == 0 {
		return Geometry{}, &ConfigError{Field: "shape", Reason: "grid must have at least one axis"}
	}
	if len(spacing) != len(shape) {
		return Geometry{}, &ConfigError{
			Field:  "spacing",
			Reason: fmt.Sprintf("got %d spacings for %d axes", len(spacing), len(shape)),
		}
	}

	strides := make([]int, len(shape))
	length := 1
	for axis, n := range shape {
		if n < 1 {
			return Geometry{}, &ConfigError{Field: "shape", Reason: fmt.Sprintf("axis %d has extent %d", axis, n)}
		}
		s := spacing[axis]
		if !(s > 0) || math.IsInf(s, 0) {
			return Geometry{}, &ConfigError{Field: "spacing", Reason: fmt.Sprintf("axis %d has spacing %g", axis, s)}
		}
		strides[axis] = length
		length *= n
	}

	return Geometry{
		Shape:   slices.Clone(shape),
		Spacing: slices.Clone(spacing),
		strides: strides,
		length:  length,
	}, nil
}

// Dim returns the number of axes.
func (g Geometry) Dim() int { return len(g.Shape) }

// Len returns the number of voxels.
func (g Geometry) Len() int { return g.length }

// Stride returns the linear index distance between neighbours along axis.
func (g Geometry) Stride(axis int) int { return g.strides[axis] }

// Index converts a coordinate to a linear index. The coordinate is not
// bounds checked.
func (g Geometry) Index(coord []int) int {
	idx := 0
	for axis, c := range coord {
		idx += c * g.strides[axis]
	}
	return idx
}

// Coord converts a linear index back into a coordinate, reusing dst when it
// has the right length.
func (g Geometry) Coord(idx int, dst []int) []int {
	if len(dst) != len(g.Shape) {
		dst = make([]int, len(g.Shape))
	}
	for axis, n := range g.Shape {
		dst[axis] = idx % n
		idx /= n
	}
	return dst
}

// AxisCoord returns the coordinate of voxel idx along one axis.
func (g Geometry) AxisCoord(idx, axis int) int {
	return (idx / g.strides[axis]) % g.Shape[axis]
}

// Shift returns the linear index of the voxel delta steps away from idx along
// axis. Coordinates falling outside the grid are clamped to the nearest edge
// sample, which replicates border values (zero-flux boundary).
func (g Geometry) Shift(idx, axis, delta int) int {
	c := g.AxisCoord(idx, axis)
	t := c + delta
	if t < 0 {
		t = 0
	} else if t >= g.Shape[axis] {
		t = g.Shape[axis] - 1
	}
	return idx + (t-c)*g.strides[axis]
}

// MinSpacing returns the smallest spacing over all axes.
func (g Geometry) MinSpacing() float64 {
	return slices.Min(g.Spacing)
}

// Equal reports whether both geometries describe the same lattice.
func (g Geometry) Equal(o Geometry) bool {
	return slices.Equal(g.Shape, o.Shape) && slices.Equal(g.Spacing, o.Spacing)
}

// Grid is a dense N-dimensional array of samples.
type Grid[T any] struct {
	Geometry

	// Data holds the samples in linear index order
	Data []T
}

// NewGrid allocates a zero-filled grid.
func NewGrid[T any](shape []int, spacing []float64) (*Grid[T], error) {
	geom, err := NewGeometry(shape, spacing)
	if err != nil {
		return nil, err
	}
	return NewGridLike[T](geom), nil
}

// NewGridLike allocates a zero-filled grid sharing geometry with another field.
func NewGridLike[T any](geom Geometry) *Grid[T] {
	return &Grid[T]{Geometry: geom, Data: make([]T, geom.Len())}
}

// At returns the sample at coord.
func (g *Grid[T]) At(coord ...int) T { return g.Data[g.Index(coord)] }

// Set stores v at coord.
func (g *Grid[T]) Set(v T, coord ...int) { g.Data[g.Index(coord)] = v }

// Clone returns a deep copy of the grid.
func (g *Grid[T]) Clone() *Grid[T] {
	return &Grid[T]{Geometry: g.Geometry, Data: slices.Clone(g.Data)}
}

// CheckGeometry returns a ShapeMismatchError when the two geometries differ.
func CheckGeometry(stage string, want, got Geometry) error {
	if want.Equal(got) {
		return nil
	}
	return &ShapeMismatchError{
		Stage:       stage,
		Want:        slices.Clone(want.Shape),
		Got:         slices.Clone(got.Shape),
		WantSpacing: slices.Clone(want.Spacing),
		GotSpacing:  slices.Clone(got.Spacing),
	}
}
