// Package visualization cuts 2-D views out of 3-D grids and writes
// diagnostic fields as images.
package visualization

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"edgediffusion/internal/models"
	"edgediffusion/pkg/imageio"
)

// Viewer extracts planes and regions from a 3-D grid
type Viewer struct {
	volume *models.Grid[float64]
}

// NewViewer creates a viewer over a 3-D grid
func NewViewer(volume *models.Grid[float64]) (*Viewer, error) {
	if volume.Dim() != 3 {
		return nil, &models.ShapeMismatchError{Stage: "viewer", Want: []int{0, 0, 0}, Got: volume.Shape}
	}
	return &Viewer{volume: volume}, nil
}

// axisIndex maps an axis name onto a grid axis.
func axisIndex(axis string) (int, error) {
	switch strings.ToLower(axis) {
	case "x":
		return 0, nil
	case "y":
		return 1, nil
	case "z":
		return 2, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice extracts the plane at position along axis. The remaining two
// axes keep their order, so an x slice is indexed (y, z) and a z slice (x, y).
func (v *Viewer) ExtractSlice(axis string, position int) (*models.Grid[float64], error) {
	a, err := axisIndex(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= v.volume.Shape[a] {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, v.volume.Shape[a], axis)
	}

	var keep []int
	for i := 0; i < 3; i++ {
		if i != a {
			keep = append(keep, i)
		}
	}
	plane, err := models.NewGrid[float64](
		[]int{v.volume.Shape[keep[0]], v.volume.Shape[keep[1]]},
		[]float64{v.volume.Spacing[keep[0]], v.volume.Spacing[keep[1]]},
	)
	if err != nil {
		return nil, err
	}

	coord := make([]int, 3)
	coord[a] = position
	for j := 0; j < plane.Shape[1]; j++ {
		for i := 0; i < plane.Shape[0]; i++ {
			coord[keep[0]], coord[keep[1]] = i, j
			plane.Set(v.volume.At(coord...), i, j)
		}
	}
	return plane, nil
}

// SaveSliceSequence extracts and saves every slice along the specified axis,
// each normalised to the volume's own range.
func (v *Viewer) SaveSliceSequence(axis, outputDir string, format imageio.Format) error {
	a, err := axisIndex(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	lo, hi := minMax(v.volume.Data)

	for pos := 0; pos < v.volume.Shape[a]; pos++ {
		plane, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		img, err := imageio.ToImage(plane, lo, hi)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d%s", strings.ToLower(axis), pos, format.Ext()))
		if err := imageio.Encode(filename, img, format); err != nil {
			return err
		}
	}
	return nil
}
