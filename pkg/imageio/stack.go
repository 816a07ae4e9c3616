package imageio

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"edgediffusion/internal/models"
)

// LoadStack reads every image in dir as one z slice of a 3-D grid. Files
// are ordered by the number embedded in their names, so slice_2 precedes
// slice_10. All slices must share the first slice's dimensions.
func LoadStack(dir string, pixelSpacing, sliceGap float64) (*models.Stack, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var imageFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && IsImageFile(entry.Name()) {
			imageFiles = append(imageFiles, entry.Name())
		}
	}
	if len(imageFiles) == 0 {
		return nil, fmt.Errorf("no images found in input directory %s", dir)
	}

	sort.SliceStable(imageFiles, func(i, j int) bool {
		numI, numJ := extractNumber(imageFiles[i]), extractNumber(imageFiles[j])
		if numI != numJ {
			return numI < numJ
		}
		return imageFiles[i] < imageFiles[j]
	})

	var (
		grid   *models.Grid[float64]
		slices = make([]models.Slice, 0, len(imageFiles))
		size   int
	)
	for z, filename := range imageFiles {
		img, err := Decode(filepath.Join(dir, filename))
		if err != nil {
			return nil, fmt.Errorf("failed to load image %s: %w", filename, err)
		}
		bounds := img.Bounds()
		if grid == nil {
			grid, err = models.NewGrid[float64](
				[]int{bounds.Dx(), bounds.Dy(), len(imageFiles)},
				[]float64{pixelSpacing, pixelSpacing, sliceGap},
			)
			if err != nil {
				return nil, err
			}
			size = bounds.Dx() * bounds.Dy()
		} else if bounds.Dx() != grid.Shape[0] || bounds.Dy() != grid.Shape[1] {
			return nil, &models.ShapeMismatchError{
				Stage: "slice " + filename,
				Want:  grid.Shape[:2],
				Got:   []int{bounds.Dx(), bounds.Dy()},
			}
		}
		imageToFloat(img, grid.Data[z*size:(z+1)*size])
		slices = append(slices, models.Slice{Index: z, Filename: filename, Position: float64(z) * sliceGap})
	}

	return &models.Stack{Grid: grid, Slices: slices}, nil
}

// SaveStack writes each z slice of a 3-D grid to dir as slice_NNN.
func SaveStack(dir string, g *models.Grid[float64], format Format) error {
	if g.Dim() != 3 {
		return &models.ShapeMismatchError{Stage: "stack export", Want: []int{0, 0, 0}, Got: g.Shape}
	}
	width, height := g.Shape[0], g.Shape[1]
	size := width * height
	for z := 0; z < g.Shape[2]; z++ {
		slice := &models.Grid[float64]{
			Geometry: mustGeometry(width, height, g.Spacing[0], g.Spacing[1]),
			Data:     g.Data[z*size : (z+1)*size],
		}
		path := filepath.Join(dir, fmt.Sprintf("slice_%03d%s", z, format.Ext()))
		if err := Save(path, slice, format); err != nil {
			return err
		}
	}
	return nil
}

// mustGeometry builds a plane geometry from dimensions of an existing grid,
// which are valid by construction.
func mustGeometry(width, height int, sx, sy float64) models.Geometry {
	geom, err := models.NewGeometry([]int{width, height}, []float64{sx, sy})
	if err != nil {
		panic(err)
	}
	return geom
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}
