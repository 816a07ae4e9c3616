package visualization

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"edgediffusion/internal/models"
	"edgediffusion/pkg/imageio"
)

// newVolume builds a width×height×depth grid filled by fn.
func newVolume(t *testing.T, width, height, depth int, fn func(x, y, z int) float64) *models.Grid[float64] {
	t.Helper()
	g, err := models.NewGrid[float64]([]int{width, height, depth}, []float64{1, 1, 2})
	if err != nil {
		t.Fatalf("Failed to create volume: %v", err)
	}
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				g.Set(fn(x, y, z), x, y, z)
			}
		}
	}
	return g
}

// TestNewViewerRequires3D verifies that only volumes are accepted
func TestNewViewerRequires3D(t *testing.T) {
	plane, err := models.NewGrid[float64]([]int{4, 4}, []float64{1, 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewViewer(plane); err == nil {
		t.Error("Expected error for 2-D grid, got nil")
	}
}

// TestExtractSlice verifies that planes are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	volume := newVolume(t, width, height, depth, func(x, y, z int) float64 {
		return float64(100*z + 10*y + x)
	})
	viewer, err := NewViewer(volume)
	if err != nil {
		t.Fatal(err)
	}

	for z := 0; z < depth; z++ {
		plane, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}
		if plane.Shape[0] != width || plane.Shape[1] != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %v", width, height, plane.Shape)
		}
		if got, want := plane.At(3, 2), float64(100*z+23); got != want {
			t.Errorf("Expected Z slice value %v, got %v", want, got)
		}
	}

	planeX, err := viewer.ExtractSlice("X", 4)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if planeX.Shape[0] != height || planeX.Shape[1] != depth {
		t.Errorf("Expected X slice dimensions %dx%d, got %v", height, depth, planeX.Shape)
	}
	if planeX.Spacing[1] != 2 {
		t.Errorf("Expected X slice to keep the slice gap, got spacing %v", planeX.Spacing)
	}
	if got := planeX.At(6, 3); got != 364 {
		t.Errorf("Expected X slice value 364, got %v", got)
	}

	planeY, err := viewer.ExtractSlice("y", 1)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if planeY.Shape[0] != width || planeY.Shape[1] != depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %v", width, depth, planeY.Shape)
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", depth); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	depth := 3
	volume := newVolume(t, 5, 5, depth, func(x, y, z int) float64 { return float64(z) })
	viewer, err := NewViewer(volume)
	if err != nil {
		t.Fatal(err)
	}

	outputDir := filepath.Join(t.TempDir(), "slices")
	if err := viewer.SaveSliceSequence("z", outputDir, imageio.PNG); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}

	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.png", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	// Slices are normalised to the volume range: z=2 is white.
	last, err := imageio.Load(filepath.Join(outputDir, "slice_z_002.png"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if last.At(0, 0) != 1 {
		t.Errorf("Expected last slice to be white, got %v", last.At(0, 0))
	}

	if err := viewer.SaveSliceSequence("invalid", outputDir, imageio.PNG); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}
