// Package imageio converts between image files and float64 grids.
//
// Samples are read from the red channel of the decoded image and scaled to
// [0, 1]. Written images are 16-bit grayscale, with values clamped to [0, 1].
package imageio

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"edgediffusion/internal/models"
)

// Format names an output encoding.
type Format string

const (
	PNG  Format = "png"
	TIFF Format = "tiff"
)

// ParseFormat maps a configuration name onto a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "png":
		return PNG, nil
	case "tif", "tiff":
		return TIFF, nil
	}
	return "", &models.ConfigError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", s)}
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string {
	if f == TIFF {
		return ".tiff"
	}
	return ".png"
}

// IsImageFile reports whether path has an extension Decode understands.
func IsImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff":
		return true
	}
	return false
}

// Decode reads an image file, choosing the decoder by extension.
func Decode(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var img image.Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		img, err = png.Decode(file)
	case ".jpg", ".jpeg":
		img, err = jpeg.Decode(file)
	case ".tif", ".tiff":
		img, err = tiff.Decode(file)
	default:
		return nil, fmt.Errorf("unsupported image type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

// ImageToGrid converts img into a 2-D grid with the given pixel spacing.
func ImageToGrid(img image.Image, spacing float64) (*models.Grid[float64], error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	g, err := models.NewGrid[float64]([]int{width, height}, []float64{spacing, spacing})
	if err != nil {
		return nil, err
	}
	imageToFloat(img, g.Data)
	return g, nil
}

// imageToFloat writes the red channel of img into dst in row-major order.
func imageToFloat(img image.Image, dst []float64) {
	bounds := img.Bounds()
	width := bounds.Dx()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			dst[(y-bounds.Min.Y)*width+(x-bounds.Min.X)] = float64(r) / 65535.0
		}
	}
}

// Load reads a single image file as a 2-D grid.
func Load(path string, spacing float64) (*models.Grid[float64], error) {
	img, err := Decode(path)
	if err != nil {
		return nil, err
	}
	return ImageToGrid(img, spacing)
}

// ToImage renders a 2-D grid as 16-bit grayscale, mapping [lo, hi] onto the
// full range. Values outside are clamped.
func ToImage(g *models.Grid[float64], lo, hi float64) (*image.Gray16, error) {
	if g.Dim() != 2 {
		return nil, &models.ShapeMismatchError{Stage: "image export", Want: []int{0, 0}, Got: g.Shape}
	}
	width, height := g.Shape[0], g.Shape[1]
	img := image.NewGray16(image.Rect(0, 0, width, height))
	scale := 0.0
	if hi > lo {
		scale = 1 / (hi - lo)
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := (g.Data[y*width+x] - lo) * scale
			value := uint16(math.Round(math.Max(0, math.Min(1, v)) * 65535))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img, nil
}

// Encode writes img to path in the given format, creating parent
// directories as needed.
func Encode(path string, img image.Image, format Format) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}

	switch format {
	case TIFF:
		err = tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		err = png.Encode(file, img)
	}
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to encode image %s: %w", path, err)
	}
	return file.Close()
}

// Save writes a 2-D grid with values in [0, 1] to path.
func Save(path string, g *models.Grid[float64], format Format) error {
	img, err := ToImage(g, 0, 1)
	if err != nil {
		return err
	}
	return Encode(path, img, format)
}
