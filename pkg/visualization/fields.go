package visualization

import (
	"fmt"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"edgediffusion/internal/models"
	"edgediffusion/pkg/imageio"
)

// FieldWriter saves diagnostic fields below Dir as
// <stage>/iter_NNNN.<ext> for 2-D grids and
// <stage>/iter_NNNN/slice_z_NNN.<ext> for 3-D grids. Every field is
// normalised to its own minimum and maximum.
type FieldWriter struct {
	Dir    string
	Format imageio.Format
}

// WriteField implements diffusion.DiagnosticWriter.
func (w *FieldWriter) WriteField(stage string, iteration int, g *models.Grid[float64]) error {
	stageDir := filepath.Join(w.Dir, stage)
	name := fmt.Sprintf("iter_%04d", iteration)

	switch g.Dim() {
	case 2:
		lo, hi := minMax(g.Data)
		img, err := imageio.ToImage(g, lo, hi)
		if err != nil {
			return err
		}
		return imageio.Encode(filepath.Join(stageDir, name+w.Format.Ext()), img, w.Format)
	case 3:
		viewer, err := NewViewer(g)
		if err != nil {
			return err
		}
		return viewer.SaveSliceSequence("z", filepath.Join(stageDir, name), w.Format)
	default:
		return &models.ShapeMismatchError{Stage: "diagnostics " + stage, Want: []int{0, 0}, Got: g.Shape}
	}
}

func minMax(data []float64) (lo, hi float64) {
	if len(data) == 0 {
		return 0, 0
	}
	return floats.Min(data), floats.Max(data)
}
