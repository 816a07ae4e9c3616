package models

import "fmt"

// ConfigError reports an invalid parameter. It is always fatal and is raised
// before any image data is modified.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// NumericError reports a per-voxel numerical failure such as an eigen
// decomposition that did not converge. Voxel is -1 when unknown.
type NumericError struct {
	Voxel  int
	Reason string
}

func (e *NumericError) Error() string {
	if e.Voxel < 0 {
		return "numeric failure: " + e.Reason
	}
	return fmt.Sprintf("numeric failure at voxel %d: %s", e.Voxel, e.Reason)
}

// ShapeMismatchError reports fields that do not share a geometry.
type ShapeMismatchError struct {
	Stage       string
	Want, Got   []int
	WantSpacing []float64
	GotSpacing  []float64
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: shape mismatch, want %v (spacing %v) got %v (spacing %v)",
		e.Stage, e.Want, e.WantSpacing, e.Got, e.GotSpacing)
}
