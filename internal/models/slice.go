package models

// Slice describes one 2-D image of a slice stack
type Slice struct {
	// Index is the position of this slice in the sequence
	Index int

	// Filename is the original filename of the slice
	Filename string

	// Position is the physical position of the slice along the z axis in mm
	Position float64
}

// Stack is a 3-D grid assembled from a sorted sequence of slices
type Stack struct {
	*Grid[float64]

	// Slices lists the source files in z order
	Slices []Slice
}
