package models

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// TensorComponents returns the number of stored entries of a symmetric
// dim×dim tensor.
func TensorComponents(dim int) int { return dim * (dim + 1) / 2 }

// SymmetricTensor is a view of the upper triangle of a real symmetric matrix,
// packed row by row: (0,0) (0,1) ... (0,D-1) (1,1) ... (D-1,D-1).
type SymmetricTensor []float64

// Dim recovers D from the number of packed components.
func (t SymmetricTensor) Dim() int {
	return int((math.Sqrt(float64(8*len(t)+1)) - 1) / 2)
}

// PackedIndex returns the storage offset of entry (i, j) in a packed
// dim×dim symmetric tensor.
func PackedIndex(dim, i, j int) int {
	if i > j {
		i, j = j, i
	}
	return i*dim - i*(i-1)/2 + (j - i)
}

// At returns entry (i, j); (j, i) addresses the same storage.
func (t SymmetricTensor) At(i, j int) float64 {
	return t[PackedIndex(t.Dim(), i, j)]
}

// Set stores v at (i, j) and, implicitly, at (j, i).
func (t SymmetricTensor) Set(i, j int, v float64) {
	t[PackedIndex(t.Dim(), i, j)] = v
}

// SetIdentity overwrites the tensor with scale·I.
func (t SymmetricTensor) SetIdentity(scale float64) {
	dim := t.Dim()
	for i := range t {
		t[i] = 0
	}
	for i := 0; i < dim; i++ {
		t.Set(i, i, scale)
	}
}

// Trace returns the sum of the diagonal entries.
func (t SymmetricTensor) Trace() float64 {
	dim := t.Dim()
	sum := 0.0
	for i := 0; i < dim; i++ {
		sum += t.At(i, i)
	}
	return sum
}

// ToSym copies the tensor into dst, allocating when dst is nil.
func (t SymmetricTensor) ToSym(dst *mat.SymDense) *mat.SymDense {
	dim := t.Dim()
	if dst == nil {
		dst = mat.NewSymDense(dim, nil)
	}
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			dst.SetSym(i, j, t.At(i, j))
		}
	}
	return dst
}

// FromSym copies the upper triangle of s into the tensor.
func (t SymmetricTensor) FromSym(s mat.Symmetric) {
	dim := t.Dim()
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			t.Set(i, j, s.At(i, j))
		}
	}
}

// TensorField stores one symmetric tensor per voxel. Components of a voxel
// are contiguous so At returns a cheap view.
type TensorField struct {
	Geometry

	// Data holds TensorComponents(Dim()) values per voxel
	Data []float64
}

// NewTensorField allocates a zero-filled field of Dim()×Dim() tensors.
func NewTensorField(geom Geometry) *TensorField {
	return &TensorField{
		Geometry: geom,
		Data:     make([]float64, geom.Len()*TensorComponents(geom.Dim())),
	}
}

// Components returns the number of stored values per voxel.
func (f *TensorField) Components() int { return TensorComponents(f.Dim()) }

// At returns the tensor of voxel idx as a view into the field.
func (f *TensorField) At(idx int) SymmetricTensor {
	k := f.Components()
	return SymmetricTensor(f.Data[idx*k : (idx+1)*k : (idx+1)*k])
}

// Component returns entry (i, j) of voxel idx without building a view.
func (f *TensorField) Component(idx, i, j int) float64 {
	return f.Data[idx*f.Components()+PackedIndex(f.Dim(), i, j)]
}
