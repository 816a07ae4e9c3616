// Package eigen decomposes small symmetric tensors into ordered eigenvalues
// and orthonormal eigenvectors.
//
// Eigenvectors are the columns of the returned matrix: column k pairs with
// Values[k] under every ordering policy.
package eigen

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"edgediffusion/internal/models"
)

// Order selects how eigenvalue/eigenvector pairs are sorted after the
// decomposition.
type Order int

const (
	// OrderByValue sorts λ1 <= λ2 <= ... <= λD.
	OrderByValue Order = iota + 1
	// OrderByMagnitude sorts |λ1| <= |λ2| <= ... <= |λD|, as is usual for
	// vesselness measures.
	OrderByMagnitude
	// DoNotOrder keeps the solver's native order.
	DoNotOrder
)

// String returns the configuration name of the policy.
func (o Order) String() string {
	switch o {
	case OrderByValue:
		return "value"
	case OrderByMagnitude:
		return "magnitude"
	case DoNotOrder:
		return "none"
	default:
		return fmt.Sprintf("Order(%d)", int(o))
	}
}

// ParseOrder maps a configuration name onto a policy.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "value":
		return OrderByValue, nil
	case "magnitude":
		return OrderByMagnitude, nil
	case "none", "unordered":
		return DoNotOrder, nil
	}
	return 0, &models.ConfigError{Field: "eigenOrder", Reason: fmt.Sprintf("unknown policy %q", s)}
}

// Decomposition holds the eigen-analysis of one symmetric tensor.
type Decomposition struct {
	// Values are the eigenvalues in policy order
	Values []float64

	// Vectors holds the unit eigenvectors as columns
	Vectors *mat.Dense
}

// NewDecomposition allocates storage for a dim×dim analysis.
func NewDecomposition(dim int) *Decomposition {
	return &Decomposition{
		Values:  make([]float64, dim),
		Vectors: mat.NewDense(dim, dim, nil),
	}
}

// Dim returns the tensor dimension of the decomposition.
func (d *Decomposition) Dim() int { return len(d.Values) }

// Vector copies eigenvector k into dst.
func (d *Decomposition) Vector(k int, dst []float64) []float64 {
	return mat.Col(dst, k, d.Vectors)
}

// Solver computes eigen-decompositions for a fixed dimension and ordering
// policy. A Solver keeps scratch space and must not be shared between
// goroutines; create one per worker.
type Solver struct {
	dim   int
	order Order

	sym    *mat.SymDense
	eig    mat.EigenSym
	native *mat.Dense
	values []float64
}

// NewSolver returns a solver for dim×dim tensors.
func NewSolver(dim int, order Order) (*Solver, error) {
	if dim < 1 {
		return nil, &models.ConfigError{Field: "dimension", Reason: fmt.Sprintf("must be positive, got %d", dim)}
	}
	switch order {
	case OrderByValue, OrderByMagnitude, DoNotOrder:
	default:
		return nil, &models.ConfigError{Field: "eigenOrder", Reason: fmt.Sprintf("unknown policy %d", int(order))}
	}
	return &Solver{
		dim:    dim,
		order:  order,
		sym:    mat.NewSymDense(dim, nil),
		native: mat.NewDense(dim, dim, nil),
		values: make([]float64, dim),
	}, nil
}

// Dim returns the tensor dimension handled by the solver.
func (s *Solver) Dim() int { return s.dim }

// Order returns the ordering policy.
func (s *Solver) Order() Order { return s.order }

// Decompose analyses t and writes the ordered result into dst.
// A tensor with non-finite entries, or one the QL iteration cannot resolve,
// yields a *models.NumericError and leaves dst unspecified.
func (s *Solver) Decompose(t models.SymmetricTensor, dst *Decomposition) error {
	if t.Dim() != s.dim || dst.Dim() != s.dim {
		return &models.ConfigError{
			Field:  "dimension",
			Reason: fmt.Sprintf("solver handles %d×%d, got tensor %d and output %d", s.dim, s.dim, t.Dim(), dst.Dim()),
		}
	}
	for _, v := range t {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &models.NumericError{Voxel: -1, Reason: "tensor has non-finite entries"}
		}
	}

	t.ToSym(s.sym)
	if ok := s.eig.Factorize(s.sym, true); !ok {
		return &models.NumericError{Voxel: -1, Reason: "eigen decomposition did not converge"}
	}
	s.eig.Values(s.values)
	s.eig.VectorsTo(s.native)

	copy(dst.Values, s.values)
	dst.Vectors.Copy(s.native)
	Reorder(dst, s.order)
	return nil
}

// Reorder permutes the eigenvalue/eigenvector pairs of d in place according
// to order. It never recomputes the decomposition. Ties keep their relative
// order.
func Reorder(d *Decomposition, order Order) {
	dim := d.Dim()
	perm := make([]int, dim)
	for i := range perm {
		perm[i] = i
	}

	var key func(float64) float64
	switch order {
	case OrderByValue:
		key = func(v float64) float64 { return v }
	case OrderByMagnitude:
		key = math.Abs
	default:
		return
	}
	sort.SliceStable(perm, func(a, b int) bool {
		return key(d.Values[perm[a]]) < key(d.Values[perm[b]])
	})

	sorted := true
	for i, p := range perm {
		if p != i {
			sorted = false
			break
		}
	}
	if sorted {
		return
	}

	values := make([]float64, dim)
	vectors := mat.NewDense(dim, dim, nil)
	col := make([]float64, dim)
	for k, p := range perm {
		values[k] = d.Values[p]
		vectors.SetCol(k, mat.Col(col, p, d.Vectors))
	}
	copy(d.Values, values)
	d.Vectors.Copy(vectors)
}

// Reconstruct returns V·diag(values)·Vᵀ for the given eigenvectors and
// eigenvalues. Passing replacement values rebuilds a tensor that keeps the
// original eigenvectors.
func Reconstruct(vectors mat.Matrix, values []float64, dst *mat.SymDense) *mat.SymDense {
	dim := len(values)
	if dst == nil {
		dst = mat.NewSymDense(dim, nil)
	} else {
		dst.Zero()
	}
	v := make([]float64, dim)
	for k, lambda := range values {
		dst.SymRankOne(dst, lambda, mat.NewVecDense(dim, mat.Col(v, k, vectors)))
	}
	return dst
}
