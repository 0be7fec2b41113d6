// Package vector defines the embedding vector record and the small amount of
// linear algebra the index needs.
package vector

import (
	"errors"
	"fmt"
	"math"

	"github.com/bull/shardsearch/internal/apperr"
)

// NormTolerance is the allowed deviation of a stored vector's L2 norm from 1.
const NormTolerance = 1e-4

// ErrZeroVector is returned when a vector with zero magnitude is normalized.
var ErrZeroVector = errors.New("zero-length vector cannot be normalized")

// Vector is one embedding stored in the index.
type Vector struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"vector"`
	ModelID  string         `json:"model_id"`
	Dims     int            `json:"dims"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Check verifies that v carries dims values, all finite, with unit norm.
func (v *Vector) Check() error {
	if len(v.Values) != v.Dims {
		return fmt.Errorf("%w: vector %s has %d values, declared %d",
			apperr.ErrDimensionMismatch, v.ID, len(v.Values), v.Dims)
	}
	for i, x := range v.Values {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w: vector %s has non-finite value at %d", apperr.ErrValidation, v.ID, i)
		}
	}
	if n := Norm(v.Values); math.Abs(n-1) >= NormTolerance {
		return fmt.Errorf("%w: vector %s has norm %.6f, want 1", apperr.ErrValidation, v.ID, n)
	}
	return nil
}

// Norm returns the L2 norm of v, accumulated in float64.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize scales v in place to unit L2 norm.
func Normalize(v []float32) error {
	n := Norm(v)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return ErrZeroVector
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return nil
}

// Dot returns the dot product of a and b. For unit vectors this equals their
// cosine similarity. The caller guarantees equal lengths.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
