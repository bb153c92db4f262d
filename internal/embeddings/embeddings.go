package embeddings

import (
	"context"
	"math"
)

// DefaultDimension matches the vector column width used by the store.
const DefaultDimension = 1536

// Vector is a dense embedding. Components are float64 so that normalization
// holds to double precision; storage layers narrow to float32 at the boundary.
type Vector []float64

// Embedder defines the embedding interface.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	// Model identifies the vector space. Vectors are only comparable when
	// their model tags are equal.
	Model() string
}

// Norm returns the Euclidean length of v.
func (v Vector) Norm() float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// IsZero reports whether every component is zero. A zero vector carries no
// signal and must not be ranked.
func (v Vector) IsZero() bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Float32 narrows v for storage.
func (v Vector) Float32() []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// FromFloat32 widens a stored vector.
func FromFloat32(in []float32) Vector {
	out := make(Vector, len(in))
	for i, x := range in {
		out[i] = float64(x)
	}
	return out
}

// Dot returns the inner product of a and b, or 0 when their lengths differ.
func Dot(a, b Vector) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// CosineSimilarity returns the cosine of the angle between a and b. Empty,
// zero-magnitude or mismatched vectors yield 0.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na, nb := a.Norm(), b.Norm()
	if na == 0 || nb == 0 {
		return 0
	}
	return Dot(a, b) / (na * nb)
}
