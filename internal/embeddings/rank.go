package embeddings

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrZeroVector        = errors.New("embeddings: query vector has no signal")
	ErrDimensionMismatch = errors.New("embeddings: dimension mismatch")
)

// Item is a stored vector keyed by identifier.
type Item struct {
	ID     string
	Vector Vector
}

// Match is a ranked item. Distance is the cosine distance 1 - Similarity.
type Match struct {
	ID         string
	Similarity float64
	Distance   float64
}

// Rank orders items by ascending cosine distance to query, breaking ties by
// ascending ID. Both sides are expected to be unit vectors, so similarity is
// the dot product. Stored zero vectors are skipped.
func Rank(query Vector, items []Item) ([]Match, error) {
	if query.IsZero() {
		return nil, ErrZeroVector
	}
	matches := make([]Match, 0, len(items))
	for _, it := range items {
		if len(it.Vector) != len(query) {
			return nil, fmt.Errorf("%w: item %s has %d dims, query has %d", ErrDimensionMismatch, it.ID, len(it.Vector), len(query))
		}
		if it.Vector.IsZero() {
			continue
		}
		sim := Dot(query, it.Vector)
		matches = append(matches, Match{ID: it.ID, Similarity: sim, Distance: 1 - sim})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}
