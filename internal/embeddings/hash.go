package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// HashModel tags vectors produced by Hash. Bump the version whenever the
// tokenizer, hash or weighting changes: stored vectors are only comparable to
// query vectors built by the same scheme.
const HashModel = "fnv1a64-tf-l2/v1"

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Tokenize lower-cases text and returns its maximal runs of letters, digits
// and underscores in order of appearance.
func Tokenize(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

// Bucket maps a token onto [0, dim) using 64-bit FNV-1a over its UTF-8 bytes.
func Bucket(token string, dim int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	return int(h.Sum64() % uint64(dim))
}

// Hash builds a term-frequency vector of dim hashed buckets and scales it to
// unit length. Colliding tokens share a bucket and their counts add up. Text
// without tokens yields the zero vector. A non-positive dim falls back to
// DefaultDimension.
func Hash(text string, dim int) Vector {
	if dim <= 0 {
		dim = DefaultDimension
	}
	vec := make(Vector, dim)
	for _, tok := range Tokenize(text) {
		vec[Bucket(tok, dim)] += 1.0
	}
	var sumSq float64
	for _, x := range vec {
		sumSq += x * x
	}
	if sumSq == 0 {
		return vec
	}
	mag := math.Sqrt(sumSq)
	for i := range vec {
		vec[i] /= mag
	}
	return vec
}

// HashEmbedder adapts Hash to the Embedder interface. It never fails and
// needs no network access.
type HashEmbedder struct {
	Dim int
}

// NewHashEmbedder returns a HashEmbedder producing dim-sized vectors.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashEmbedder{Dim: dim}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) (Vector, error) {
	return Hash(text, e.Dim), nil
}

// Model names the scheme and the dimension. Bucket indices depend on both, so
// vectors built with another dimension never match the model filter.
func (e *HashEmbedder) Model() string { return HashModelTag(e.Dim) }

// HashModelTag is the model tag of dim-sized Hash vectors.
func HashModelTag(dim int) string {
	return fmt.Sprintf("%s/d%d", HashModel, dim)
}
