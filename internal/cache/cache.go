package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Cache provides search result caching
type Cache interface {
	// GetSearch retrieves a cached search by key
	// Returns nil if not found
	GetSearch(ctx context.Context, key string) (*SearchEntry, error)

	// SetSearch stores a search with TTL
	SetSearch(ctx context.Context, key string, entry *SearchEntry, ttl time.Duration) error

	// Invalidate drops every cached search. Called whenever the corpus changes.
	Invalidate(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// SearchEntry is a cached search response. Results holds the encoded result
// list exactly as it was served.
type SearchEntry struct {
	Count   int             `json:"count"`
	Results json.RawMessage `json:"results"`
}

// GenerateCacheKey hashes the JSON encoding of a normalized request.
func GenerateCacheKey(req any) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
