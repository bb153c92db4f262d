package cache

import (
	"context"
	"time"
)

// NoOpCache is a cache implementation that does nothing.
// Used as a fallback when Redis is unavailable - all operations succeed
// but no actual caching occurs (always cache miss).
type NoOpCache struct{}

func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

func (c *NoOpCache) GetSearch(context.Context, string) (*SearchEntry, error) {
	return nil, nil
}

func (c *NoOpCache) SetSearch(context.Context, string, *SearchEntry, time.Duration) error {
	return nil
}

func (c *NoOpCache) Invalidate(context.Context) error {
	return nil
}

func (c *NoOpCache) Close() error {
	return nil
}
