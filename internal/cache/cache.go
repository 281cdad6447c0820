package cache

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownBackend is returned by New for an unrecognised backend name.
var ErrUnknownBackend = errors.New("unknown cache backend")

// Cache is the storage backend behind the key cache.
// Implementations must be safe for concurrent use.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, cost int64, ttl time.Duration) bool
	Del(key string)
}

// Backend names accepted by New.
const (
	BackendMemory    = "memory"
	BackendRistretto = "ristretto"
)

// New returns the backend registered under name. An empty name selects the
// memory backend.
func New(name string) (Cache, error) {
	switch name {
	case "", BackendMemory:
		return NewMemoryCache(), nil
	case BackendRistretto:
		c, err := NewRistrettoCache(1<<10, 1<<20, 64)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}
