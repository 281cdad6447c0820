package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is an in-process backend built on go-cache. Writes are
// synchronous, so a Set is visible to the next Get.
type MemoryCache struct {
	c *gocache.Cache
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{c: gocache.New(gocache.NoExpiration, 10*time.Minute)}
}

func (m *MemoryCache) Get(key string) (any, bool) {
	return m.c.Get(key)
}

// Set stores value. cost is ignored; a non-positive ttl stores without expiry.
func (m *MemoryCache) Set(key string, value any, _ int64, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.c.Set(key, value, ttl)
	return true
}

func (m *MemoryCache) Del(key string) {
	m.c.Delete(key)
}
