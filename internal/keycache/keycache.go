// Package keycache holds the identity provider's signing key set as one
// cached unit with a time-to-live.
//
// The cache has a single slot. Set always replaces the slot, and Get returns
// the set only while the clock is strictly before the entry's expiry. An
// expired entry is never served, even though the backend may still hold it.
//
// Concurrent refreshes are not serialised here; the last Set wins.
package keycache

import (
	"time"

	"github.com/keksclan/goEntra/internal/cache"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// DefaultSlot is the backend key the set is stored under.
const DefaultSlot = "jwks:current"

type entry struct {
	set       jwk.Set
	expiresAt time.Time
}

type KeyCache struct {
	store cache.Cache
	slot  string
	now   func() time.Time
}

// New returns a KeyCache storing its entry in store under slot. A nil now
// defaults to time.Now; an empty slot defaults to DefaultSlot.
func New(store cache.Cache, slot string, now func() time.Time) *KeyCache {
	if now == nil {
		now = time.Now
	}
	if slot == "" {
		slot = DefaultSlot
	}
	return &KeyCache{store: store, slot: slot, now: now}
}

// Get returns the cached set if one is present and unexpired.
func (c *KeyCache) Get() (jwk.Set, bool) {
	e, ok := c.load()
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.set, true
}

// Set stores set with expiry now+ttl, overwriting any previous entry.
func (c *KeyCache) Set(set jwk.Set, ttl time.Duration) {
	e := &entry{set: set, expiresAt: c.now().Add(ttl)}
	c.store.Set(c.slot, e, 1, ttl)
	// ristretto applies writes asynchronously
	if w, ok := c.store.(interface{ Wait() }); ok {
		w.Wait()
	}
}

// ExpiresAt reports the expiry of the stored entry, expired or not.
func (c *KeyCache) ExpiresAt() (time.Time, bool) {
	e, ok := c.load()
	if !ok {
		return time.Time{}, false
	}
	return e.expiresAt, true
}

func (c *KeyCache) load() (*entry, bool) {
	v, ok := c.store.Get(c.slot)
	if !ok {
		return nil, false
	}
	e, ok := v.(*entry)
	if !ok || e == nil || e.set == nil {
		return nil, false
	}
	return e, true
}
