package jwk

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/keksclan/goEntra/internal/keycache"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Manager resolves signing keys from the cached key set, fetching a fresh
// set from the provider when the cache holds nothing usable.
//
// A lookup performs at most one refresh. A kid missing from a freshly
// fetched set is reported as ErrKeyNotFound without retrying. A failed fetch
// leaves the cache as it was.
type Manager struct {
	cache   *keycache.KeyCache
	fetcher Fetcher
	ttl     time.Duration
	sfGroup singleflight.Group
	logger  *zap.Logger

	// onFetch observes every fetch outcome; nil is a no-op.
	onFetch func(err error)
}

func NewManager(c *keycache.KeyCache, f Fetcher, ttl time.Duration) *Manager {
	return &Manager{
		cache:   c,
		fetcher: f,
		ttl:     ttl,
		logger:  zap.NewNop(),
	}
}

func (m *Manager) SetLogger(l *zap.Logger) {
	if l != nil {
		m.logger = l
	}
}

// SetFetchObserver registers fn to be called after each fetch attempt.
func (m *Manager) SetFetchObserver(fn func(err error)) {
	m.onFetch = fn
}

func (m *Manager) Resolve(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	set, err := m.keySet(ctx)
	if err != nil {
		return nil, err
	}
	return keyFromSet(set, kid)
}

// keySet returns the cached set or fetches and caches a new one.
func (m *Manager) keySet(ctx context.Context) (jwk.Set, error) {
	if set, ok := m.cache.Get(); ok {
		return set, nil
	}

	// Concurrent misses share one request. The request is detached from the
	// first caller's cancellation and bounded by the fetcher's own timeout;
	// each caller stops waiting when its own context ends.
	fetchCtx := context.WithoutCancel(ctx)
	ch := m.sfGroup.DoChan("jwks", func() (any, error) {
		if set, ok := m.cache.Get(); ok {
			return set, nil
		}
		set, err := m.fetcher.Fetch(fetchCtx)
		if m.onFetch != nil {
			m.onFetch(err)
		}
		if err != nil {
			m.logger.Warn("jwks fetch failed", zap.Error(err))
			return nil, err
		}
		m.cache.Set(set, m.ttl)
		m.logger.Debug("jwks refreshed", zap.Int("keys", set.Len()), zap.Duration("ttl", m.ttl))
		return set, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, ctx.Err())
	}
	if res.Err != nil {
		return nil, res.Err
	}
	set, ok := res.Val.(jwk.Set)
	if !ok {
		return nil, fmt.Errorf("unexpected singleflight result type %T", res.Val)
	}
	return set, nil
}

func keyFromSet(set jwk.Set, kid string) (*rsa.PublicKey, error) {
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	var rawKey any
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("%w: kid %q: %v", ErrInvalidKeyMaterial, kid, err)
	}
	pub, ok := rawKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: kid %q is %T", ErrUnsupportedKeyType, kid, rawKey)
	}
	return pub, nil
}
