package entra

import (
	"errors"
	"strings"
	"time"

	"github.com/keksclan/goEntra/internal/cache"
	"github.com/keksclan/goEntra/internal/jwk"
)

// DefaultAuthorityHost is the public-cloud Entra ID login endpoint.
const DefaultAuthorityHost = "https://login.microsoftonline.com"

// Defaults applied by New for zero-valued fields.
const (
	DefaultKeyCacheTTL  = time.Hour
	DefaultMaxTokenAge  = time.Hour
	DefaultFetchTimeout = jwk.DefaultFetchTimeout
)

type Config struct {
	TenantID string
	ClientID string
	// Audience is the exact aud value access tokens must carry,
	// usually "api://<client id>".
	Audience string
	// Authority is the base URL the key set is discovered under. Empty
	// means DefaultAuthorityHost/<tenant>.
	Authority string

	KeyCacheTTL  time.Duration
	MaxTokenAge  time.Duration
	FetchTimeout time.Duration
	// CacheBackend selects the key cache storage: "memory" or "ristretto".
	CacheBackend string

	// ClaimsPolicy is an optional Lua script run against the claims of
	// every token that passed all other checks. A denial is reported as
	// KindInvalidClaims.
	ClaimsPolicy string
}

func (c *Config) setDefaults() {
	if c.Authority == "" && c.TenantID != "" {
		c.Authority = DefaultAuthorityHost + "/" + c.TenantID
	}
	if c.KeyCacheTTL == 0 {
		c.KeyCacheTTL = DefaultKeyCacheTTL
	}
	if c.MaxTokenAge == 0 {
		c.MaxTokenAge = DefaultMaxTokenAge
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.CacheBackend == "" {
		c.CacheBackend = cache.BackendMemory
	}
}

func (c Config) Validate() error {
	if c.TenantID == "" {
		return errors.New("tenant ID is required")
	}
	if c.Audience == "" {
		return errors.New("audience is required")
	}
	if c.Authority == "" {
		return errors.New("authority is required")
	}
	if !strings.HasPrefix(c.Authority, "https://") && !strings.HasPrefix(c.Authority, "http://") {
		return errors.New("authority must be an http(s) URL")
	}
	if c.KeyCacheTTL < 0 {
		return errors.New("key cache TTL must not be negative")
	}
	if c.MaxTokenAge < 0 {
		return errors.New("max token age must not be negative")
	}
	if c.FetchTimeout < 0 {
		return errors.New("fetch timeout must not be negative")
	}
	switch c.CacheBackend {
	case "", cache.BackendMemory, cache.BackendRistretto:
	default:
		return errors.New("cache backend must be memory or ristretto")
	}
	return nil
}

// Issuer returns the v1 token issuer for the tenant. The trailing slash is
// part of the value Entra ID emits.
func (c Config) Issuer() string {
	return "https://sts.windows.net/" + c.TenantID + "/"
}

// JWKSURL returns the key discovery endpoint under Authority.
func (c Config) JWKSURL() string {
	return jwk.KeysURL(c.Authority)
}
