package jwk

import (
	"context"
	"crypto/rsa"
	"errors"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	// ErrKeyNotFound means the resolved key set has no key with the requested kid.
	ErrKeyNotFound = errors.New("key not found")
	// ErrProviderUnavailable wraps every network, HTTP status or document
	// failure while fetching the key set.
	ErrProviderUnavailable = errors.New("key provider unavailable")
	ErrInvalidJWKS         = errors.New("invalid JWKS")
	ErrUnsupportedKeyType  = errors.New("unsupported key type")
	ErrInvalidKeyMaterial  = errors.New("invalid key material")
)

// Fetcher retrieves the provider's complete key set.
type Fetcher interface {
	Fetch(ctx context.Context) (jwk.Set, error)
}

// KeyResolver returns the RSA public key for a kid.
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (*rsa.PublicKey, error)
}
