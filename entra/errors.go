package entra

import (
	"errors"
	"net/http"

	"github.com/keksclan/goEntra/internal/claimspolicy"
	"github.com/keksclan/goEntra/internal/jwk"
	ijwt "github.com/keksclan/goEntra/internal/oauth/jwt"
)

// Kind identifies why a token was rejected.
type Kind string

const (
	KindMalformedToken         Kind = "malformed_token"
	KindKeyProviderUnavailable Kind = "key_provider_unavailable"
	KindUnknownSigningKey      Kind = "unknown_signing_key"
	KindSignatureInvalid       Kind = "signature_invalid"
	KindExpiredToken           Kind = "expired_token"
	KindInvalidClaims          Kind = "invalid_claims"
	KindTokenNotYetValid       Kind = "token_not_yet_valid"
	KindTokenTooOld            Kind = "token_too_old"
	KindTenantMismatch         Kind = "tenant_mismatch"
	// KindInternal covers faults that are neither the token's nor the
	// provider's, such as unusable key material.
	KindInternal Kind = "internal_error"
)

// Sentinels for errors.Is against a *Failure.
var (
	ErrMalformedToken         = errors.New("malformed token")
	ErrKeyProviderUnavailable = errors.New("key provider unavailable")
	ErrUnknownSigningKey      = errors.New("unknown signing key")
	ErrSignatureInvalid       = errors.New("signature invalid")
	ErrExpiredToken           = errors.New("token expired")
	ErrInvalidClaims          = errors.New("invalid claims")
	ErrTokenNotYetValid       = errors.New("token not yet valid")
	ErrTokenTooOld            = errors.New("token too old")
	ErrTenantMismatch         = errors.New("tenant mismatch")
	ErrInternal               = errors.New("internal error")
)

var kindSentinels = map[Kind]error{
	KindMalformedToken:         ErrMalformedToken,
	KindKeyProviderUnavailable: ErrKeyProviderUnavailable,
	KindUnknownSigningKey:      ErrUnknownSigningKey,
	KindSignatureInvalid:       ErrSignatureInvalid,
	KindExpiredToken:           ErrExpiredToken,
	KindInvalidClaims:          ErrInvalidClaims,
	KindTokenNotYetValid:       ErrTokenNotYetValid,
	KindTokenTooOld:            ErrTokenTooOld,
	KindTenantMismatch:         ErrTenantMismatch,
	KindInternal:               ErrInternal,
}

// internalDetail is the only detail ever shown for KindInternal.
const internalDetail = "internal error while validating token"

// Failure is the error returned by Engine.Validate. Detail is safe to show
// to the caller; Err holds the underlying cause for logs.
type Failure struct {
	Kind   Kind
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Detail
}

func (f *Failure) Unwrap() error { return f.Err }

// Is matches the sentinel registered for the failure's kind.
func (f *Failure) Is(target error) bool {
	s, ok := kindSentinels[f.Kind]
	return ok && s == target
}

// IsAuthFailure reports whether the token itself was at fault.
func (f *Failure) IsAuthFailure() bool {
	return f.Kind != KindKeyProviderUnavailable && f.Kind != KindInternal
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// classify maps an error from the validation pipeline onto a Failure.
// Anything unrecognised becomes KindInternal.
func classify(err error) *Failure {
	if f, ok := AsFailure(err); ok {
		return f
	}
	kind := KindInternal
	switch {
	case errors.Is(err, ijwt.ErrMalformedToken):
		kind = KindMalformedToken
	case errors.Is(err, jwk.ErrProviderUnavailable):
		kind = KindKeyProviderUnavailable
	case errors.Is(err, jwk.ErrKeyNotFound):
		kind = KindUnknownSigningKey
	case errors.Is(err, ijwt.ErrSignatureInvalid):
		kind = KindSignatureInvalid
	case errors.Is(err, ijwt.ErrExpired):
		kind = KindExpiredToken
	case errors.Is(err, ijwt.ErrInvalidClaims), errors.Is(err, claimspolicy.ErrDenied):
		kind = KindInvalidClaims
	case errors.Is(err, ijwt.ErrNotYetValid):
		kind = KindTokenNotYetValid
	case errors.Is(err, ijwt.ErrTooOld):
		kind = KindTokenTooOld
	case errors.Is(err, ijwt.ErrTenantMismatch):
		kind = KindTenantMismatch
	}
	if kind == KindInternal {
		return &Failure{Kind: kind, Detail: internalDetail, Err: err}
	}
	return &Failure{Kind: kind, Detail: err.Error(), Err: err}
}

// StatusCode maps an error from Validate to an HTTP status.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	f, ok := AsFailure(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch f.Kind {
	case KindKeyProviderUnavailable:
		return http.StatusServiceUnavailable
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}
