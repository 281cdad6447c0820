package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/keksclan/goEntra/internal/jwk"
)

// AlgRS256 is the only signing algorithm the validator accepts.
const AlgRS256 = "RS256"

var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrExpired          = errors.New("token expired")
	ErrInvalidClaims    = errors.New("invalid claims")
	ErrNotYetValid      = errors.New("token not yet valid")
	ErrTooOld           = errors.New("token too old")
	ErrTenantMismatch   = errors.New("tenant mismatch")
)

type Config struct {
	// Issuer is compared byte for byte, trailing slash included.
	Issuer   string
	Audience string
	TenantID string
	// MaxTokenAge bounds now-iat. Zero disables the check.
	MaxTokenAge time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

type Claims struct {
	OID               string
	TID               string
	Name              string
	PreferredUsername string
	Email             string
	UPN               string
	Subject           string
	Issuer            string
	Audience          []string
	ExpiresAt         time.Time
	IssuedAt          time.Time
	NotBefore         time.Time
	RawMap            map[string]any
}

// Validator verifies Entra ID access tokens. It is safe for concurrent use.
//
// Validation runs in two stages. The first hands signature, audience,
// issuer and expiry to golang-jwt pinned to RS256. The second applies the
// not-before, token age and tenant policy to the verified claims.
type Validator struct {
	cfg  Config
	keys jwk.KeyResolver
	now  func() time.Time
	// parser is built once; its options never change after New.
	parser *jwt.Parser
}

func New(cfg Config, keys jwk.KeyResolver) (*Validator, error) {
	if keys == nil {
		return nil, errors.New("key resolver is required")
	}
	if cfg.Issuer == "" || cfg.Audience == "" || cfg.TenantID == "" {
		return nil, errors.New("issuer, audience and tenant ID are required")
	}
	if cfg.MaxTokenAge < 0 {
		return nil, errors.New("max token age must not be negative")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	v := &Validator{cfg: cfg, keys: keys, now: now}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{AlgRS256}),
		jwt.WithAudience(cfg.Audience),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	return v, nil
}

// Validate verifies raw and returns its claims. Key resolution errors from
// the resolver are returned unchanged so callers can tell provider faults
// apart from token faults.
func (v *Validator) Validate(ctx context.Context, raw string) (*Claims, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}
	if h.Alg != AlgRS256 {
		return nil, fmt.Errorf("%w: algorithm %q not allowed", ErrSignatureInvalid, h.Alg)
	}

	key, err := v.keys.Resolve(ctx, h.Kid)
	if err != nil {
		return nil, err
	}

	mc := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(raw, mc, func(*jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		return nil, classifyParseError(err)
	}

	now := v.now()
	if err := v.checkPolicy(mc, now); err != nil {
		return nil, err
	}
	return newClaims(mc), nil
}

// checkPolicy runs the checks golang-jwt does not apply on its own.
func (v *Validator) checkPolicy(mc jwt.MapClaims, now time.Time) error {
	nbf, err := mc.GetNotBefore()
	if err != nil {
		return fmt.Errorf("%w: nbf: %v", ErrInvalidClaims, err)
	}
	if nbf != nil && now.Before(nbf.Time) {
		return fmt.Errorf("%w: nbf %s is after %s", ErrNotYetValid, nbf.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}

	iat, err := mc.GetIssuedAt()
	if err != nil {
		return fmt.Errorf("%w: iat: %v", ErrInvalidClaims, err)
	}
	if iat != nil && v.cfg.MaxTokenAge > 0 && now.Sub(iat.Time) > v.cfg.MaxTokenAge {
		return fmt.Errorf("%w: issued %s ago, limit %s", ErrTooOld, now.Sub(iat.Time).Truncate(time.Second), v.cfg.MaxTokenAge)
	}

	tid, _ := mc["tid"].(string)
	if tid != v.cfg.TenantID {
		return fmt.Errorf("%w: token tenant %q", ErrTenantMismatch, tid)
	}
	return nil
}

// classifyParseError maps golang-jwt errors onto the package sentinels.
// Expiry is checked first so an expired token with other claim problems
// still reports as expired.
func classifyParseError(err error) error {
	var target error
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		target = ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		target = ErrSignatureInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		target = ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		target = ErrNotYetValid
	default:
		target = ErrInvalidClaims
	}
	return fmt.Errorf("%w: %v", target, err)
}

func newClaims(mc jwt.MapClaims) *Claims {
	c := &Claims{RawMap: mc}
	c.OID, _ = mc["oid"].(string)
	c.TID, _ = mc["tid"].(string)
	c.Name, _ = mc["name"].(string)
	c.PreferredUsername, _ = mc["preferred_username"].(string)
	c.Email, _ = mc["email"].(string)
	c.UPN, _ = mc["upn"].(string)
	if sub, err := mc.GetSubject(); err == nil {
		c.Subject = sub
	}
	if iss, err := mc.GetIssuer(); err == nil {
		c.Issuer = iss
	}
	if aud, err := mc.GetAudience(); err == nil {
		c.Audience = aud
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	if nbf, err := mc.GetNotBefore(); err == nil && nbf != nil {
		c.NotBefore = nbf.Time
	}
	return c
}
