// Package testutil mints RSA keys, JWKS documents and Entra-shaped tokens
// for tests. It must not be imported by production code.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	TenantID = "72f988bf-86f1-41af-91ab-2d7cd011db47"
	Audience = "api://office-addin-backend"
	KeyID    = "abc"
	UserOID  = "00000000-0000-0000-0000-0000000000aa"
)

// Issuer returns the v1 issuer string Entra ID puts in access tokens.
func Issuer(tenant string) string { return "https://sts.windows.net/" + tenant + "/" }

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error
)

// PrivateKey returns a 2048-bit RSA key shared by the test binary.
func PrivateKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() { key, keyErr = rsa.GenerateKey(rand.Reader, 2048) })
	if keyErr != nil {
		t.Fatalf("generate RSA key: %v", keyErr)
	}
	return key
}

// NewPrivateKey returns a fresh RSA key, for tests needing a second signer.
func NewPrivateKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return k
}

// JWKS serialises the public halves of keys (kid -> key) as a JWKS document.
func JWKS(t testing.TB, keys map[string]*rsa.PublicKey) []byte {
	t.Helper()
	set := jwk.NewSet()
	for kid, pub := range keys {
		k, err := jwk.FromRaw(pub)
		if err != nil {
			t.Fatalf("build JWK: %v", err)
		}
		_ = k.Set(jwk.KeyIDKey, kid)
		_ = k.Set(jwk.AlgorithmKey, "RS256")
		_ = k.Set(jwk.KeyUsageKey, "sig")
		if err := set.AddKey(k); err != nil {
			t.Fatalf("add JWK: %v", err)
		}
	}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal JWKS: %v", err)
	}
	return b
}

// KeySet parses a JWKS document built by JWKS.
func KeySet(t testing.TB, keys map[string]*rsa.PublicKey) jwk.Set {
	t.Helper()
	set, err := jwk.Parse(JWKS(t, keys))
	if err != nil {
		t.Fatalf("parse JWKS: %v", err)
	}
	return set
}

// JWKSServer serves a JWKS document at /discovery/v2.0/keys and counts hits.
type JWKSServer struct {
	*httptest.Server

	mu     sync.Mutex
	body   []byte
	status int
	hits   atomic.Int32
}

func NewJWKSServer(t testing.TB, body []byte) *JWKSServer {
	t.Helper()
	s := &JWKSServer{body: body, status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/discovery/v2.0/keys" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.hits.Add(1)
		s.mu.Lock()
		status, body := s.status, s.body
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

// Authority is the base URL to configure as the provider authority.
func (s *JWKSServer) Authority() string { return s.URL }

func (s *JWKSServer) Hits() int { return int(s.hits.Load()) }

func (s *JWKSServer) SetResponse(status int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status, s.body = status, body
}

// Claims returns a claim set that passes validation at now.
func Claims(now time.Time) gojwt.MapClaims {
	return gojwt.MapClaims{
		"aud":                Audience,
		"iss":                Issuer(TenantID),
		"tid":                TenantID,
		"oid":                UserOID,
		"sub":                "subject-1",
		"name":               "Ada Lovelace",
		"preferred_username": "ada@contoso.com",
		"iat":                now.Unix(),
		"nbf":                now.Unix(),
		"exp":                now.Add(5 * time.Minute).Unix(),
	}
}

// Sign produces an RS256 token with the kid header set.
func Sign(t testing.TB, priv *rsa.PrivateKey, kid string, claims gojwt.MapClaims) string {
	t.Helper()
	tok := gojwt.NewWithClaims(gojwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// SignHS256 produces an HMAC token, used to probe algorithm pinning.
func SignHS256(t testing.TB, secret []byte, kid string, claims gojwt.MapClaims) string {
	t.Helper()
	tok := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// Unsigned produces an alg=none token.
func Unsigned(t testing.TB, kid string, claims gojwt.MapClaims) string {
	t.Helper()
	tok := gojwt.NewWithClaims(gojwt.SigningMethodNone, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(gojwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// Clock is a manually advanced time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{t: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}
