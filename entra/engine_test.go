package entra

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/keksclan/goEntra/internal/testutil"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var base = time.Unix(1_700_000_000, 0)

type recordingMetrics struct {
	ok      int
	failed  []Kind
	fetches []bool
}

func (m *recordingMetrics) ValidationOK()             { m.ok++ }
func (m *recordingMetrics) ValidationFailed(kind Kind) { m.failed = append(m.failed, kind) }
func (m *recordingMetrics) KeySetFetched(ok bool)      { m.fetches = append(m.fetches, ok) }

func testConfig(authority string) Config {
	return Config{
		TenantID:  testutil.TenantID,
		ClientID:  "client-1",
		Audience:  testutil.Audience,
		Authority: authority,
	}
}

func newTestEngine(t *testing.T, authority string, clk *testutil.Clock, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	e, err := New(testConfig(authority), opts...)
	require.NoError(t, err)
	return e
}

func jwksFor(t *testing.T, priv *rsa.PrivateKey) []byte {
	return testutil.JWKS(t, map[string]*rsa.PublicKey{testutil.KeyID: &priv.PublicKey})
}

func TestValidateEndToEnd(t *testing.T) {
	priv := testutil.PrivateKey(t)
	srv := testutil.NewJWKSServer(t, jwksFor(t, priv))
	e := newTestEngine(t, srv.Authority(), testutil.NewClock(base))

	claims, err := e.Validate(t.Context(), testutil.Sign(t, priv, testutil.KeyID, testutil.Claims(base)))
	require.NoError(t, err)
	assert.Equal(t, testutil.UserOID, claims.OID)
	assert.Equal(t, testutil.TenantID, claims.TID)
	assert.Equal(t, "Ada Lovelace", claims.Name)
	assert.Equal(t, "ada@contoso.com", claims.EmailAddress())
	assert.Equal(t, testutil.UserOID, claims.Raw["oid"])
}

func TestValidateCachesKeySetWithinTTL(t *testing.T) {
	priv := testutil.PrivateKey(t)
	srv := testutil.NewJWKSServer(t, jwksFor(t, priv))
	clk := testutil.NewClock(base)
	e := newTestEngine(t, srv.Authority(), clk)
	tok := testutil.Sign(t, priv, testutil.KeyID, testutil.Claims(base))

	for i := 0; i < 2; i++ {
		_, err := e.Validate(t.Context(), tok)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, srv.Hits())

	// past the one hour default TTL the set is fetched again
	clk.Advance(time.Hour)
	_, err := e.Validate(t.Context(), testutil.Sign(t, priv, testutil.KeyID, testutil.Claims(clk.Now())))
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Hits())
}

func TestValidateWithRistrettoBackend(t *testing.T) {
	priv := testutil.PrivateKey(t)
	srv := testutil.NewJWKSServer(t, jwksFor(t, priv))
	cfg := testConfig(srv.Authority())
	cfg.CacheBackend = "ristretto"
	clk := testutil.NewClock(base)
	e, err := New(cfg, WithClock(clk.Now))
	require.NoError(t, err)

	tok := testutil.Sign(t, priv, testutil.KeyID, testutil.Claims(base))
	for i := 0; i < 2; i++ {
		_, err := e.Validate(t.Context(), tok)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, srv.Hits())
}

func TestValidateFailureKinds(t *testing.T) {
	priv := testutil.PrivateKey(t)
	other := testutil.NewPrivateKey(t)

	with := func(mut func(gojwt.MapClaims)) gojwt.MapClaims {
		c := testutil.Claims(base)
		mut(c)
		return c
	}

	tests := []struct {
		name  string
		token func(t *testing.T) string
		want  error
		kind  Kind
	}{
		{"malformed", func(*testing.T) string { return "garbage" }, ErrMalformedToken, KindMalformedToken},
		{"missing kid", func(t *testing.T) string { return testutil.Sign(t, priv, "", testutil.Claims(base)) }, ErrMalformedToken, KindMalformedToken},
		{"unknown kid", func(t *testing.T) string { return testutil.Sign(t, priv, "rotated", testutil.Claims(base)) }, ErrUnknownSigningKey, KindUnknownSigningKey},
		{"wrong signer", func(t *testing.T) string { return testutil.Sign(t, other, testutil.KeyID, testutil.Claims(base)) }, ErrSignatureInvalid, KindSignatureInvalid},
		{"expired", func(t *testing.T) string {
			return testutil.Sign(t, priv, testutil.KeyID, with(func(c gojwt.MapClaims) { c["exp"] = base.Add(-time.Minute).Unix() }))
		}, ErrExpiredToken, KindExpiredToken},
		{"wrong audience", func(t *testing.T) string {
			return testutil.Sign(t, priv, testutil.KeyID, with(func(c gojwt.MapClaims) { c["aud"] = "api://other" }))
		}, ErrInvalidClaims, KindInvalidClaims},
		{"wrong issuer", func(t *testing.T) string {
			return testutil.Sign(t, priv, testutil.KeyID, with(func(c gojwt.MapClaims) { c["iss"] = testutil.Issuer("other-tenant") }))
		}, ErrInvalidClaims, KindInvalidClaims},
		{"not yet valid", func(t *testing.T) string {
			return testutil.Sign(t, priv, testutil.KeyID, with(func(c gojwt.MapClaims) { c["nbf"] = base.Add(60 * time.Second).Unix() }))
		}, ErrTokenNotYetValid, KindTokenNotYetValid},
		{"too old", func(t *testing.T) string {
			return testutil.Sign(t, priv, testutil.KeyID, with(func(c gojwt.MapClaims) {
				c["iat"] = base.Add(-2 * time.Hour).Unix()
				c["nbf"] = base.Add(-2 * time.Hour).Unix()
			}))
		}, ErrTokenTooOld, KindTokenTooOld},
		{"other tenant", func(t *testing.T) string {
			return testutil.Sign(t, priv, testutil.KeyID, with(func(c gojwt.MapClaims) { c["tid"] = "other-tenant" }))
		}, ErrTenantMismatch, KindTenantMismatch},
	}

	srv := testutil.NewJWKSServer(t, jwksFor(t, priv))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, srv.Authority(), testutil.NewClock(base))

			claims, err := e.Validate(t.Context(), tt.token(t))
			require.Error(t, err)
			assert.Nil(t, claims)
			assert.ErrorIs(t, err, tt.want)

			f, ok := AsFailure(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, f.Kind)
			assert.NotEmpty(t, f.Detail)
			assert.True(t, f.IsAuthFailure())
			assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
		})
	}
}

func TestAlgorithmPinningIndependentOfCache(t *testing.T) {
	priv := testutil.PrivateKey(t)
	srv := testutil.NewJWKSServer(t, jwksFor(t, priv))
	tokens := map[string]string{
		"none":  testutil.Unsigned(t, testutil.KeyID, testutil.Claims(base)),
		"HS256": testutil.SignHS256(t, []byte("0123456789abcdef0123456789abcdef"), testutil.KeyID, testutil.Claims(base)),
	}

	for alg, tok := range tokens {
		t.Run(alg+" with empty cache", func(t *testing.T) {
			e := newTestEngine(t, srv.Authority(), testutil.NewClock(base))
			_, err := e.Validate(t.Context(), tok)
			assert.ErrorIs(t, err, ErrSignatureInvalid)
		})
		t.Run(alg+" with warm cache", func(t *testing.T) {
			e := newTestEngine(t, srv.Authority(), testutil.NewClock(base))
			_, err := e.Validate(t.Context(), testutil.Sign(t, priv, testutil.KeyID, testutil.Claims(base)))
			require.NoError(t, err)
			_, err = e.Validate(t.Context(), tok)
			assert.ErrorIs(t, err, ErrSignatureInvalid)
		})
	}
}

func TestTenantIsolation(t *testing.T) {
	priv := testutil.PrivateKey(t)
	srv := testutil.NewJWKSServer(t, jwksFor(t, priv))
	e := newTestEngine(t, srv.Authority(), testutil.NewClock(base))

	// Issuer and audience match; only tid differs.
	c := testutil.Claims(base)
	c["tid"] = "11111111-2222-3333-4444-555555555555"
	_, err := e.Validate(t.Context(), testutil.Sign(t, priv, testutil.KeyID, c))
	assert.ErrorIs(t, err, ErrTenantMismatch)
}

func TestNotBeforeBoundary(t *testing.T) {
	priv := testutil.PrivateKey(t)
	srv := testutil.NewJWKSServer(t, jwksFor(t, priv))
	clk := testutil.NewClock(base)
	e := newTestEngine(t, srv.Authority(), clk)

	c := testutil.Claims(base)
	c["nbf"] = base.Add(60 * time.Second).Unix()
	tok := testutil.Sign(t, priv, testutil.KeyID, c)

	_, err := e.Validate(t.Context(), tok)
	require.ErrorIs(t, err, ErrTokenNotYetValid)

	clk.Set(base.Add(60 * time.Second))
	_, err = e.Validate(t.Context(), tok)
	require.NoError(t, err)
}

func TestUnreachableProvider(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	authority := closed.URL
	closed.Close()

	priv := testutil.PrivateKey(t)
	e := newTestEngine(t, authority, testutil.NewClock(base))

	_, err := e.Validate(t.Context(), testutil.Sign(t, priv, testutil.KeyID, testutil.Claims(base)))
	require.ErrorIs(t, err, ErrKeyProviderUnavailable)
	f, _ := AsFailure(err)
	assert.False(t, f.IsAuthFailure())
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
}

func TestFailedFetchIsRetriedOnNextCall(t *testing.T) {
	priv := testutil.PrivateKey(t)
	body := jwksFor(t, priv)
	srv := testutil.NewJWKSServer(t, body)
	srv.SetResponse(http.StatusBadGateway, nil)
	e := newTestEngine(t, srv.Authority(), testutil.NewClock(base))
	tok := testutil.Sign(t, priv, testutil.KeyID, testutil.Claims(base))

	_, err := e.Validate(t.Context(), tok)
	require.ErrorIs(t, err, ErrKeyProviderUnavailable)

	srv.SetResponse(http.StatusOK, body)
	_, err = e.Validate(t.Context(), tok)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Hits())
}

func TestInvalidKeySetDocumentIsProviderFault(t *testing.T) {
	priv := testutil.PrivateKey(t)
	srv := testutil.NewJWKSServer(t, []byte(`<html>maintenance</html>`))
	e := newTestEngine(t, srv.Authority(), testutil.NewClock(base))

	_, err := e.Validate(t.Context(), testutil.Sign(t, priv, testutil.KeyID, testutil.Claims(base)))
	assert.ErrorIs(t, err, ErrKeyProviderUnavailable)
}

func TestNonRSAKeyIsInternalFailure(t *testing.T) {
	sym, err := jwk.FromRaw([]byte("not-an-rsa-key-not-an-rsa-key!!"))
	require.NoError(t, err)
	require.NoError(t, sym.Set(jwk.KeyIDKey, testutil.KeyID))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(sym))
	body, err := json.Marshal(set)
	require.NoError(t, err)

	srv := testutil.NewJWKSServer(t, body)
	core, logs := observer.New(zapcore.DebugLevel)
	e := newTestEngine(t, srv.Authority(), testutil.NewClock(base), WithLogger(zap.New(core)))

	priv := testutil.PrivateKey(t)
	_, err = e.Validate(t.Context(), testutil.Sign(t, priv, testutil.KeyID, testutil.Claims(base)))
	require.ErrorIs(t, err, ErrInternal)
	f, _ := AsFailure(err)
	assert.Equal(t, internalDetail, f.Detail)
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	assert.Equal(t, 1, logs.FilterMessage("token validation error").Len())
}

func TestFailureLogsNeverContainToken(t *testing.T) {
	priv := testutil.PrivateKey(t)
	srv := testutil.NewJWKSServer(t, jwksFor(t, priv))
	core, logs := observer.New(zapcore.DebugLevel)
	e := newTestEngine(t, srv.Authority(), testutil.NewClock(base), WithLogger(zap.New(core)))

	c := testutil.Claims(base)
	c["exp"] = base.Add(-time.Second).Unix()
	tok := testutil.Sign(t, priv, testutil.KeyID, c)
	_, err := e.Validate(t.Context(), tok)
	require.Error(t, err)

	rejected := logs.FilterMessage("token rejected").All()
	require.Len(t, rejected, 1)
	fields := rejected[0].ContextMap()
	assert.Equal(t, string(KindExpiredToken), fields["failure_kind"])
	assert.NotEmpty(t, fields["token_fp"])
	for _, entry := range logs.All() {
		for _, v := range entry.ContextMap() {
			if s, ok := v.(string); ok {
				assert.False(t, strings.Contains(s, tok))
			}
		}
	}
}

func TestMetricsCollector(t *testing.T) {
	priv := testutil.PrivateKey(t)
	srv := testutil.NewJWKSServer(t, jwksFor(t, priv))
	m := &recordingMetrics{}
	e := newTestEngine(t, srv.Authority(), testutil.NewClock(base), WithMetrics(m))

	_, err := e.Validate(t.Context(), testutil.Sign(t, priv, testutil.KeyID, testutil.Claims(base)))
	require.NoError(t, err)
	_, _ = e.Validate(t.Context(), "garbage")

	assert.Equal(t, 1, m.ok)
	assert.Equal(t, []Kind{KindMalformedToken}, m.failed)
	assert.Equal(t, []bool{true}, m.fetches)
}

func TestCheckKeyProviderReachable(t *testing.T) {
	priv := testutil.PrivateKey(t)
	srv := testutil.NewJWKSServer(t, jwksFor(t, priv))
	e := newTestEngine(t, srv.Authority(), testutil.NewClock(base))

	require.NoError(t, e.CheckKeyProviderReachable(t.Context()))

	srv.SetResponse(http.StatusServiceUnavailable, nil)
	down := newTestEngine(t, srv.Authority(), testutil.NewClock(base))
	err := down.CheckKeyProviderReachable(t.Context())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKeyProviderUnavailable))
}

func TestCheckKeyProviderReachableUsesCache(t *testing.T) {
	priv := testutil.PrivateKey(t)
	srv := testutil.NewJWKSServer(t, jwksFor(t, priv))
	e := newTestEngine(t, srv.Authority(), testutil.NewClock(base))

	require.NoError(t, e.CheckKeyProviderReachable(t.Context()))
	_, err := e.Validate(t.Context(), testutil.Sign(t, priv, testutil.KeyID, testutil.Claims(base)))
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Hits())
}

func TestJWKSHeaders(t *testing.T) {
	priv := testutil.PrivateKey(t)
	body := jwksFor(t, priv)
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Correlation")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL, testutil.NewClock(base), WithJWKSHeaders(map[string]string{"X-Correlation": "probe"}))
	require.NoError(t, e.CheckKeyProviderReachable(t.Context()))
	assert.Equal(t, "probe", got)
}

func TestClaimsPolicy(t *testing.T) {
	priv := testutil.PrivateKey(t)
	srv := testutil.NewJWKSServer(t, jwksFor(t, priv))

	newEngine := func(t *testing.T, script string) *Engine {
		cfg := testConfig(srv.Authority())
		cfg.ClaimsPolicy = script
		e, err := New(cfg, WithClock(testutil.NewClock(base).Now))
		require.NoError(t, err)
		return e
	}
	tok := testutil.Sign(t, priv, testutil.KeyID, testutil.Claims(base))

	t.Run("allow", func(t *testing.T) {
		_, err := newEngine(t, `require_claim("oid")`).Validate(t.Context(), tok)
		assert.NoError(t, err)
	})
	t.Run("deny", func(t *testing.T) {
		_, err := newEngine(t, `if not has_role("Admin") then reject("admin role required") end`).Validate(t.Context(), tok)
		require.ErrorIs(t, err, ErrInvalidClaims)
		f, _ := AsFailure(err)
		assert.Contains(t, f.Detail, "admin role required")
		assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	})
	t.Run("script fault is internal", func(t *testing.T) {
		_, err := newEngine(t, `local x = nil; x.y = 1`).Validate(t.Context(), tok)
		require.ErrorIs(t, err, ErrInternal)
	})
	t.Run("compile error", func(t *testing.T) {
		cfg := testConfig(srv.Authority())
		cfg.ClaimsPolicy = "if then"
		_, err := New(cfg)
		assert.Error(t, err)
	})
}
