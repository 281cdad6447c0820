package entragrpc

import (
	"context"
	"crypto/rsa"
	"net/http"
	"testing"
	"time"

	"github.com/keksclan/goEntra/entra"
	"github.com/keksclan/goEntra/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func newEngine(t *testing.T) (*entra.Engine, *rsa.PrivateKey, *testutil.JWKSServer) {
	t.Helper()
	priv := testutil.PrivateKey(t)
	srv := testutil.NewJWKSServer(t, testutil.JWKS(t, map[string]*rsa.PublicKey{testutil.KeyID: &priv.PublicKey}))
	e, err := entra.New(entra.Config{TenantID: testutil.TenantID, Audience: testutil.Audience, Authority: srv.Authority()})
	require.NoError(t, err)
	return e, priv, srv
}

func incoming(kv ...string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(kv...))
}

func oidHandler(ctx context.Context, _ any) (any, error) {
	return ClaimsFromContext(ctx).OID, nil
}

func TestUnaryInterceptor(t *testing.T) {
	e, priv, _ := newEngine(t)
	ic := UnaryServerInterceptor(e)
	tok := testutil.Sign(t, priv, testutil.KeyID, testutil.Claims(time.Now()))

	resp, err := ic(incoming("authorization", "Bearer "+tok), nil, &grpc.UnaryServerInfo{}, oidHandler)
	require.NoError(t, err)
	assert.Equal(t, testutil.UserOID, resp)
}

func TestUnaryInterceptorCodes(t *testing.T) {
	e, priv, srv := newEngine(t)
	ic := UnaryServerInterceptor(e)
	tok := testutil.Sign(t, priv, testutil.KeyID, testutil.Claims(time.Now()))

	_, err := ic(context.Background(), nil, &grpc.UnaryServerInfo{}, oidHandler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = ic(incoming("x-other", "1"), nil, &grpc.UnaryServerInfo{}, oidHandler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = ic(incoming("authorization", "Bearer garbage"), nil, &grpc.UnaryServerInfo{}, oidHandler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "malformed_token")

	srv.SetResponse(http.StatusServiceUnavailable, nil)
	_, err = ic(incoming("authorization", "Bearer "+tok), nil, &grpc.UnaryServerInfo{}, oidHandler)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestStatusFromInternalFailure(t *testing.T) {
	err := statusFromError(&entra.Failure{Kind: entra.KindInternal, Detail: "x", Err: assert.AnError})
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.NotContains(t, status.Convert(err).Message(), assert.AnError.Error())
}

func TestUnaryInterceptorRequiredMetadata(t *testing.T) {
	e, priv, _ := newEngine(t)
	ic := UnaryServerInterceptor(e, WithRequiredMetadata("X-Tenant-Hint"))
	tok := testutil.Sign(t, priv, testutil.KeyID, testutil.Claims(time.Now()))

	_, err := ic(incoming("authorization", "Bearer "+tok), nil, &grpc.UnaryServerInfo{}, oidHandler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = ic(incoming("authorization", "Bearer "+tok, "x-tenant-hint", "contoso"), nil, &grpc.UnaryServerInfo{}, oidHandler)
	assert.NoError(t, err)
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func TestStreamInterceptor(t *testing.T) {
	e, priv, _ := newEngine(t)
	ic := StreamServerInterceptor(e)
	tok := testutil.Sign(t, priv, testutil.KeyID, testutil.Claims(time.Now()))

	var got *entra.Claims
	handler := func(_ any, ss grpc.ServerStream) error {
		got = ClaimsFromContext(ss.Context())
		return nil
	}
	require.NoError(t, ic(nil, &fakeStream{ctx: incoming("authorization", "Bearer "+tok)}, &grpc.StreamServerInfo{}, handler))
	require.NotNil(t, got)
	assert.Equal(t, testutil.TenantID, got.TID)

	err := ic(nil, &fakeStream{ctx: incoming()}, &grpc.StreamServerInfo{}, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}
