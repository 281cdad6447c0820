// Package entragrpc provides gRPC interceptors for goEntra.
//
// The interceptors read the bearer token from the "authorization" metadata
// key and delegate validation to an entra.Engine. On success, the
// *entra.Claims are injected into the context.
//
// Concurrency: All exported functions are safe for concurrent use.
package entragrpc

import (
	"context"
	"strings"

	"github.com/keksclan/goEntra/adapters/common"
	"github.com/keksclan/goEntra/entra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type contextKey struct{}

// ClaimsFromContext retrieves the claims stored in the context by the interceptor.
// Returns nil if no claims are present.
func ClaimsFromContext(ctx context.Context) *entra.Claims {
	v, _ := ctx.Value(contextKey{}).(*entra.Claims)
	return v
}

// ContextWithClaims returns a copy of ctx carrying c.
func ContextWithClaims(ctx context.Context, c *entra.Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// Option configures the gRPC interceptors.
type Option func(*options)

type options struct {
	common.AdapterOptions
}

// WithRequiredMetadata specifies metadata keys that must be present in
// incoming gRPC metadata before authentication proceeds.
func WithRequiredMetadata(keys ...string) Option {
	return func(o *options) {
		o.RequiredMeta.Keys = keys
		o.RequiredMeta.Enabled = true
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// UnaryServerInterceptor returns a gRPC unary server interceptor that
// authenticates requests with v.
func UnaryServerInterceptor(v common.Validator, opts ...Option) grpc.UnaryServerInterceptor {
	o := buildOptions(opts)
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		newCtx, err := authenticate(ctx, v, &o)
		if err != nil {
			return nil, err
		}
		return handler(newCtx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of UnaryServerInterceptor.
func StreamServerInterceptor(v common.Validator, opts ...Option) grpc.StreamServerInterceptor {
	o := buildOptions(opts)
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		newCtx, err := authenticate(ss.Context(), v, &o)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: newCtx})
	}
}

// wrappedStream overrides the context of a grpc.ServerStream.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

// grpcMetadataExtractor adapts gRPC incoming metadata to the MetadataExtractor interface.
type grpcMetadataExtractor struct {
	md metadata.MD
}

func (e *grpcMetadataExtractor) Get(key string) (string, bool) {
	// gRPC metadata keys are always lower-case.
	vals := e.md.Get(strings.ToLower(key))
	if len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

func authenticate(ctx context.Context, v common.Validator, o *options) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}

	if err := o.RequiredMeta.Validate(&grpcMetadataExtractor{md: md}); err != nil {
		return ctx, status.Error(codes.Unauthenticated, err.Error())
	}

	var header string
	if vals := md.Get("authorization"); len(vals) > 0 {
		header = vals[0]
	}
	token, err := common.BearerToken(header)
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, err.Error())
	}

	claims, err := v.Validate(ctx, token)
	if err != nil {
		return ctx, statusFromError(err)
	}
	return ContextWithClaims(ctx, claims), nil
}

// statusFromError maps a validation failure to a gRPC status.
func statusFromError(err error) error {
	f, ok := entra.AsFailure(err)
	if !ok {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	switch f.Kind {
	case entra.KindKeyProviderUnavailable:
		return status.Error(codes.Unavailable, f.Error())
	case entra.KindInternal:
		return status.Error(codes.Internal, common.InternalErrorDescription)
	default:
		return status.Error(codes.Unauthenticated, f.Error())
	}
}
