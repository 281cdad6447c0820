// Package entrafasthttp provides a fasthttp middleware for goEntra.
//
// On success, the *entra.Claims are stored in the request context's user
// value under ClaimsUserValueKey. On failure, the status from
// entra.StatusCode is written with a common.ErrorResponse JSON body.
//
// Concurrency: All exported functions are safe for concurrent use.
package entrafasthttp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/keksclan/goEntra/adapters/common"
	"github.com/keksclan/goEntra/entra"
	"github.com/valyala/fasthttp"
)

// ClaimsUserValueKey is the key used to store the *entra.Claims in the
// fasthttp.RequestCtx user values.
const ClaimsUserValueKey = "entra"

// Option configures the fasthttp middleware.
type Option func(*options)

type options struct {
	common.AdapterOptions
}

// WithRequiredMetadata specifies header keys that must be present in
// incoming HTTP requests before authentication proceeds.
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

// fasthttpMetadataExtractor adapts fasthttp request headers to the MetadataExtractor interface.
type fasthttpMetadataExtractor struct {
	ctx *fasthttp.RequestCtx
}

func (e *fasthttpMetadataExtractor) Get(key string) (string, bool) {
	// fasthttp Peek is case-insensitive for HTTP headers.
	val := string(e.ctx.Request.Header.Peek(key))
	if val == "" {
		return "", false
	}
	return val, true
}

// Middleware returns a fasthttp request handler that wraps next with
// bearer token validation by v.
func Middleware(v common.Validator, next fasthttp.RequestHandler, opts ...Option) fasthttp.RequestHandler {
	o := buildOptions(opts)
	return func(ctx *fasthttp.RequestCtx) {
		if err := o.RequiredMeta.Validate(&fasthttpMetadataExtractor{ctx: ctx}); err != nil {
			writeError(ctx, err)
			return
		}

		token, err := common.BearerToken(string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)))
		if err != nil {
			writeError(ctx, err)
			return
		}

		// RequestCtx.Done dereferences its server, which handlers built
		// outside fasthttp.Server do not have.
		claims, err := v.Validate(context.Background(), token)
		if err != nil {
			writeError(ctx, err)
			return
		}

		ctx.SetUserValue(ClaimsUserValueKey, claims)
		next(ctx)
	}
}

// ClaimsFromCtx retrieves the claims stored in the request context by the middleware.
// Returns nil if no claims are present.
func ClaimsFromCtx(ctx *fasthttp.RequestCtx) *entra.Claims {
	v, _ := ctx.UserValue(ClaimsUserValueKey).(*entra.Claims)
	return v
}

func writeError(ctx *fasthttp.RequestCtx, err error) {
	status, resp := common.NewErrorResponse(err, time.Now())
	if status == fasthttp.StatusUnauthorized {
		ctx.Response.Header.Set(fasthttp.HeaderWWWAuthenticate, `Bearer error="invalid_token"`)
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(resp)
	ctx.SetBody(body)
}
