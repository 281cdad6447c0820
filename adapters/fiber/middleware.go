// Package entrafiber provides a Fiber middleware for goEntra.
//
// The middleware extracts the bearer token from the Authorization header
// and delegates validation to an entra.Engine.
//
// On success, the *entra.Claims are stored in c.Locals("entra").
// On failure, the status from entra.StatusCode is returned with a
// common.ErrorResponse JSON body.
//
// Concurrency: All exported functions are safe for concurrent use.
package entrafiber

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/keksclan/goEntra/adapters/common"
	"github.com/keksclan/goEntra/entra"
)

// LocalsKey is the c.Locals key the claims are stored under.
const LocalsKey = "entra"

// Option configures the Fiber middleware.
type Option func(*options)

type options struct {
	common.AdapterOptions
	onError func(c *fiber.Ctx, err error)
	now     func() time.Time
}

// WithRequiredMetadata specifies header keys that must be present in
// incoming HTTP requests before authentication proceeds.
func WithRequiredMetadata(keys ...string) Option {
	return func(o *options) {
		o.RequiredMeta.Keys = keys
		o.RequiredMeta.Enabled = true
	}
}

// WithErrorObserver registers fn to see every rejected request before the
// response is written.
func WithErrorObserver(fn func(c *fiber.Ctx, err error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// fiberMetadataExtractor adapts Fiber request headers to the MetadataExtractor interface.
type fiberMetadataExtractor struct {
	c *fiber.Ctx
}

func (e *fiberMetadataExtractor) Get(key string) (string, bool) {
	// Fiber's c.Get is case-insensitive for HTTP headers.
	val := e.c.Get(key)
	if val == "" {
		return "", false
	}
	return val, true
}

// Middleware returns a Fiber middleware that authenticates requests using
// v, normally an *entra.Engine.
func Middleware(v common.Validator, opts ...Option) fiber.Handler {
	o := buildOptions(opts)
	return func(c *fiber.Ctx) error {
		if err := o.RequiredMeta.Validate(&fiberMetadataExtractor{c: c}); err != nil {
			return reject(c, &o, err)
		}

		token, err := common.BearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return reject(c, &o, err)
		}

		claims, err := v.Validate(c.UserContext(), token)
		if err != nil {
			return reject(c, &o, err)
		}

		c.Locals(LocalsKey, claims)
		return c.Next()
	}
}

func reject(c *fiber.Ctx, o *options, err error) error {
	if o.onError != nil {
		o.onError(c, err)
	}
	status, body := common.NewErrorResponse(err, o.now())
	if status == fiber.StatusUnauthorized {
		c.Set(fiber.HeaderWWWAuthenticate, `Bearer error="invalid_token"`)
	}
	return c.Status(status).JSON(body)
}

// ClaimsFromLocals retrieves the claims stored by the middleware.
// Returns nil if no claims are present.
func ClaimsFromLocals(c *fiber.Ctx) *entra.Claims {
	v, _ := c.Locals(LocalsKey).(*entra.Claims)
	return v
}
