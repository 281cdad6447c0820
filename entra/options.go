package entra

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Cache is the storage behind the signing key cache. The default is an
// in-process memory cache selected by Config.CacheBackend.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, cost int64, ttl time.Duration) bool
	Del(key string)
}

type Option func(*Engine)

// WithHTTPClient replaces the client used to fetch the key set. Its timeout
// takes precedence over Config.FetchTimeout.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpc = c
	}
}

func WithCache(c Cache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithClock sets the time source for cache expiry and claim checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m MetricsCollector) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tp = tp
	}
}

// WithJWKSHeaders adds headers to every key set request.
func WithJWKSHeaders(h map[string]string) Option {
	return func(e *Engine) {
		e.jwksHeaders = h
	}
}
