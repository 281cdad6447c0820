package entra

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	icache "github.com/keksclan/goEntra/internal/cache"
	"github.com/keksclan/goEntra/internal/claimspolicy"
	"github.com/keksclan/goEntra/internal/jwk"
	"github.com/keksclan/goEntra/internal/keycache"
	"github.com/keksclan/goEntra/internal/logging"
	ijwt "github.com/keksclan/goEntra/internal/oauth/jwt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// HealthProbeKeyID is looked up by CheckKeyProviderReachable. No real key
// carries it, so a reachable provider answers with an unknown key.
const HealthProbeKeyID = "health-probe"

const tracerName = "github.com/keksclan/goEntra/entra"

// Engine validates Entra ID access tokens for one tenant and audience.
//
// Concurrency: Engine is safe for concurrent use if the provided Cache and
// HTTP client are (the defaults are). The key cache is the only shared
// mutable state.
type Engine struct {
	cfg         Config
	httpc       *http.Client
	cache       Cache
	now         func() time.Time
	logger      *zap.Logger
	metrics     MetricsCollector
	tp          trace.TracerProvider
	tracer      trace.Tracer
	jwksHeaders map[string]string

	keys      *jwk.Manager
	validator *ijwt.Validator
	policy    *claimspolicy.Policy
}

// New creates an Engine from cfg and optional Options.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.httpc == nil {
		e.httpc = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if e.cache == nil {
		c, err := icache.New(cfg.CacheBackend)
		if err != nil {
			return nil, err
		}
		e.cache = c
	}
	if e.tp == nil {
		e.tp = otel.GetTracerProvider()
	}
	e.tracer = e.tp.Tracer(tracerName)

	fetcher := jwk.NewHTTPFetcher(cfg.JWKSURL(), e.httpc)
	if len(e.jwksHeaders) > 0 {
		fetcher.SetExtraHeaders(e.jwksHeaders)
	}
	m := jwk.NewManager(keycache.New(e.cache, keycache.DefaultSlot, e.now), fetcher, cfg.KeyCacheTTL)
	m.SetLogger(e.logger.Named("jwks").With(zap.String("url", fetcher.URL())))
	if e.metrics != nil {
		m.SetFetchObserver(func(err error) { e.metrics.KeySetFetched(err == nil) })
	}
	e.keys = m

	v, err := ijwt.New(ijwt.Config{
		Issuer:      cfg.Issuer(),
		Audience:    cfg.Audience,
		TenantID:    cfg.TenantID,
		MaxTokenAge: cfg.MaxTokenAge,
		Now:         e.now,
	}, m)
	if err != nil {
		return nil, fmt.Errorf("init jwt validator: %w", err)
	}
	e.validator = v

	if cfg.ClaimsPolicy != "" {
		p, err := claimspolicy.Compile(cfg.ClaimsPolicy, 0)
		if err != nil {
			return nil, err
		}
		e.policy = p
	}

	return e, nil
}

// Config returns the effective configuration, defaults applied.
func (e *Engine) Config() Config { return e.cfg }

// Validate verifies token and returns its claims. Every error is a
// *Failure.
func (e *Engine) Validate(ctx context.Context, token string) (*Claims, error) {
	ctx, span := e.tracer.Start(ctx, "entra.Validate")
	defer span.End()

	c, err := e.validator.Validate(ctx, token)
	if err == nil && e.policy != nil {
		err = e.policy.Evaluate(ctx, c.RawMap)
	}
	if err != nil {
		f := classify(err)
		e.recordFailure(span, token, f)
		return nil, f
	}

	if e.metrics != nil {
		e.metrics.ValidationOK()
	}
	span.SetAttributes(attribute.String("entra.tenant", c.TID))
	return newClaims(c), nil
}

func (e *Engine) recordFailure(span trace.Span, token string, f *Failure) {
	if e.metrics != nil {
		e.metrics.ValidationFailed(f.Kind)
	}
	span.SetAttributes(attribute.String("entra.failure_kind", string(f.Kind)))
	span.SetStatus(codes.Error, string(f.Kind))

	fields := []zap.Field{logging.FailureKind(string(f.Kind)), logging.TokenFingerprint(token)}
	switch f.Kind {
	case KindInternal:
		e.logger.Error("token validation error", append(fields, zap.Error(f.Err))...)
	case KindKeyProviderUnavailable:
		e.logger.Warn("token validation failed", append(fields, zap.Error(f.Err))...)
	default:
		e.logger.Debug("token rejected", append(fields, logging.Details(f.Detail))...)
	}
}

// CheckKeyProviderReachable resolves HealthProbeKeyID through the key
// cache. A provider that answers, even without the key, is reachable; a
// fetch failure is returned as a KindKeyProviderUnavailable Failure.
func (e *Engine) CheckKeyProviderReachable(ctx context.Context) error {
	_, err := e.keys.Resolve(ctx, HealthProbeKeyID)
	if err == nil || errors.Is(err, jwk.ErrKeyNotFound) {
		return nil
	}
	return classify(err)
}
