package entraconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/keksclan/goEntra/entra"
)

// Settings is everything the entra-sso service needs to start.
type Settings struct {
	Auth entra.Config
	// JWKSHeaders are sent with every key set request.
	JWKSHeaders map[string]string
	Server      ServerSettings
	Log         LogSettings
}

type ServerSettings struct {
	Addr            string
	CORSOrigins     []string
	Debug           bool
	ShutdownTimeout time.Duration
}

type LogSettings struct {
	Level  string
	Format string
}

const (
	DefaultAddr            = ":8000"
	DefaultShutdownTimeout = 10 * time.Second
)

// rawSettings is the flat, file- and env-shaped input every loader
// decodes into before validation.
type rawSettings struct {
	TenantID         string            `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	ClientID         string            `json:"client_id" yaml:"client_id" validate:"required"`
	Audience         string            `json:"api_audience" yaml:"api_audience" validate:"required"`
	Authority        string            `json:"authority" yaml:"authority" validate:"omitempty,url"`
	TokenCacheTTLSec int               `json:"token_cache_ttl_sec" yaml:"token_cache_ttl_sec" validate:"gte=0"`
	MaxTokenAgeSec   int               `json:"max_token_age_sec" yaml:"max_token_age_sec" validate:"gte=0"`
	FetchTimeoutSec  int               `json:"jwks_fetch_timeout_sec" yaml:"jwks_fetch_timeout_sec" validate:"gte=0"`
	CacheBackend     string            `json:"cache_backend" yaml:"cache_backend" validate:"omitempty,oneof=memory ristretto"`
	JWKSHeaders      map[string]string `json:"jwks_headers" yaml:"jwks_headers"`
	ClaimsPolicy     string            `json:"claims_policy" yaml:"claims_policy"`
	Server           rawServer         `json:"server" yaml:"server"`
	Log              rawLog            `json:"log" yaml:"log"`
}

type rawServer struct {
	Addr               string   `json:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
	CORSOrigins        []string `json:"cors_origins" yaml:"cors_origins" validate:"dive,required"`
	Debug              bool     `json:"debug" yaml:"debug"`
	ShutdownTimeoutSec int      `json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec" validate:"gte=0"`
}

type rawLog struct {
	Level  string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error critical"`
	Format string `json:"format" yaml:"format" validate:"omitempty,oneof=console json"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// toSettings validates rs and maps it to Settings, then validates the
// resulting entra.Config.
func (rs rawSettings) toSettings() (*Settings, error) {
	rs.Log.Level = strings.ToLower(rs.Log.Level)
	rs.Log.Format = strings.ToLower(rs.Log.Format)
	if err := validate.Struct(rs); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	s := &Settings{
		Auth: entra.Config{
			TenantID:     rs.TenantID,
			ClientID:     rs.ClientID,
			Audience:     rs.Audience,
			Authority:    rs.Authority,
			KeyCacheTTL:  time.Duration(rs.TokenCacheTTLSec) * time.Second,
			MaxTokenAge:  time.Duration(rs.MaxTokenAgeSec) * time.Second,
			FetchTimeout: time.Duration(rs.FetchTimeoutSec) * time.Second,
			CacheBackend: rs.CacheBackend,
			ClaimsPolicy: rs.ClaimsPolicy,
		},
		JWKSHeaders: rs.JWKSHeaders,
		Server: ServerSettings{
			Addr:            rs.Server.Addr,
			CORSOrigins:     rs.Server.CORSOrigins,
			Debug:           rs.Server.Debug,
			ShutdownTimeout: time.Duration(rs.Server.ShutdownTimeoutSec) * time.Second,
		},
		Log: LogSettings{Level: rs.Log.Level, Format: rs.Log.Format},
	}
	s.setDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) setDefaults() {
	if s.Server.Addr == "" {
		s.Server.Addr = DefaultAddr
	}
	if s.Server.ShutdownTimeout == 0 {
		s.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.Log.Level == "" {
		s.Log.Level = "info"
	}
	if s.Log.Format == "" {
		s.Log.Format = "console"
	}
	if s.Auth.Authority == "" && s.Auth.TenantID != "" {
		s.Auth.Authority = entra.DefaultAuthorityHost + "/" + s.Auth.TenantID
	}
}

// Validate checks the auth section the way entra.New will.
func (s *Settings) Validate() error {
	if err := s.Auth.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}
