// Package common holds the pieces shared by the transport adapters: bearer
// extraction, required metadata checks and the JSON error body.
//
// Concurrency: All exported types and functions are safe for concurrent use.
package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/keksclan/goEntra/entra"
)

var (
	ErrMissingAuthorization    = errors.New("missing authorization header")
	ErrUnsupportedScheme       = errors.New("unsupported authorization scheme")
	ErrMissingRequiredMetadata = errors.New("missing required metadata")
)

// Validator is the part of *entra.Engine the adapters depend on.
type Validator interface {
	Validate(ctx context.Context, token string) (*entra.Claims, error)
}

// BearerToken extracts the token from an Authorization header value. The
// scheme is matched case-insensitively.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingAuthorization
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrUnsupportedScheme
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingAuthorization
	}
	return token, nil
}

// RequiredMetadata defines header or metadata keys that must be present in
// a request before authentication proceeds.
type RequiredMetadata struct {
	// Keys lists required metadata/header names.
	// For HTTP headers, comparison is case-insensitive.
	// For gRPC metadata, keys are treated as lower-case per gRPC conventions.
	Keys    []string
	Enabled bool
}

// MetadataExtractor abstracts reading metadata from different transports.
type MetadataExtractor interface {
	Get(key string) (string, bool)
}

// Validate checks that all required keys are present and non-empty.
func (r RequiredMetadata) Validate(ex MetadataExtractor) error {
	if !r.Enabled || len(r.Keys) == 0 {
		return nil
	}
	for _, key := range r.Keys {
		val, ok := ex.Get(key)
		if !ok || strings.TrimSpace(val) == "" {
			return fmt.Errorf("%w: %s", ErrMissingRequiredMetadata, key)
		}
	}
	return nil
}

// AdapterOptions holds common adapter configuration.
type AdapterOptions struct {
	RequiredMeta RequiredMetadata
}

// InternalErrorDescription is shown to clients instead of internal detail.
const InternalErrorDescription = "An unexpected error occurred during authentication."

// ErrorResponse is the JSON body written for rejected requests.
type ErrorResponse struct {
	Error            string    `json:"error"`
	ErrorDescription string    `json:"error_description"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewErrorResponse maps err to a status code and response body. Validation
// failures keep their kind and detail; anything else not produced by the
// engine is a request problem and answers 401.
func NewErrorResponse(err error, now time.Time) (int, ErrorResponse) {
	resp := ErrorResponse{Timestamp: now.UTC()}
	if f, ok := entra.AsFailure(err); ok {
		resp.Error = string(f.Kind)
		resp.ErrorDescription = f.Detail
		if f.Kind == entra.KindInternal {
			resp.ErrorDescription = InternalErrorDescription
		}
		return entra.StatusCode(f), resp
	}
	resp.Error = "invalid_request"
	resp.ErrorDescription = err.Error()
	return http.StatusUnauthorized, resp
}
