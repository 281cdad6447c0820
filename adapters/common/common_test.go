package common

import (
	"net/http"
	"testing"
	"time"

	"github.com/keksclan/goEntra/entra"
	"github.com/stretchr/testify/assert"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr error
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", nil},
		{"bearer abc.def.ghi", "abc.def.ghi", nil},
		{"  BEARER   abc.def.ghi ", "abc.def.ghi", nil},
		{"", "", ErrMissingAuthorization},
		{"Bearer ", "", ErrUnsupportedScheme},
		{"Bearer    ", "", ErrUnsupportedScheme},
		{"Basic dXNlcjpwYXNz", "", ErrUnsupportedScheme},
		{"abc.def.ghi", "", ErrUnsupportedScheme},
	}
	for _, tt := range tests {
		got, err := BearerToken(tt.header)
		if tt.wantErr != nil {
			assert.ErrorIs(t, err, tt.wantErr, "header %q", tt.header)
			continue
		}
		assert.NoError(t, err, "header %q", tt.header)
		assert.Equal(t, tt.want, got)
	}
}

type mapExtractor map[string]string

func (m mapExtractor) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func TestRequiredMetadata(t *testing.T) {
	r := RequiredMetadata{Keys: []string{"x-request-id"}, Enabled: true}
	assert.NoError(t, r.Validate(mapExtractor{"x-request-id": "1"}))
	assert.ErrorIs(t, r.Validate(mapExtractor{}), ErrMissingRequiredMetadata)
	assert.ErrorIs(t, r.Validate(mapExtractor{"x-request-id": "  "}), ErrMissingRequiredMetadata)

	r.Enabled = false
	assert.NoError(t, r.Validate(mapExtractor{}))
}

func TestNewErrorResponse(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	code, body := NewErrorResponse(&entra.Failure{Kind: entra.KindExpiredToken, Detail: "token expired"}, now)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, ErrorResponse{Error: "expired_token", ErrorDescription: "token expired", Timestamp: now}, body)

	code, body = NewErrorResponse(&entra.Failure{Kind: entra.KindKeyProviderUnavailable, Detail: "status 502"}, now)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "key_provider_unavailable", body.Error)

	code, body = NewErrorResponse(&entra.Failure{Kind: entra.KindInternal, Detail: "x", Err: assert.AnError}, now)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, InternalErrorDescription, body.ErrorDescription)

	code, body = NewErrorResponse(ErrMissingAuthorization, now)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "invalid_request", body.Error)
}
