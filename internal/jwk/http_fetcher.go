package jwk

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// maxJWKSResponseSize limits the size of JWKS HTTP responses to prevent memory bombs.
const maxJWKSResponseSize = 1 << 20 // 1 MB

// DefaultFetchTimeout bounds a single JWKS request when no client is supplied.
const DefaultFetchTimeout = 10 * time.Second

// KeysURL returns the Entra ID key discovery endpoint for an authority.
func KeysURL(authority string) string {
	return strings.TrimRight(authority, "/") + "/discovery/v2.0/keys"
}

// HTTPFetcher downloads a JWKS document with a plain GET.
type HTTPFetcher struct {
	url          string
	httpc        *http.Client
	extraHeaders map[string]string
}

func NewHTTPFetcher(jwksURL string, c *http.Client) *HTTPFetcher {
	if c == nil {
		c = &http.Client{Timeout: DefaultFetchTimeout}
	}
	return &HTTPFetcher{url: jwksURL, httpc: c}
}

// SetExtraHeaders configures additional headers for JWKS requests.
func (f *HTTPFetcher) SetExtraHeaders(headers map[string]string) {
	f.extraHeaders = headers
}

// URL returns the endpoint the fetcher reads from.
func (f *HTTPFetcher) URL() string { return f.url }

func (f *HTTPFetcher) Fetch(ctx context.Context) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrProviderUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range f.extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	set, err := jwk.ParseReader(io.LimitReader(resp.Body, maxJWKSResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrProviderUnavailable, ErrInvalidJWKS, err)
	}
	return set, nil
}
