package jwt

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Header is the unverified part of a token used to pick a signing key.
type Header struct {
	Alg string
	Kid string
}

var unverified = jwt.NewParser()

// ParseHeader decodes the token header without checking the signature.
// It fails with ErrMalformedToken when raw is not a three-segment JWT or
// carries no kid.
func ParseHeader(raw string) (Header, error) {
	if raw == "" {
		return Header{}, fmt.Errorf("%w: empty token", ErrMalformedToken)
	}
	tok, _, err := unverified.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		// An unregistered alg still yields a decoded header; pinning
		// rejects it after the kid check.
		if !errors.Is(err, jwt.ErrTokenUnverifiable) || tok == nil || tok.Header == nil {
			return Header{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
	}
	alg, _ := tok.Header["alg"].(string)
	kid, _ := tok.Header["kid"].(string)
	if kid == "" {
		return Header{}, fmt.Errorf("%w: missing kid", ErrMalformedToken)
	}
	return Header{Alg: alg, Kid: kid}, nil
}
