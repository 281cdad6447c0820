package entra

import (
	"time"

	ijwt "github.com/keksclan/goEntra/internal/oauth/jwt"
)

// Claims is the verified payload of an access token.
//
// Concurrency: Claims is immutable once returned; Raw must not be modified.
type Claims struct {
	OID               string
	TID               string
	Name              string
	PreferredUsername string
	Email             string
	UPN               string
	Subject           string
	Issuer            string
	Audience          []string
	IssuedAt          time.Time
	NotBefore         time.Time
	ExpiresAt         time.Time
	Raw               map[string]any
}

// EmailAddress returns the best available sign-in address.
func (c *Claims) EmailAddress() string {
	switch {
	case c.PreferredUsername != "":
		return c.PreferredUsername
	case c.Email != "":
		return c.Email
	default:
		return c.UPN
	}
}

// UserInfo is the identity summary returned to API clients.
type UserInfo struct {
	User            string    `json:"user"`
	Email           string    `json:"email"`
	OID             string    `json:"oid"`
	Tenant          string    `json:"tenant"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
}

// UserInfo builds the client-facing identity at the given instant.
func (c *Claims) UserInfo(at time.Time) UserInfo {
	return UserInfo{
		User:            c.Name,
		Email:           c.EmailAddress(),
		OID:             c.OID,
		Tenant:          c.TID,
		AuthenticatedAt: at.UTC(),
	}
}

func newClaims(c *ijwt.Claims) *Claims {
	return &Claims{
		OID:               c.OID,
		TID:               c.TID,
		Name:              c.Name,
		PreferredUsername: c.PreferredUsername,
		Email:             c.Email,
		UPN:               c.UPN,
		Subject:           c.Subject,
		Issuer:            c.Issuer,
		Audience:          c.Audience,
		IssuedAt:          c.IssuedAt,
		NotBefore:         c.NotBefore,
		ExpiresAt:         c.ExpiresAt,
		Raw:               c.RawMap,
	}
}
