package transport

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the validity bounds carried by a migration credential
type Claims struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ParseCredential extracts iat/exp from a JWT credential without verifying
// its signature; verification is the target's job. Opaque credentials yield
// zero claims.
func ParseCredential(credential string) (Claims, error) {
	if strings.Count(credential, ".") != 2 {
		return Claims{}, nil
	}

	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(credential, &rc); err != nil {
		return Claims{}, fmt.Errorf("failed to parse credential: %w", err)
	}

	var c Claims
	if rc.IssuedAt != nil {
		c.IssuedAt = rc.IssuedAt.Time.UTC()
	}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time.UTC()
	}
	return c, nil
}
