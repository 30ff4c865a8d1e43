package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the access token fields the client inspects. They are decoded
// without signature verification and never used for authorization.
type Claims struct {
	Expiry  time.Time
	Subject string
	Roles   []string
}

type tokenClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

var unverifiedParser = jwt.NewParser()

// DecodeClaims decodes the payload of a JWT access token.
// A token without an exp claim yields a zero Expiry.
func DecodeClaims(accessToken string) (Claims, error) {
	var tc tokenClaims
	if _, _, err := unverifiedParser.ParseUnverified(accessToken, &tc); err != nil {
		return Claims{}, fmt.Errorf("decoding access token: %w", err)
	}

	claims := Claims{
		Subject: tc.Subject,
		Roles:   tc.Roles,
	}
	if tc.ExpiresAt != nil {
		claims.Expiry = tc.ExpiresAt.Time
	}
	return claims, nil
}

// ValidAt reports whether the token is still usable at now with skew to spare.
func (c Claims) ValidAt(now time.Time, skew time.Duration) bool {
	return !c.Expiry.IsZero() && c.Expiry.After(now.Add(skew))
}
