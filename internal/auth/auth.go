// Package auth holds the client's credentials, the stores that persist them
// and the bus that announces when they change.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Store keys. Every backend persists credentials as these opaque entries.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyUser         = "user"
)

// Credentials is the token pair issued on login, registration or OAuth
// callback, plus the opaque user entry stored alongside it.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	User         string
}

// HasAccess reports whether an access token is present.
func (c Credentials) HasAccess() bool {
	return c.AccessToken != ""
}

// HasRefresh reports whether a refresh token is present.
func (c Credentials) HasRefresh() bool {
	return c.RefreshToken != ""
}

// Claims are the registered claims read from an access token.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// ParseClaims reads the registered claims of a JWT access token without
// verifying its signature. The server remains the authority on validity.
func ParseClaims(token string) (Claims, error) {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}

	claims := Claims{Subject: rc.Subject}
	if rc.ExpiresAt != nil {
		claims.ExpiresAt = rc.ExpiresAt.Time
	}
	return claims, nil
}

// UserFromToken returns the subject of token, or "" if it is not a JWT.
func UserFromToken(token string) string {
	claims, err := ParseClaims(token)
	if err != nil {
		return ""
	}
	return claims.Subject
}
