// Package auth provides the pluggable pre-upgrade authentication check
// spec.md §1 assumes exists ahead of the runtime ("Authentication, CORS,
// rate limiting — assumed to be applied at the HTTP layer before
// upgrade"). The runtime itself never decides whether a client may
// connect; it only needs an Authenticator to ask.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is what survives authentication into the connection's
// lifetime: enough to stamp audit logs and to feed component props that
// need a caller identity, nothing more.
type Identity struct {
	Subject string
	Claims  map[string]any
}

// Authenticator validates an inbound upgrade request before the
// Connection Multiplexer accepts the socket.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AllowAll never rejects a connection. Useful for local development and
// for deployments that terminate auth entirely at a reverse proxy.
type AllowAll struct{}

func (AllowAll) Authenticate(r *http.Request) (Identity, error) {
	return Identity{Subject: "anonymous"}, nil
}

// JWTAuthenticator validates a bearer token from the Authorization
// header (or an `access_token` query parameter, since browser
// WebSocket clients cannot set custom headers on the upgrade request)
// against a shared signing secret.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWT builds a JWTAuthenticator bound to secret.
func NewJWT(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	raw := extractToken(r)
	if raw == "" {
		return Identity{}, fmt.Errorf("auth: missing bearer token")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return Identity{}, fmt.Errorf("auth: token validation failed: %w", err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("auth: invalid token")
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(time.Now()) {
		return Identity{}, fmt.Errorf("auth: token expired")
	}

	sub, _ := claims.GetSubject()
	return Identity{Subject: sub, Claims: claims}, nil
}

func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(header, prefix) {
			return strings.TrimPrefix(header, prefix)
		}
	}
	return r.URL.Query().Get("access_token")
}
