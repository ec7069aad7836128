package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestAllowAllAlwaysSucceeds(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	id, err := AllowAll{}.Authenticate(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Subject != "anonymous" {
		t.Fatalf("expected anonymous subject, got %q", id.Subject)
	}
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTAuthenticatorAcceptsValidBearerToken(t *testing.T) {
	a := NewJWT("test-secret")
	token := signToken(t, "test-secret", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	id, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Subject != "user-1" {
		t.Fatalf("expected subject user-1, got %q", id.Subject)
	}
}

func TestJWTAuthenticatorAcceptsQueryParamToken(t *testing.T) {
	a := NewJWT("test-secret")
	token := signToken(t, "test-secret", jwt.MapClaims{
		"sub": "user-2",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+token, nil)
	id, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Subject != "user-2" {
		t.Fatalf("expected subject user-2, got %q", id.Subject)
	}
}

func TestJWTAuthenticatorRejectsExpiredToken(t *testing.T) {
	a := NewJWT("test-secret")
	token := signToken(t, "test-secret", jwt.MapClaims{
		"sub": "user-3",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	if _, err := a.Authenticate(req); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestJWTAuthenticatorRejectsWrongSecret(t *testing.T) {
	a := NewJWT("test-secret")
	token := signToken(t, "wrong-secret", jwt.MapClaims{
		"sub": "user-4",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	if _, err := a.Authenticate(req); err == nil {
		t.Fatal("expected wrong-secret token to be rejected")
	}
}

func TestJWTAuthenticatorRejectsMissingToken(t *testing.T) {
	a := NewJWT("test-secret")
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if _, err := a.Authenticate(req); err == nil {
		t.Fatal("expected missing token to be rejected")
	}
}
