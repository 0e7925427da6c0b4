package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("test-secret")

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestBearerToken(t *testing.T) {
	cases := map[string]error{
		"":                 errMissingAuthorization,
		"   ":              errMissingAuthorization,
		"Basic abc":        errBadAuthorization,
		"Bearer ":          errBadAuthorization,
		"Bearer abc":       errBadAuthorization,
		"Bearer a.b.c":     nil,
		"  Bearer a.b.c  ": nil,
	}
	for in, want := range cases {
		_, err := bearerToken(in)
		if err != want {
			t.Fatalf("bearerToken(%q) = %v, want %v", in, err, want)
		}
	}
}

func TestAuthSharedSecret(t *testing.T) {
	auth := NewAuth(AuthConfig{SharedSecret: testSecret, Audience: "board", Issuer: "tests"})
	token := signHS256(t, jwt.MapClaims{
		"sub": "user1",
		"aud": "board",
		"iss": "tests",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	id, err := auth.UserIDFromAuthHeader("Bearer " + token)
	if err != nil || id != "user1" {
		t.Fatalf("expected user1, got %q %v", id, err)
	}
}

func TestAuthRejectsBadTokens(t *testing.T) {
	auth := NewAuth(AuthConfig{SharedSecret: testSecret, Audience: "board"})
	exp := time.Now().Add(time.Hour).Unix()
	cases := map[string]jwt.MapClaims{
		"expired":     {"sub": "u", "aud": "board", "exp": time.Now().Add(-2 * time.Hour).Unix()},
		"no expiry":   {"sub": "u", "aud": "board"},
		"wrong aud":   {"sub": "u", "aud": "other", "exp": exp},
		"missing sub": {"aud": "board", "exp": exp},
		"not yet":     {"sub": "u", "aud": "board", "exp": exp, "nbf": time.Now().Add(time.Hour).Unix()},
	}
	for name, claims := range cases {
		if _, err := auth.UserIDFromToken(signHS256(t, claims)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u", "aud": "board", "exp": exp}).SignedString([]byte("other"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.UserIDFromToken(other); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestAuthWithoutJWKSFails(t *testing.T) {
	auth := NewAuth(AuthConfig{})
	token := signHS256(t, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()})
	if _, err := auth.UserIDFromToken(token); err == nil {
		t.Fatal("RS256 mode must reject HS256 tokens")
	}
}
