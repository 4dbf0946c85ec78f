package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

const testSecret = "test-secret"

var verifierNow = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-1",
		"email": "Buyer@Example.com",
		"aud":   "authenticated",
		"iss":   "https://auth.example.com",
		"exp":   verifierNow.Add(time.Hour).Unix(),
	}
}

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(VerifierConfig{
		Secret:     testSecret,
		Issuer:     "https://auth.example.com",
		Audience:   "authenticated",
		AdminRoles: []string{"admin", "super_admin"},
		Clock:      func() time.Time { return verifierNow },
	})
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	return v
}

func TestJWTVerifier_HS256(t *testing.T) {
	claims := baseClaims()
	claims["app_metadata"] = map[string]any{"role": "super_admin"}
	claims["role"] = "authenticated"

	identity, err := newTestVerifier(t).Verify(context.Background(), signHS256(t, claims))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.UID != "user-1" || identity.Email != "buyer@example.com" {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if identity.PrimaryRole() != RoleAdmin {
		t.Fatalf("expected admin alias to collapse into admin, got roles %v", identity.Roles)
	}
}

func TestJWTVerifier_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(jwt.MapClaims)
		want   error
	}{
		{"expired", func(c jwt.MapClaims) { c["exp"] = verifierNow.Add(-time.Minute).Unix() }, ErrTokenExpired},
		{"missing exp", func(c jwt.MapClaims) { delete(c, "exp") }, ErrTokenExpired},
		{"issuer", func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }, ErrTokenInvalid},
		{"audience", func(c jwt.MapClaims) { c["aud"] = "anon" }, ErrTokenInvalid},
		{"subject", func(c jwt.MapClaims) { delete(c, "sub") }, ErrTokenInvalid},
	}
	v := newTestVerifier(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := baseClaims()
			tc.mutate(claims)
			_, err := v.Verify(context.Background(), signHS256(t, claims))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims()).SignedString([]byte("other"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := newTestVerifier(t).Verify(context.Background(), token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestJWTVerifier_RS256ViaJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	server := newJWKSServer(t, key, "kid-1", nil)

	v, err := NewJWTVerifier(VerifierConfig{
		JWKS:  NewJWKSCache(server.URL, WithoutJWKSBackgroundRefresh()),
		Clock: func() time.Time { return verifierNow },
	})
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}

	claims := baseClaims()
	claims["roles"] = []any{"vendor"}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "kid-1"
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	identity, err := v.Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.PrimaryRole() != RoleVendor {
		t.Fatalf("expected vendor, got %v", identity.Roles)
	}

	// HS256 is not accepted when no shared secret is configured.
	if _, err := v.Verify(context.Background(), signHS256(t, baseClaims())); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected HS256 rejection, got %v", err)
	}
}

func TestNewJWTVerifier_RequiresKeyMaterial(t *testing.T) {
	if _, err := NewJWTVerifier(VerifierConfig{}); err == nil {
		t.Fatal("expected error without secret or jwks")
	}
}
