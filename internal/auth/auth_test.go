package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/promptvideos/api/internal/config"
)

func TestLegacyTokenRoundTrip(t *testing.T) {
	token, err := SignLegacyToken("user-1", "a@example.com", "secret", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := ValidateLegacyToken(token, "secret")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "user-1" || claims.Email != "a@example.com" || claims.Issuer != LegacyIssuer {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestLegacyTokenRejections(t *testing.T) {
	expiredClaims := LegacyClaims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, expiredClaims).SignedString([]byte("secret"))

	noUser, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, LegacyClaims{}).SignedString([]byte("secret"))
	good, _ := SignLegacyToken("user-1", "", "secret", time.Hour)

	tests := []struct {
		name   string
		token  string
		secret string
	}{
		{"wrong secret", good, "other"},
		{"expired", expired, "secret"},
		{"missing user", noUser, "secret"},
		{"garbage", "not-a-token", "secret"},
		{"unsigned", func() string {
			s, _ := jwt.NewWithClaims(jwt.SigningMethodNone, LegacyClaims{UserID: "u"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
			return s
		}(), "secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ValidateLegacyToken(tt.token, tt.secret); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestDiscoverJWKSURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/good/.well-known/openid-configuration":
			w.Write([]byte(`{"jwks_uri":"https://issuer.example/keys"}`))
		case "/empty/.well-known/openid-configuration":
			w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	url, err := discoverJWKSURL(ctx, srv.Client(), srv.URL+"/good")
	if err != nil || url != "https://issuer.example/keys" {
		t.Errorf("expected jwks uri, got %q (%v)", url, err)
	}
	if _, err := discoverJWKSURL(ctx, srv.Client(), srv.URL+"/empty"); err == nil {
		t.Error("missing jwks_uri should fail")
	}
	if _, err := discoverJWKSURL(ctx, srv.Client(), srv.URL+"/missing"); err == nil {
		t.Error("404 should fail")
	}
}

func TestNewJWKSVerifierRequiresIssuer(t *testing.T) {
	if _, err := NewJWKSVerifier(&config.AuthConfig{}); !errors.Is(err, ErrIssuerRequired) {
		t.Errorf("expected ErrIssuerRequired, got %v", err)
	}
}
