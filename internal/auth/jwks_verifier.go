package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/promptvideos/api/internal/config"
)

var ErrIssuerRequired = errors.New("auth issuer is required")

// TokenVerifier checks bearer tokens issued by the identity provider
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims carried by identity provider tokens
type Claims struct {
	UserID        string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWKSVerifier validates RS/ES signed tokens against the issuer's published keys.
type JWKSVerifier struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
	cancel   context.CancelFunc
}

// NewJWKSVerifier discovers the issuer's JWKS endpoint and starts the key
// refresh loop. Close stops it.
func NewJWKSVerifier(cfg *config.AuthConfig) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, ErrIssuerRequired
	}
	issuer := strings.TrimRight(cfg.Issuer, "/")

	discoverCtx, cancelDiscover := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDiscover()

	jwksURL, err := discoverJWKSURL(discoverCtx, http.DefaultClient, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover JWKS URL: %w", err)
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultCtx(refreshCtx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	return &JWKSVerifier{
		jwks:     jwks,
		issuer:   issuer,
		audience: cfg.ClientID,
		cancel:   cancel,
	}, nil
}

// discoverJWKSURL reads jwks_uri from the OIDC discovery document.
func discoverJWKSURL(ctx context.Context, httpClient *http.Client, issuer string) (string, error) {
	discoveryURL := issuer + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("jwks_uri not found in discovery document")
	}
	return doc.JWKSURI, nil
}

func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return nil, fmt.Errorf("failed to get audience: %w", err)
		}
		if !slices.Contains(aud, v.audience) {
			return nil, jwt.ErrTokenInvalidAudience
		}
	}
	return claims, nil
}

func (v *JWKSVerifier) Close() error {
	v.cancel()
	return nil
}
