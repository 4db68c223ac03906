package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/promptvideos/api/internal/auth"
	"github.com/promptvideos/api/pkg/response"
)

const (
	localUserID = "userId"
	localEmail  = "email"
	localSource = "authSource"
)

// Auth sources recorded on the request
const (
	SourceJWT    = "jwt"
	SourceAPIKey = "api_key"
)

// AuthMiddleware authenticates web clients by bearer token. Identity provider
// tokens are checked first; HMAC tokens signed with jwtSecret are accepted as
// a fallback when a secret is configured.
type AuthMiddleware struct {
	verifier  auth.TokenVerifier
	jwtSecret string
}

func NewAuthMiddleware(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// Authenticate validates the token from the Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		scheme, tokenString, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || tokenString == "" {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		if m.verifier != nil {
			claims, err := m.verifier.Validate(tokenString)
			if err == nil {
				setIdentity(c, claims.UserID, claims.Email, SourceJWT)
				return c.Next()
			}
			if m.jwtSecret == "" {
				return response.Unauthorized(c, "Invalid or expired token")
			}
		}

		if m.jwtSecret != "" {
			claims, err := auth.ValidateLegacyToken(tokenString, m.jwtSecret)
			if err != nil {
				return response.Unauthorized(c, "Invalid or expired token")
			}
			setIdentity(c, claims.UserID, claims.Email, SourceJWT)
			return c.Next()
		}

		return response.Unauthorized(c, "Authentication not configured")
	}
}

func setIdentity(c *fiber.Ctx, userID, email, source string) {
	c.Locals(localUserID, userID)
	c.Locals(localEmail, email)
	c.Locals(localSource, source)
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals(localUserID).(string); ok {
		return userID
	}
	return ""
}

// GetAuthSource reports which credential authenticated the request.
func GetAuthSource(c *fiber.Ctx) string {
	if source, ok := c.Locals(localSource).(string); ok {
		return source
	}
	return ""
}
