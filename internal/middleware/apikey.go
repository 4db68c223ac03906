package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"github.com/promptvideos/api/pkg/response"
)

// HeaderAPIKey carries developer API credentials.
const HeaderAPIKey = "X-API-Key"

// APIKeyAuth authenticates developer API calls. keys maps each API key to
// the user it acts for.
func APIKeyAuth(keys map[string]string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		presented := c.Get(HeaderAPIKey)
		if presented == "" {
			return response.Unauthorized(c, "Missing API key")
		}

		userID, ok := lookupKey(keys, presented)
		if !ok {
			return response.Unauthorized(c, "Invalid API key")
		}
		setIdentity(c, userID, "", SourceAPIKey)
		return c.Next()
	}
}

// lookupKey compares against every configured key so the response time does
// not depend on how much of the key matched.
func lookupKey(keys map[string]string, presented string) (string, bool) {
	var (
		userID string
		found  bool
	)
	for key, user := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			userID, found = user, true
		}
	}
	return userID, found
}
