package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// APITokenMiddleware authenticates management API requests carrying the
// operator token in X-API-Key or an Authorization bearer header. An empty
// token disables the API.
func APITokenMiddleware(token string) fiber.Handler {
	expected := sha256.Sum256([]byte(token))
	return func(c *fiber.Ctx) error {
		if token == "" {
			log.Warn("[API] Management API called but API_TOKEN is not configured")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "api_disabled", "message": "Management API is not configured"})
		}

		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}
		got := sha256.Sum256([]byte(apiKey))
		if subtle.ConstantTimeCompare(got[:], expected[:]) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}
		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
