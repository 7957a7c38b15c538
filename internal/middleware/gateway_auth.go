package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"github.com/framecast/api/internal/auth"
	"github.com/framecast/api/pkg/response"
)

// GatewayAuthMiddleware trusts the X-User-* headers written by the gateway
// after a successful /auth/verify hop.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get(HeaderUserID)
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		SetIdentity(c, &auth.Identity{
			UserID: userID,
			Email:  c.Get(HeaderUserEmail),
			Name:   c.Get(HeaderUserName),
			Method: "gateway",
		})
		return c.Next()
	}
}

// TriggerToken guards internal endpoints with a shared token sent in the
// X-Trigger-Token header. An empty token disables the endpoint.
func TriggerToken(token string) fiber.Handler {
	want := []byte(token)
	return func(c *fiber.Ctx) error {
		if token == "" {
			return response.NotFound(c, "Not found")
		}
		if subtle.ConstantTimeCompare([]byte(c.Get("X-Trigger-Token")), want) != 1 {
			return response.Unauthorized(c, "Invalid trigger token")
		}
		return c.Next()
	}
}
