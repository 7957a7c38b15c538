package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/framecast/api/internal/auth"
	"github.com/framecast/api/internal/middleware"
)

// AuthHandler answers the gateway's ForwardAuth calls.
type AuthHandler struct {
	resolver *auth.Resolver
}

func NewAuthHandler(resolver *auth.Resolver) *AuthHandler {
	return &AuthHandler{resolver: resolver}
}

// Verify handles GET /auth/verify. A valid bearer token yields 200 with the
// caller in X-User-* headers; anything else is a bare 401.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	token, ok := middleware.BearerToken(c)
	if !ok {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	id, err := h.resolver.Resolve(token)
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	middleware.WriteIdentityHeaders(c, id)
	return c.SendStatus(fiber.StatusOK)
}
