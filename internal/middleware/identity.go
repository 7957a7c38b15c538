package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/framecast/api/internal/auth"
)

// Identity headers exchanged with the gateway's ForwardAuth hop.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderUserName  = "X-User-Name"
)

const identityKey = "identity"

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(c *fiber.Ctx) (string, bool) {
	scheme, token, found := strings.Cut(c.Get(fiber.HeaderAuthorization), " ")
	if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", false
	}
	return token, true
}

// SetIdentity stores the caller for downstream handlers.
func SetIdentity(c *fiber.Ctx, id *auth.Identity) {
	c.Locals(identityKey, id)
}

// GetIdentity returns the authenticated caller, or nil.
func GetIdentity(c *fiber.Ctx) *auth.Identity {
	id, _ := c.Locals(identityKey).(*auth.Identity)
	return id
}

// GetUserID returns the caller's id, the owner of the jobs it touches.
func GetUserID(c *fiber.Ctx) string {
	if id := GetIdentity(c); id != nil {
		return id.UserID
	}
	return ""
}

// WriteIdentityHeaders sets the X-User-* response headers for id.
func WriteIdentityHeaders(c *fiber.Ctx, id *auth.Identity) {
	c.Set(HeaderUserID, id.UserID)
	if id.Email != "" {
		c.Set(HeaderUserEmail, id.Email)
	}
	if id.Name != "" {
		c.Set(HeaderUserName, id.Name)
	}
}
