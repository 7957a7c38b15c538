package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/framecast/api/internal/auth"
	"github.com/framecast/api/pkg/response"
)

// AuthMiddleware authenticates bearer tokens on /api routes.
type AuthMiddleware struct {
	resolver *auth.Resolver
}

// NewAuthMiddleware accepts OIDC tokens only.
func NewAuthMiddleware(verifier auth.TokenVerifier) *AuthMiddleware {
	return NewResolverAuthMiddleware(auth.NewResolver(verifier, ""))
}

// NewAuthMiddlewareWithFallback accepts OIDC tokens and legacy HMAC tokens.
func NewAuthMiddlewareWithFallback(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return NewResolverAuthMiddleware(auth.NewResolver(verifier, jwtSecret))
}

// NewLegacyAuthMiddleware accepts HMAC tokens only (for testing/dev).
func NewLegacyAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return NewResolverAuthMiddleware(auth.NewResolver(nil, jwtSecret))
}

// NewResolverAuthMiddleware shares a resolver with other auth surfaces.
func NewResolverAuthMiddleware(resolver *auth.Resolver) *AuthMiddleware {
	return &AuthMiddleware{resolver: resolver}
}

// Authenticate rejects requests without a valid bearer token. The token
// subject becomes the job owner.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := BearerToken(c)
		if !ok {
			if c.Get(fiber.HeaderAuthorization) == "" {
				return response.Unauthorized(c, "Missing authorization header")
			}
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		id, err := m.resolver.Resolve(token)
		switch {
		case errors.Is(err, auth.ErrNotConfigured):
			return response.Unauthorized(c, "Authentication not configured")
		case err != nil:
			return response.Unauthorized(c, "Invalid or expired token")
		}

		SetIdentity(c, id)
		return c.Next()
	}
}
