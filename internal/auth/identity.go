package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned when neither OIDC nor a legacy secret is set.
	ErrNotConfigured = errors.New("authentication not configured")
	// ErrInvalidToken is returned for tokens no configured method accepts.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Identity is an authenticated caller. UserID is recorded as the owner of
// the render jobs it submits.
type Identity struct {
	UserID string
	Email  string
	Name   string
	// Method is "oidc" or "legacy".
	Method string
}

// Resolver turns a bearer token into an Identity. OIDC verification is tried
// first; the legacy HMAC secret is used when no verifier is set or as a
// fallback when one is.
type Resolver struct {
	verifier     TokenVerifier
	legacySecret string
}

// NewResolver creates a resolver. Either argument may be empty.
func NewResolver(verifier TokenVerifier, legacySecret string) *Resolver {
	return &Resolver{verifier: verifier, legacySecret: legacySecret}
}

// Configured reports whether any verification method is available.
func (r *Resolver) Configured() bool {
	return r.verifier != nil || r.legacySecret != ""
}

// Resolve validates token and returns the caller's identity.
func (r *Resolver) Resolve(token string) (*Identity, error) {
	if !r.Configured() {
		return nil, ErrNotConfigured
	}

	var oidcErr error
	if r.verifier != nil {
		claims, err := r.verifier.Validate(token)
		if err == nil {
			if claims.UserID == "" {
				return nil, fmt.Errorf("%w: token has no subject", ErrInvalidToken)
			}
			return &Identity{UserID: claims.UserID, Email: claims.Email, Name: claims.Name, Method: "oidc"}, nil
		}
		oidcErr = err
	}

	if r.legacySecret == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, oidcErr)
	}
	claims, err := ValidateLegacyToken(token, r.legacySecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, errors.Join(oidcErr, err))
	}
	return &Identity{UserID: claims.UserID, Email: claims.Email, Method: "legacy"}, nil
}
