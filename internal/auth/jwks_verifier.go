package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/framecast/api/internal/config"
)

// TokenVerifier defines the interface for JWT token verification
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims represents the JWT claims issued by the OIDC provider
type Claims struct {
	UserID string `json:"sub"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWKSVerifier checks RS/ES-signed tokens against the issuer's published keys.
type JWKSVerifier struct {
	jwks    keyfunc.Keyfunc
	parser  *jwt.Parser
	jwksURL string
	cancel  context.CancelFunc
}

type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

var discoveryClient = &http.Client{Timeout: 30 * time.Second}

// NewJWKSVerifier discovers the issuer's JWKS endpoint and creates a verifier.
// Keys are refreshed in the background until Close. Tokens must carry the
// configured issuer, an expiry and, when ClientID is set, that audience.
func NewJWKSVerifier(ctx context.Context, cfg *config.OIDCConfig) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("oidc issuer is required")
	}

	doc, err := discover(ctx, strings.TrimRight(cfg.Issuer, "/"))
	if err != nil {
		return nil, err
	}

	refreshCtx, cancel := context.WithCancel(ctx)
	jwks, err := keyfunc.NewDefaultCtx(refreshCtx, []string{doc.JWKSURI})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("oidc: load keys from %s: %w", doc.JWKSURI, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.ClientID != "" {
		opts = append(opts, jwt.WithAudience(cfg.ClientID))
	}

	return &JWKSVerifier{
		jwks:    jwks,
		parser:  jwt.NewParser(opts...),
		jwksURL: doc.JWKSURI,
		cancel:  cancel,
	}, nil
}

func discover(ctx context.Context, issuer string) (*discoveryDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	resp, err := discoveryClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc discovery: %s returned status %d", req.URL, resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("oidc discovery: decode: %w", err)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("oidc discovery: jwks_uri missing")
	}
	if doc.Issuer != "" && strings.TrimRight(doc.Issuer, "/") != issuer {
		return nil, fmt.Errorf("oidc discovery: issuer mismatch (got %q)", doc.Issuer)
	}
	return &doc, nil
}

// JWKSURL is the key set location found during discovery.
func (v *JWKSVerifier) JWKSURL() string { return v.jwksURL }

// Validate validates a JWT token and returns the claims
func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("oidc: %w", err)
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// Close stops the background key refresh.
func (v *JWKSVerifier) Close() error {
	if v.cancel != nil {
		v.cancel()
	}
	return nil
}
