package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LegacyIssuer is the issuer set on HMAC tokens minted by this service.
const LegacyIssuer = "framecast-api"

// LegacyClaims represents legacy JWT claims (HMAC-signed tokens)
type LegacyClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

var legacyParser = jwt.NewParser(
	jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	jwt.WithIssuedAt(),
)

// ValidateLegacyToken checks an HS256 token minted with secret. Tokens must
// name a user.
func ValidateLegacyToken(tokenString, secret string) (*LegacyClaims, error) {
	if secret == "" {
		return nil, jwt.ErrTokenUnverifiable
	}

	claims := &LegacyClaims{}
	key := []byte(secret)
	if _, err := legacyParser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// GenerateLegacyToken signs an HS256 token for userID. A zero ttl produces a
// token without expiry; a negative one an already expired token.
func GenerateLegacyToken(userID, email, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", jwt.ErrTokenUnverifiable
	}

	claims := LegacyClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   LegacyIssuer,
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
