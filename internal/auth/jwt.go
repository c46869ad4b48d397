package auth

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTKeyFilePrefix marks a pool password field as a JWT reference rather
// than a literal credential, per spec.md §4.2/§4.5.
const JWTKeyFilePrefix = "jwt-pkey-fpath:"

// IsJWTPasswordRecord reports whether a password field names a JWT key file.
func IsJWTPasswordRecord(password string) bool {
	return strings.HasPrefix(password, JWTKeyFilePrefix)
}

// JWTKeyPath extracts the filesystem path from a "jwt-pkey-fpath:..." record.
func JWTKeyPath(password string) string {
	return strings.TrimPrefix(password, JWTKeyFilePrefix)
}

// SignShortLivedToken signs a short-lived JWT for presenting to a backend
// whose AuthenticationCleartextPassword challenge is satisfied by a signed
// token rather than a literal password (spec.md §4.2).
func SignShortLivedToken(privateKeyPath, user string, ttl time.Duration) (string, error) {
	keyData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return "", fmt.Errorf("reading JWT private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return "", fmt.Errorf("parsing JWT private key: %w", err)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"preferred_username": user,
		"iat":                now.Unix(),
		"nbf":                now.Unix(),
		"exp":                now.Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return tok.SignedString(key)
}

// VerifyClientToken verifies a client-presented JWT against the referenced
// public key and enforces preferred_username == user plus nbf/exp, per
// spec.md §4.5's client-facing JWT authentication path.
func VerifyClientToken(publicKeyPath, token, wantUser string) error {
	keyData, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return fmt.Errorf("reading JWT public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(keyData)
	if err != nil {
		return fmt.Errorf("parsing JWT public key: %w", err)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return fmt.Errorf("verifying JWT: %w", err)
	}
	if !parsed.Valid {
		return fmt.Errorf("JWT is not valid")
	}

	username, _ := claims["preferred_username"].(string)
	if username != wantUser {
		return fmt.Errorf("JWT preferred_username %q does not match connecting user %q", username, wantUser)
	}
	return nil
}
