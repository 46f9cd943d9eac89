// Package auth extracts and hashes session tokens and checks the operator
// credential.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	SessionCookie     = "sid"
	OperatorKeyHeader = "X-Admin-Key"
)

var ErrMissingToken = errors.New("missing token")

// HashToken derives the lookup key a session is stored under. Raw tokens
// never reach the store.
func HashToken(secret, token string) string {
	sum := sha256.Sum256([]byte(secret + ":" + token))
	return hex.EncodeToString(sum[:])
}

// TokenFromRequest prefers the session cookie and falls back to a bearer
// Authorization header.
func TokenFromRequest(r *http.Request) (string, error) {
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		if value := strings.TrimSpace(cookie.Value); value != "" {
			return value, nil
		}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

var ErrEmptyOperatorKey = errors.New("operator key must not be empty")

// VerifyOperatorKey compares key against a bcrypt hash. An unset hash
// disables the operator surface.
func VerifyOperatorKey(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// HashOperatorKey produces the OPERATOR_KEY_HASH value for key.
func HashOperatorKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", ErrEmptyOperatorKey
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
