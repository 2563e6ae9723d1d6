package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyAuth guards the operator routes with a single bcrypt-hashed key.
type APIKeyAuth struct {
	hash []byte
}

// NewAPIKeyAuth wraps a bcrypt hash produced by HashAPIKey.
func NewAPIKeyAuth(hash string) (*APIKeyAuth, error) {
	if hash == "" {
		return nil, errors.New("api key hash is empty")
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid api key hash: %w", err)
	}
	return &APIKeyAuth{hash: []byte(hash)}, nil
}

// HashAPIKey hashes key for the admin_api_key_hash setting.
func HashAPIKey(key string) (string, error) {
	if len(key) < 16 {
		return "", errors.New("api key must be at least 16 characters")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Check reports whether key matches the configured hash.
func (a *APIKeyAuth) Check(key string) bool {
	if key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(key)) == nil
}

// Middleware accepts the key as a bearer token or in X-API-Key.
func (a *APIKeyAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			key = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing api key"})
			return
		}
		if !a.Check(key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Set(principalKey, &Principal{Subject: "operator", Method: "api_key"})
		c.Next()
	}
}
