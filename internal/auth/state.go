package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Provider names an OAuth provider.
type Provider string

const (
	ProviderFacebook Provider = "facebook"
	ProviderGoogle   Provider = "google"
)

// StateClaims travel in the OAuth state parameter.
type StateClaims struct {
	Provider Provider `json:"prv"`
	// Return is where the user lands after the flow, relative to the main app.
	Return string `json:"ret,omitempty"`
	jwt.RegisteredClaims
}

// StateSigner issues and checks short-lived OAuth state tokens, so a
// callback can only complete a flow this service started.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewStateSigner creates a signer. ttl defaults to ten minutes.
func NewStateSigner(secret string, ttl time.Duration) (*StateSigner, error) {
	if len(secret) < 16 {
		return nil, errors.New("state secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateSigner{secret: []byte(secret), ttl: ttl}, nil
}

// Issue returns a signed state for provider.
func (s *StateSigner) Issue(provider Provider, ret string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, StateClaims{
		Provider: provider,
		Return:   ret,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return signed, nil
}

// Verify parses state and checks it was issued for provider.
func (s *StateSigner) Verify(state string, provider Provider) (*StateClaims, error) {
	claims := &StateClaims{}
	token, err := jwt.ParseWithClaims(state, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid state: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid state")
	}
	if claims.Provider != provider {
		return nil, fmt.Errorf("state issued for %s, not %s", claims.Provider, provider)
	}
	return claims, nil
}
