package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog/log"
)

// GoogleCertsURL serves the keys Google signs push OIDC tokens with.
const GoogleCertsURL = "https://www.googleapis.com/oauth2/v3/certs"

var googleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// PushConfig configures verification of Pub/Sub push requests.
type PushConfig struct {
	JWKSURL  string `koanf:"jwks_url"`
	Audience string `koanf:"audience"`
	// Email, when set, is the service account the subscription pushes as.
	Email string `koanf:"email"`
}

// PushVerifier checks the Google-signed OIDC token Pub/Sub attaches to push
// requests. Keys are cached and refreshed in the background by jwk.Cache, so
// verification does no network I/O on the hot path.
type PushVerifier struct {
	cfg    PushConfig
	keySet jwk.Set
}

// NewPushVerifier registers the key set URL and warms the cache. The cache
// stops refreshing when ctx is done.
func NewPushVerifier(ctx context.Context, cfg PushConfig) (*PushVerifier, error) {
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = GoogleCertsURL
	}
	if cfg.Audience == "" {
		return nil, errors.New("push audience is required")
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(fetchCtx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &PushVerifier{cfg: cfg, keySet: jwk.NewCachedSet(cache, cfg.JWKSURL)}, nil
}

// Verify validates the bearer token of r.
func (v *PushVerifier) Verify(r *http.Request) (*Principal, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.keySet),
		jwt.WithValidate(true),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithAcceptableSkew(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	if !validIssuer(token.Issuer()) {
		return nil, fmt.Errorf("unexpected token issuer %q", token.Issuer())
	}

	var email string
	if claim, ok := token.Get("email"); ok {
		email, _ = claim.(string)
	}
	if v.cfg.Email != "" {
		verified, _ := token.Get("email_verified")
		if email != v.cfg.Email || verified != true {
			return nil, fmt.Errorf("token issued to %q, want %q", email, v.cfg.Email)
		}
	}

	return &Principal{Subject: token.Subject(), Email: email, Method: "oidc"}, nil
}

// Middleware rejects requests without a valid push token.
func (v *PushVerifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := v.Verify(c.Request)
		if err != nil {
			log.Warn().Err(err).Str("path", c.FullPath()).Msg("rejected push request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid push token"})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func validIssuer(iss string) bool {
	for _, want := range googleIssuers {
		if iss == want {
			return true
		}
	}
	return false
}
