package gmail

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// TokenSaver stores credentials refreshed while talking to Gmail.
type TokenSaver interface {
	UpdateToken(ctx context.Context, accountID, token, secret string, expiry time.Time) error
}

// savingTokenSource writes every newly minted token back to the account so
// the next adapter starts from it instead of refreshing again.
type savingTokenSource struct {
	base      oauth2.TokenSource
	saver     TokenSaver
	accountID string

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.last || s.saver == nil {
		return tok, nil
	}
	s.last = tok.AccessToken

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.saver.UpdateToken(ctx, s.accountID, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		// The token is still good for this session; the next one refreshes again.
		log.Warn().Err(err).Str("account_id", s.accountID).Msg("failed to store refreshed gmail token")
	}
	return tok, nil
}
