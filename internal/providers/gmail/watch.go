package gmail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/Martian-dev/convosync/internal/store"
)

// DefaultRenewInterval keeps watches well inside Gmail's seven day expiry.
const DefaultRenewInterval = 24 * time.Hour

// AccountLister enumerates linked accounts.
type AccountLister interface {
	FindAccounts(ctx context.Context, f store.Filter) ([]store.Account, error)
}

// Renewer re-issues users.watch for every linked mailbox. Watches that are
// not renewed silently stop publishing notifications.
type Renewer struct {
	Accounts AccountLister
	Tokens   TokenSaver
	Config   *oauth2.Config
	Topic    string
	Interval time.Duration
	Options  []option.ClientOption
}

// Run renews at once and then on every interval until ctx is done.
func (r *Renewer) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultRenewInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.RenewAll(ctx); err != nil {
			log.Error().Err(err).Msg("gmail watch renewal incomplete")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RenewAll renews each mailbox's watch. One failing mailbox does not stop
// the others.
func (r *Renewer) RenewAll(ctx context.Context) error {
	accounts, err := r.Accounts.FindAccounts(ctx, store.Filter{Kind: store.KindGmail})
	if err != nil {
		return err
	}

	var errs []error
	for i := range accounts {
		account := &accounts[i]
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a, err := NewForAccount(ctx, r.Config, account, r.Tokens, r.Options...)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", account.ID, err))
			continue
		}
		historyID, expires, err := a.Watch(ctx, r.Topic)
		if err != nil {
			log.Warn().Err(err).Str("account_id", account.ID).Msg("failed to renew gmail watch")
			errs = append(errs, fmt.Errorf("%s: %w", account.ID, err))
			continue
		}
		log.Debug().Str("account_id", account.ID).Uint64("history_id", historyID).Time("expires", expires).Msg("gmail watch renewed")
	}
	return errors.Join(errs...)
}
