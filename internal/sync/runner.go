package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/convosync/internal/store"
)

// DefaultPollInterval is how often a pull-only mailbox is synced.
const DefaultPollInterval = 30 * time.Second

// Runner polls one account whose platform has no push channel.
type Runner struct {
	Syncer   *Syncer
	Source   HistorySource
	Account  *store.Account
	Interval time.Duration
}

// Run syncs immediately and then on every tick until ctx is done. Failed
// passes are logged and retried on the next tick.
func (r *Runner) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	r.pass(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("account_id", r.Account.ID).Msg("poller stopped")
			return nil
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Runner) pass(ctx context.Context) {
	if _, err := r.Syncer.Sync(ctx, r.Account, r.Source); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("account_id", r.Account.ID).Msg("sync pass failed")
	}
}
