package pubsub

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/convosync/internal/store"
	histsync "github.com/Martian-dev/convosync/internal/sync"
)

// Accounts resolves a mailbox address to its account.
type Accounts interface {
	FindByUID(ctx context.Context, uid string) (*store.Account, error)
}

// Syncer runs one history pass for an account.
type Syncer interface {
	SyncAccount(ctx context.Context, account *store.Account) (*histsync.Report, error)
}

// SyncDispatcher routes a mailbox notification to a history sync of the
// matching account.
type SyncDispatcher struct {
	Accounts Accounts
	Syncer   Syncer
}

// Dispatch implements Dispatcher.
func (d *SyncDispatcher) Dispatch(ctx context.Context, n Notification) error {
	account, err := d.Accounts.FindByUID(ctx, n.EmailAddress)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", n.EmailAddress, err)
	}
	if account == nil || account.Kind != store.KindGmail {
		log.Warn().Str("email", n.EmailAddress).Msg("notification for unknown mailbox")
		return nil
	}

	report, err := d.Syncer.SyncAccount(ctx, account)
	if err != nil {
		return fmt.Errorf("sync %s: %w", account.ID, err)
	}
	if len(report.Failures) > 0 {
		return fmt.Errorf("sync %s: %d items failed", account.ID, len(report.Failures))
	}
	return nil
}
