package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/convosync/internal/eventstore/sqlite"
	"github.com/Martian-dev/convosync/internal/metrics"
	"github.com/Martian-dev/convosync/internal/reconcile"
	"github.com/Martian-dev/convosync/internal/store"
)

// Reconciler stores one normalized message.
type Reconciler interface {
	Reconcile(ctx context.Context, accountID, externalID string, p reconcile.Payload) (*reconcile.Result, error)
}

// Cursors persists the sync position and health of each account.
type Cursors interface {
	LoadCursor(ctx context.Context, accountID string) (string, error)
	SaveCursor(ctx context.Context, accountID, cursor, status string) error
	UpdateSyncStatus(ctx context.Context, accountID, status, errorMsg string) error
}

// ItemFailure records an item that could not be reconciled.
type ItemFailure struct {
	ItemID string
	Err    error
}

// Report summarizes one sync pass.
type Report struct {
	AccountID   string
	From        string
	To          string
	Initialized bool
	Reset       bool
	Created     int
	Duplicates  int
	Gone        int
	Failures    []ItemFailure
	// StatusErr is set when the pass could not record the account's sync
	// status; the stored status is then stale.
	StatusErr error
}

// Advanced reports whether the pass moved the cursor.
func (r *Report) Advanced() bool {
	return r.To != r.From
}

// Syncer pulls changes since the stored cursor and reconciles them. Passes
// for one account never overlap.
type Syncer struct {
	store      Cursors
	reconciler Reconciler

	mu    gosync.Mutex
	locks map[string]*accountLock
}

// accountLock is dropped from Syncer.locks once nobody holds or waits on it.
type accountLock struct {
	mu   gosync.Mutex
	refs int
}

// NewSyncer creates a Syncer that keeps cursors in store.
func NewSyncer(store Cursors, reconciler Reconciler) *Syncer {
	return &Syncer{
		store:      store,
		reconciler: reconciler,
		locks:      make(map[string]*accountLock),
	}
}

func (s *Syncer) lock(accountID string) func() {
	s.mu.Lock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &accountLock{}
		s.locks[accountID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, accountID)
		}
		s.mu.Unlock()
	}
}

// markError records a failed pass on the account. A failed write is logged
// and returned; it never fails the pass itself.
func (s *Syncer) markError(ctx context.Context, account *store.Account, msg string) error {
	if err := s.store.UpdateSyncStatus(ctx, account.ID, sqlite.StatusError, msg); err != nil {
		log.Error().Err(err).Str("account_id", account.ID).Str("sync_error", msg).Msg("failed to record sync status")
		return err
	}
	return nil
}

// Sync runs one incremental pass for account. The cursor is stored only after
// the items before it are reconciled: when every item succeeds it moves to the
// batch's Next; when an item fails it stops at the last change fully
// reconciled before that item, so the failed item is seen again next pass.
func (s *Syncer) Sync(ctx context.Context, account *store.Account, src HistorySource) (*Report, error) {
	unlock := s.lock(account.ID)
	defer unlock()

	logger := log.With().Str("account_id", account.ID).Str("kind", account.Kind).Logger()

	cursor, err := s.store.LoadCursor(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	report := &Report{AccountID: account.ID, From: cursor, To: cursor}

	if cursor == "" {
		current, err := src.CurrentCursor(ctx)
		if err != nil {
			metrics.SyncRuns.WithLabelValues(account.Kind, "error").Inc()
			return nil, fmt.Errorf("failed to read current cursor: %w", err)
		}
		if err := s.store.SaveCursor(ctx, account.ID, current, sqlite.StatusHooked); err != nil {
			return nil, err
		}
		report.Initialized = true
		report.To = current
		metrics.SyncRuns.WithLabelValues(account.Kind, "initialized").Inc()
		logger.Info().Str("cursor", current).Msg("sync cursor initialized")
		return report, nil
	}

	batch, err := src.ListChanges(ctx, cursor)
	if errors.Is(err, ErrCursorExpired) {
		return s.reset(ctx, account, src, report)
	}
	if err != nil {
		metrics.SyncRuns.WithLabelValues(account.Kind, "error").Inc()
		if ctx.Err() == nil {
			s.markError(ctx, account, err.Error())
		}
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}

	if len(batch.Changes) == 0 {
		if batch.Next != "" && batch.Next != cursor {
			if err := s.store.SaveCursor(ctx, account.ID, batch.Next, sqlite.StatusHooked); err != nil {
				return nil, err
			}
			report.To = batch.Next
		}
		metrics.SyncRuns.WithLabelValues(account.Kind, "noop").Inc()
		return report, nil
	}

	advance := cursor
	blocked := false
	seen := make(map[string]bool)

	for _, change := range batch.Changes {
		changeOK := true
		for _, id := range change.ItemIDs {
			if seen[id] {
				continue
			}
			seen[id] = true

			if err := s.syncItem(ctx, account, src, id, report); err != nil {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				logger.Warn().Err(err).Str("item_id", id).Msg("failed to reconcile item")
				report.Failures = append(report.Failures, ItemFailure{ItemID: id, Err: err})
				changeOK = false
			}
		}

		if !changeOK {
			blocked = true
		}
		if !blocked && change.Position != "" {
			advance = change.Position
		}
	}
	if !blocked && batch.Next != "" {
		advance = batch.Next
	}

	if advance != cursor {
		if err := s.store.SaveCursor(ctx, account.ID, advance, sqlite.StatusHooked); err != nil {
			return report, err
		}
		report.To = advance
	}

	if len(report.Failures) > 0 {
		report.StatusErr = s.markError(ctx, account, summarize(report.Failures))
		metrics.SyncRuns.WithLabelValues(account.Kind, "partial").Inc()
	} else {
		metrics.SyncRuns.WithLabelValues(account.Kind, "ok").Inc()
	}

	logger.Info().
		Str("from", report.From).
		Str("to", report.To).
		Int("created", report.Created).
		Int("duplicates", report.Duplicates).
		Int("failed", len(report.Failures)).
		Msg("sync pass complete")

	return report, nil
}

func (s *Syncer) syncItem(ctx context.Context, account *store.Account, src HistorySource, id string, report *Report) error {
	payload, err := src.FetchMessage(ctx, id)
	if errors.Is(err, ErrItemGone) {
		report.Gone++
		return nil
	}
	if err != nil {
		return err
	}

	res, err := s.reconciler.Reconcile(ctx, account.ID, id, *payload)
	if err != nil {
		return err
	}
	if res.Created {
		report.Created++
	} else {
		report.Duplicates++
	}
	return nil
}

func (s *Syncer) reset(ctx context.Context, account *store.Account, src HistorySource, report *Report) (*Report, error) {
	current, err := src.CurrentCursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read current cursor: %w", err)
	}
	if err := s.store.SaveCursor(ctx, account.ID, current, sqlite.StatusError); err != nil {
		return nil, err
	}
	report.StatusErr = s.markError(ctx, account, fmt.Sprintf("cursor %s expired, restarted at %s", report.From, current))

	report.Reset = true
	report.To = current
	metrics.SyncRuns.WithLabelValues(account.Kind, "reset").Inc()
	log.Warn().Str("account_id", account.ID).Str("from", report.From).Str("to", current).Msg("sync cursor expired, restarted from current position")
	return report, nil
}

func summarize(failures []ItemFailure) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.ItemID, f.Err))
	}
	return strings.Join(parts, "; ")
}
