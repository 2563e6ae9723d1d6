package sync

import (
	"context"
	"errors"

	"github.com/Martian-dev/convosync/internal/reconcile"
	"github.com/Martian-dev/convosync/internal/store"
)

var (
	// ErrCursorExpired is returned by ListChanges when the platform no longer
	// holds history for the cursor. The syncer restarts from CurrentCursor.
	ErrCursorExpired = errors.New("sync cursor expired")
	// ErrItemGone is returned by FetchMessage when the item was deleted
	// between the change listing and the fetch. It counts as processed.
	ErrItemGone = errors.New("item no longer exists")
)

// Change is one history record: a position in the platform's history and
// the item ids it added.
type Change struct {
	Position string
	ItemIDs  []string
}

// Batch is the result of listing changes since a cursor. Next is the cursor
// to store once every change has been reconciled.
type Batch struct {
	Changes []Change
	Next    string
}

// HistorySource is the per-platform view of one mailbox's change history.
type HistorySource interface {
	// ListChanges returns the changes after cursor, in history order.
	ListChanges(ctx context.Context, cursor string) (*Batch, error)
	// FetchMessage fetches and normalizes one item.
	FetchMessage(ctx context.Context, id string) (*reconcile.Payload, error)
	// CurrentCursor returns the platform's latest cursor.
	CurrentCursor(ctx context.Context) (string, error)
}

// SourceFactory builds the history source for an account.
type SourceFactory func(ctx context.Context, account *store.Account) (HistorySource, error)
