package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/convosync/internal/apiclient"
	"github.com/Martian-dev/convosync/internal/eventstore/sqlite"
	"github.com/Martian-dev/convosync/internal/metrics"
)

// EventMessageCreated is the outbox event type written for every new message.
const EventMessageCreated = "message.created"

// Payload is the normalized content of one external message, comment or post.
type Payload struct {
	ThreadID   string          `json:"thread_id"`
	Title      string          `json:"title,omitempty"`
	ParentID   string          `json:"parent_id,omitempty"`
	AuthorID   string          `json:"author_id,omitempty"`
	AuthorName string          `json:"author_name,omitempty"`
	Body       string          `json:"body"`
	SentAt     time.Time       `json:"sent_at"`
	Raw        json.RawMessage `json:"-"`
}

// Result identifies the stored records for one reconciled message.
type Result struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Created        bool   `json:"created"`
}

// Reconciler turns external messages into local conversation records.
type Reconciler struct {
	store *sqlite.Store
}

// New creates a Reconciler over store.
func New(store *sqlite.Store) *Reconciler {
	return &Reconciler{store: store}
}

// Subject returns the NATS subject message events for an account are published on.
func Subject(accountID string) string {
	return fmt.Sprintf("account.%s.message.created", accountID)
}

// Reconcile finds or creates the conversation and message for
// (accountID, externalID). Calling it again with the same identity is a no-op
// that returns the stored ids. Concurrent callers race on the storage
// uniqueness constraints; the loser resolves to the winner's records.
func (r *Reconciler) Reconcile(ctx context.Context, accountID, externalID string, p Payload) (*Result, error) {
	if accountID == "" || externalID == "" {
		metrics.Reconciled.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: account and external message id are required", apiclient.ErrValidation)
	}

	existing, err := r.store.FindMessage(ctx, accountID, externalID)
	if err != nil {
		metrics.Reconciled.WithLabelValues("failed").Inc()
		return nil, err
	}
	if existing != nil {
		metrics.Reconciled.WithLabelValues("duplicate").Inc()
		return &Result{ConversationID: existing.ConversationID, MessageID: existing.ID}, nil
	}

	res, err := r.reconcileTx(ctx, accountID, externalID, p)
	if err != nil {
		metrics.Reconciled.WithLabelValues("failed").Inc()
		return nil, err
	}

	if res.Created {
		metrics.Reconciled.WithLabelValues("created").Inc()
		log.Debug().
			Str("account_id", accountID).
			Str("external_id", externalID).
			Str("conversation_id", res.ConversationID).
			Msg("message reconciled")
	} else {
		metrics.Reconciled.WithLabelValues("duplicate").Inc()
	}
	return res, nil
}

func (r *Reconciler) reconcileTx(ctx context.Context, accountID, externalID string, p Payload) (*Result, error) {
	tx, err := r.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := r.store.FindMessageTx(ctx, tx, accountID, externalID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &Result{ConversationID: existing.ConversationID, MessageID: existing.ID}, nil
	}

	threadID := p.ThreadID
	if threadID == "" {
		threadID = externalID
	}
	convID, _, err := r.store.EnsureConversationTx(ctx, tx, sqlite.Conversation{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		ExternalID: threadID,
		Title:      p.Title,
	})
	if err != nil {
		return nil, err
	}

	msg := sqlite.Message{
		ID:               uuid.NewString(),
		ConversationID:   convID,
		AccountID:        accountID,
		ExternalID:       externalID,
		ParentExternalID: p.ParentID,
		AuthorID:         p.AuthorID,
		AuthorName:       p.AuthorName,
		Body:             p.Body,
		SentAt:           p.SentAt,
		RawJSON:          string(p.Raw),
	}
	inserted, err := r.store.InsertMessageTx(ctx, tx, msg)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return r.existing(ctx, tx, accountID, externalID)
	}

	if err := r.appendEvent(ctx, tx, msg, threadID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &Result{ConversationID: convID, MessageID: msg.ID, Created: true}, nil
}

func (r *Reconciler) existing(ctx context.Context, tx *sql.Tx, accountID, externalID string) (*Result, error) {
	msg, err := r.store.FindMessageTx(ctx, tx, accountID, externalID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s vanished after conflicting insert", externalID)
	}
	return &Result{ConversationID: msg.ConversationID, MessageID: msg.ID}, nil
}

func (r *Reconciler) appendEvent(ctx context.Context, tx *sql.Tx, msg sqlite.Message, threadID string) error {
	event := map[string]interface{}{
		"event_id":           uuid.NewString(),
		"ts":                 time.Now().Unix(),
		"account_id":         msg.AccountID,
		"conversation_id":    msg.ConversationID,
		"message_id":         msg.ID,
		"external_id":        msg.ExternalID,
		"external_thread_id": threadID,
		"parent_id":          msg.ParentExternalID,
		"author_id":          msg.AuthorID,
		"author_name":        msg.AuthorName,
		"body":               msg.Body,
	}
	if !msg.SentAt.IsZero() {
		event["sent_at"] = msg.SentAt.Unix()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msgID := fmt.Sprintf("%s|%s|%s", EventMessageCreated, msg.AccountID, msg.ExternalID)
	return r.store.AppendOutboxTx(ctx, tx, Subject(msg.AccountID), EventMessageCreated, payload, msgID)
}
