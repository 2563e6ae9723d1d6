package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/convosync/internal/apiclient"
	"github.com/Martian-dev/convosync/internal/retry"
)

func newTestQueue(t *testing.T, backoff retry.Config) *Queue {
	t.Helper()
	q, err := New(Config{Path: filepath.Join(t.TempDir(), "queue.db"), Backoff: backoff})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

// immediate makes every entry due at once.
func immediate(maxRetries int) retry.Config {
	return retry.Config{MaxRetries: maxRetries, Multiplier: 2}
}

func TestEnqueueAndPending(t *testing.T) {
	q := newTestQueue(t, immediate(3))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "facebook", []byte(`{"object":"page"}`), "graph unavailable"))

	entries, err := q.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "facebook", entries[0].Source)
	assert.JSONEq(t, `{"object":"page"}`, string(entries[0].Payload))
	assert.Equal(t, "graph unavailable", entries[0].LastError)
	assert.Equal(t, 3, entries[0].MaxRetries)
}

func TestEnqueueWaitsForBackoff(t *testing.T) {
	q := newTestQueue(t, retry.Config{MaxRetries: 3, BaseDelay: time.Hour, Multiplier: 2})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "facebook", []byte(`{}`), "boom"))

	entries, err := q.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
	require.NotNil(t, stats.NextRetry)
	assert.True(t, stats.NextRetry.After(time.Now()))
}

func TestMarkFailedExpiresEntry(t *testing.T) {
	q := newTestQueue(t, immediate(2))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "facebook", []byte(`{}`), "boom"))
	entries, err := q.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	id := entries[0].ID

	require.NoError(t, q.MarkFailed(ctx, id, "again"))
	entries, err = q.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Retries)
	assert.Equal(t, "again", entries[0].LastError)

	require.NoError(t, q.MarkFailed(ctx, id, "still failing"))
	entries, err = q.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	n, err := q.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestProcessorOutcomes(t *testing.T) {
	q := newTestQueue(t, immediate(5))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "ok", []byte(`1`), ""))
	require.NoError(t, q.Enqueue(ctx, "invalid", []byte(`2`), ""))
	require.NoError(t, q.Enqueue(ctx, "transient", []byte(`3`), ""))

	calls := map[string]int{}
	p := NewProcessor(q, func(ctx context.Context, source string, payload []byte) error {
		calls[source]++
		switch source {
		case "invalid":
			return &apiclient.RequestError{Platform: "facebook", Kind: apiclient.ErrValidation}
		case "transient":
			return errors.New("connection reset")
		}
		return nil
	}, ProcessorConfig{})

	p.ProcessNow(ctx)
	assert.Equal(t, map[string]int{"ok": 1, "invalid": 1, "transient": 1}, calls)

	// Only the transient failure stays queued.
	entries, err := q.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "transient", entries[0].Source)
	assert.Equal(t, 1, entries[0].Retries)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
	assert.Zero(t, stats.Expired)
}

func TestProcessorKeepsMixedFailures(t *testing.T) {
	q := newTestQueue(t, immediate(5))
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "facebook", []byte(`{"object":"page"}`), ""))

	p := NewProcessor(q, func(ctx context.Context, source string, payload []byte) error {
		return errors.Join(
			&apiclient.RequestError{Platform: "facebook", Status: 404, Kind: apiclient.ErrValidation},
			&apiclient.RequestError{Platform: "facebook", Status: 503, Kind: apiclient.ErrTransient},
		)
	}, ProcessorConfig{})

	p.ProcessNow(ctx)

	entries, err := q.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Retries)
	assert.Contains(t, entries[0].LastError, "status 503")
}

func TestProcessorRunStopsOnCancel(t *testing.T) {
	q := newTestQueue(t, immediate(5))
	require.NoError(t, q.Enqueue(context.Background(), "ok", []byte(`1`), ""))

	handled := make(chan struct{}, 1)
	p := NewProcessor(q, func(ctx context.Context, source string, payload []byte) error {
		handled <- struct{}{}
		return nil
	}, ProcessorConfig{CheckInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("entry was not processed")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}
