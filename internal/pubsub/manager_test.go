package pubsub

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/convosync/internal/apiclient"
	"github.com/Martian-dev/convosync/internal/retry"
	"github.com/Martian-dev/convosync/internal/store"
	histsync "github.com/Martian-dev/convosync/internal/sync"
)

type fakeMessage struct {
	id     string
	data   []byte
	acked  atomic.Bool
	nacked atomic.Bool
}

func (m *fakeMessage) ID() string   { return m.id }
func (m *fakeMessage) Data() []byte { return m.data }
func (m *fakeMessage) Ack()         { m.acked.Store(true) }
func (m *fakeMessage) Nack()        { m.nacked.Store(true) }

type fakeReceiver struct {
	mu        sync.Mutex
	ensured   int
	received  int
	failFirst int
	msgs      chan Message
}

func newFakeReceiver(failFirst int) *fakeReceiver {
	return &fakeReceiver{failFirst: failFirst, msgs: make(chan Message, 8)}
}

func (r *fakeReceiver) Ensure(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensured++
	return nil
}

func (r *fakeReceiver) Receive(ctx context.Context, f func(ctx context.Context, msg Message)) error {
	r.mu.Lock()
	r.received++
	call := r.received
	r.mu.Unlock()

	if call <= r.failFirst {
		return errors.New("stream reset by peer")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-r.msgs:
			f(ctx, m)
		}
	}
}

func (r *fakeReceiver) calls() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensured, r.received
}

type recordingDispatcher struct {
	mu    sync.Mutex
	seen  []Notification
	block chan struct{}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, n Notification) error {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, n)
	return nil
}

func (d *recordingDispatcher) notifications() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Notification(nil), d.seen...)
}

func fastOptions() Options {
	return Options{
		Backoff:      retry.Config{MaxRetries: -1, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2},
		DrainTimeout: time.Second,
	}
}

func TestParseNotification(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    *Notification
		invalid bool
	}{
		{"numeric history id", `{"emailAddress":"user@example.com","historyId":9876543210}`, &Notification{"user@example.com", 9876543210}, false},
		{"string history id", `{"emailAddress":"user@example.com","historyId":"1234"}`, &Notification{"user@example.com", 1234}, false},
		{"base64", base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"user@example.com","historyId":42}`)), &Notification{"user@example.com", 42}, false},
		{"test publish", "hello from the console", nil, true},
		{"missing email", `{"historyId":1}`, nil, true},
		{"missing history id", `{"emailAddress":"user@example.com"}`, nil, true},
		{"broken json", `{"emailAddress":`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNotification([]byte(tt.data))
			if tt.invalid {
				require.Error(t, err)
				assert.True(t, apiclient.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodePush(t *testing.T) {
	data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"user@example.com","historyId":"77"}`))
	env, err := DecodePush([]byte(`{"message":{"data":"` + data + `","messageId":"m-1"},"subscription":"projects/p/subscriptions/s"}`))
	require.NoError(t, err)
	assert.Equal(t, "m-1", env.Message.MessageID)

	n, err := ParseNotification(env.Message.Data)
	require.NoError(t, err)
	assert.EqualValues(t, 77, n.HistoryID)

	_, err = DecodePush([]byte(`{"message":{}}`))
	assert.True(t, apiclient.IsValidation(err))
}

func TestManagerDispatchesAndAcks(t *testing.T) {
	recv := newFakeReceiver(0)
	disp := &recordingDispatcher{}
	m := NewManager("gmail", recv, disp, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- m.Run(ctx) }()

	good := &fakeMessage{id: "1", data: []byte(`{"emailAddress":"a@example.com","historyId":5}`)}
	bad := &fakeMessage{id: "2", data: []byte(`not a notification`)}
	recv.msgs <- good
	recv.msgs <- bad

	assert.Eventually(t, func() bool { return good.acked.Load() && bad.acked.Load() }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(disp.notifications()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateActive, m.State())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateUnsubscribed, m.State())
	assert.Equal(t, []Notification{{"a@example.com", 5}}, disp.notifications())
	assert.False(t, bad.nacked.Load())
}

func TestManagerRecoversFromReceiveError(t *testing.T) {
	recv := newFakeReceiver(2)
	m := NewManager("gmail", recv, &recordingDispatcher{}, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, received := recv.calls()
		return received == 3 && m.State() == StateActive
	}, time.Second, 5*time.Millisecond)

	ensured, _ := recv.calls()
	assert.Equal(t, 3, ensured)

	cancel()
	require.NoError(t, <-done)
}

func TestManagerDrainAbandonsSlowDispatch(t *testing.T) {
	recv := newFakeReceiver(0)
	disp := &recordingDispatcher{block: make(chan struct{})}
	opts := fastOptions()
	opts.DrainTimeout = 20 * time.Millisecond
	m := NewManager("gmail", recv, disp, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- m.Run(ctx) }()

	msg := &fakeMessage{id: "1", data: []byte(`{"emailAddress":"a@example.com","historyId":5}`)}
	recv.msgs <- msg
	assert.Eventually(t, msg.acked.Load, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after drain timeout")
	}
	assert.Empty(t, disp.notifications())
}

func TestManagerRejectsDeliveryAfterDrain(t *testing.T) {
	disp := &recordingDispatcher{}
	m := NewManager("gmail", newFakeReceiver(0), disp, fastOptions())

	require.NoError(t, m.Drain(context.Background()))

	err := m.Deliver(context.Background(), "1", []byte(`{"emailAddress":"a@example.com","historyId":5}`))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, disp.notifications())
}

func TestManagerRunsAgainAfterDrainTimeout(t *testing.T) {
	recv := newFakeReceiver(0)
	disp := &recordingDispatcher{block: make(chan struct{})}
	opts := fastOptions()
	opts.DrainTimeout = 20 * time.Millisecond
	m := NewManager("gmail", recv, disp, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- m.Run(ctx) }()

	first := &fakeMessage{id: "1", data: []byte(`{"emailAddress":"a@example.com","historyId":5}`)}
	recv.msgs <- first
	assert.Eventually(t, first.acked.Load, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// The abandoned dispatch was cancelled; the next run gets a fresh context.
	assert.Eventually(t, func() bool { return len(m.slots) == 0 }, time.Second, 5*time.Millisecond)
	close(disp.block)
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go func() { done <- m.Run(ctx) }()

	second := &fakeMessage{id: "2", data: []byte(`{"emailAddress":"a@example.com","historyId":6}`)}
	recv.msgs <- second
	assert.Eventually(t, func() bool { return len(disp.notifications()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Notification{{"a@example.com", 6}}, disp.notifications())

	cancel()
	require.NoError(t, <-done)
}

type fakeAccounts map[string]*store.Account

func (f fakeAccounts) FindByUID(ctx context.Context, uid string) (*store.Account, error) {
	return f[uid], nil
}

type fakeSyncer struct {
	synced []string
	report *histsync.Report
}

func (f *fakeSyncer) SyncAccount(ctx context.Context, account *store.Account) (*histsync.Report, error) {
	f.synced = append(f.synced, account.ID)
	if f.report != nil {
		return f.report, nil
	}
	return &histsync.Report{AccountID: account.ID}, nil
}

func TestSyncDispatcher(t *testing.T) {
	accounts := fakeAccounts{
		"a@example.com": {ID: "acc-1", Kind: store.KindGmail, UID: "a@example.com"},
		"page-1":        {ID: "acc-2", Kind: store.KindFacebookPage, UID: "page-1"},
	}
	syncer := &fakeSyncer{}
	d := &SyncDispatcher{Accounts: accounts, Syncer: syncer}
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, Notification{"a@example.com", 10}))
	require.NoError(t, d.Dispatch(ctx, Notification{"nobody@example.com", 10}))
	require.NoError(t, d.Dispatch(ctx, Notification{"page-1", 10}))
	assert.Equal(t, []string{"acc-1"}, syncer.synced)

	syncer.report = &histsync.Report{Failures: []histsync.ItemFailure{{ItemID: "m1", Err: errors.New("boom")}}}
	assert.Error(t, d.Dispatch(ctx, Notification{"a@example.com", 11}))
}
