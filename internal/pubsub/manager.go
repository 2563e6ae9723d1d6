package pubsub

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/convosync/internal/metrics"
	"github.com/Martian-dev/convosync/internal/retry"
)

// State is the lifecycle of one subscription.
type State string

const (
	StateUnsubscribed  State = "unsubscribed"
	StateSubscribing   State = "subscribing"
	StateActive        State = "active"
	StateError         State = "error"
	StateResubscribing State = "resubscribing"
)

var allStates = []State{StateUnsubscribed, StateSubscribing, StateActive, StateError, StateResubscribing}

// Message is one delivery from the subscription.
type Message interface {
	ID() string
	Data() []byte
	Ack()
	Nack()
}

// Receiver is a subscription that can be (re)created and pulled from.
type Receiver interface {
	// Ensure creates the topic and subscription when they do not exist.
	Ensure(ctx context.Context) error
	// Receive blocks delivering messages to f until ctx is done or the
	// subscription fails.
	Receive(ctx context.Context, f func(ctx context.Context, msg Message)) error
}

// Dispatcher acts on a parsed notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, n Notification) error

func (f DispatcherFunc) Dispatch(ctx context.Context, n Notification) error { return f(ctx, n) }

// Options tune the manager.
type Options struct {
	Backoff      retry.Config
	DrainTimeout time.Duration
	MaxInFlight  int
}

// Manager keeps one subscription alive and hands its notifications to a
// Dispatcher. Receive failures never escape Run; they move the subscription
// to Error and it is re-established after a backoff.
type Manager struct {
	name       string
	receiver   Receiver
	dispatcher Dispatcher
	opts       Options

	mu    sync.RWMutex
	state State

	slots chan struct{}

	// life guards the dispatch generation. Drain closes it; Run opens a new
	// one, so a drained manager can be started again.
	life     sync.RWMutex
	closed   bool
	inflight *sync.WaitGroup
	dctx     context.Context
	cancel   context.CancelFunc
}

// NewManager creates a manager for the named subscription.
func NewManager(name string, receiver Receiver, dispatcher Dispatcher, opts Options) *Manager {
	if opts.Backoff.BaseDelay <= 0 {
		opts.Backoff = retry.SubscriptionConfig()
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 16
	}

	dctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		name:       name,
		receiver:   receiver,
		dispatcher: dispatcher,
		opts:       opts,
		slots:      make(chan struct{}, opts.MaxInFlight),
		inflight:   &sync.WaitGroup{},
		dctx:       dctx,
		cancel:     cancel,
	}
	m.setState(StateUnsubscribed)
	return m
}

// State returns the current subscription state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.SubscriptionState.WithLabelValues(m.name, string(st)).Set(v)
	}
	if prev != s {
		log.Debug().Str("subscription", m.name).Str("from", string(prev)).Str("to", string(s)).Msg("subscription state")
	}
}

// Run subscribes and receives until ctx is done, then drains in-flight
// dispatches for at most the drain timeout.
func (m *Manager) Run(ctx context.Context) error {
	if m.receiver == nil {
		return errors.New("pubsub manager has no receiver")
	}

	m.open()
	m.setState(StateSubscribing)
	attempt := 0

	for ctx.Err() == nil {
		err := m.receiver.Ensure(ctx)
		if err == nil {
			m.setState(StateActive)
			log.Info().Str("subscription", m.name).Msg("subscription active")
			started := time.Now()
			err = m.receiver.Receive(ctx, m.receive)
			if ctx.Err() != nil {
				break
			}
			if err == nil {
				err = errors.New("receive ended unexpectedly")
			}
			// A long healthy session starts the backoff over.
			if time.Since(started) > m.opts.Backoff.MaxDelay {
				attempt = 0
			}
		}
		if ctx.Err() != nil {
			break
		}

		m.setState(StateError)
		delay := m.opts.Backoff.Delay(attempt)
		attempt++
		log.Error().Err(err).Str("subscription", m.name).Int("attempt", attempt).Dur("backoff", delay).Msg("subscription failed")

		if !retry.Sleep(ctx, delay) {
			break
		}
		m.setState(StateResubscribing)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), m.opts.DrainTimeout)
	defer cancel()
	if err := m.Drain(drainCtx); err != nil {
		log.Warn().Err(err).Str("subscription", m.name).Msg("abandoning in-flight notifications")
	}
	m.setState(StateUnsubscribed)
	return nil
}

func (m *Manager) receive(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("subscription", m.name).Str("message_id", msg.ID()).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("notification handler panicked")
			msg.Ack()
		}
	}()

	if err := m.Deliver(ctx, msg.ID(), msg.Data()); err != nil {
		if errors.Is(err, context.Canceled) {
			msg.Nack()
			return
		}
		// Unparseable messages are acknowledged so they are not redelivered.
		log.Warn().Err(err).Str("subscription", m.name).Str("message_id", msg.ID()).Msg("dropping notification")
	}
	msg.Ack()
}

// Deliver parses data and hands the notification to the dispatcher in the
// background. It returns once the hand-off happened; parse errors are
// returned and nothing is dispatched. ctx only bounds the wait for a free
// dispatch slot.
func (m *Manager) Deliver(ctx context.Context, id string, data []byte) error {
	n, err := ParseNotification(data)
	if err != nil {
		metrics.EventsFailed.WithLabelValues("gmail", "validation").Inc()
		return err
	}
	metrics.EventsReceived.WithLabelValues("gmail").Inc()

	m.life.RLock()
	dctx, closed := m.dctx, m.closed
	m.life.RUnlock()
	if closed {
		return context.Canceled
	}

	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-dctx.Done():
		return context.Canceled
	}

	// Drain may have closed the generation while this call waited for a slot.
	m.life.RLock()
	if m.closed || m.dctx != dctx {
		m.life.RUnlock()
		<-m.slots
		return context.Canceled
	}
	inflight := m.inflight
	inflight.Add(1)
	m.life.RUnlock()

	go func() {
		defer inflight.Done()
		defer func() { <-m.slots }()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("message_id", id).Interface("panic", r).Msg("notification dispatch panicked")
			}
		}()

		log.Debug().Str("message_id", id).Str("email", n.EmailAddress).Uint64("history_id", n.HistoryID).Msg("gmail notification")
		if err := m.dispatcher.Dispatch(dctx, *n); err != nil {
			metrics.EventsFailed.WithLabelValues("gmail", "dispatch").Inc()
			log.Error().Err(err).Str("message_id", id).Str("email", n.EmailAddress).Msg("failed to dispatch notification")
		}
	}()
	return nil
}

// Drain stops accepting deliveries and waits for in-flight dispatches. When
// ctx ends first the remaining dispatches are cancelled; the next
// notification for the mailbox picks up their changes from the stored cursor.
// Deliver returns context.Canceled until Run starts again.
func (m *Manager) Drain(ctx context.Context) error {
	m.life.Lock()
	m.closed = true
	inflight, cancel := m.inflight, m.cancel
	m.life.Unlock()

	done := make(chan struct{})
	go func() {
		inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		cancel()
		return fmt.Errorf("drain: %w", ctx.Err())
	}
}

// open starts a new dispatch generation if the previous one was drained.
func (m *Manager) open() {
	m.life.Lock()
	defer m.life.Unlock()
	if !m.closed {
		return
	}
	m.cancel()
	m.closed = false
	m.inflight = &sync.WaitGroup{}
	m.dctx, m.cancel = context.WithCancel(context.Background())
}
