package webhook

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/convosync/internal/apiclient"
	"github.com/Martian-dev/convosync/internal/metrics"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("webhook processor is shut down")

// Handler processes one delivery for a platform.
type Handler interface {
	Handle(ctx context.Context, body []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, body []byte) error

func (f HandlerFunc) Handle(ctx context.Context, body []byte) error { return f(ctx, body) }

// Retrier parks deliveries that failed for a reason that may go away.
type Retrier interface {
	Enqueue(ctx context.Context, source string, payload []byte, lastError string) error
}

// Config sizes the worker pool.
type Config struct {
	Workers   int `koanf:"workers"`
	QueueSize int `koanf:"queue_size"`
}

// DefaultConfig returns the pool size used when none is configured.
func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 256}
}

type delivery struct {
	source string
	body   []byte
}

// Processor decouples webhook acknowledgement from event processing.
// Deliveries go to a bounded channel served by a fixed set of workers.
type Processor struct {
	handlers map[string]Handler
	retrier  Retrier

	events chan delivery
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewProcessor starts the workers. handlers is keyed by source name.
func NewProcessor(handlers map[string]Handler, retrier Retrier, cfg Config) *Processor {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		handlers: handlers,
		retrier:  retrier,
		events:   make(chan delivery, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit hands a delivery to the workers without blocking. When the channel
// is full the delivery goes straight to the retry queue.
func (p *Processor) Submit(source string, body []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	metrics.EventsReceived.WithLabelValues(source).Inc()

	select {
	case p.events <- delivery{source: source, body: body}:
		return nil
	default:
		log.Warn().Str("source", source).Msg("webhook queue full, parking delivery")
		return p.park(delivery{source: source, body: body}, errors.New("processing queue full"))
	}
}

// Process handles one delivery synchronously. The retry queue calls this
// when it redelivers.
func (p *Processor) Process(ctx context.Context, source string, body []byte) (err error) {
	h, ok := p.handlers[source]
	if !ok {
		return fmt.Errorf("unknown webhook source %q: %w", source, apiclient.ErrValidation)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("source", source).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("webhook handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, body)
}

// Shutdown stops accepting deliveries and waits for the workers to drain
// the channel. When ctx ends first, in-flight handlers are cancelled and
// whatever is still buffered is parked in the retry queue.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for d := range p.events {
		if p.ctx.Err() != nil {
			p.park(d, p.ctx.Err())
			continue
		}
		p.handle(d)
	}
}

func (p *Processor) handle(d delivery) {
	start := time.Now()
	err := p.Process(p.ctx, d.source, d.body)
	if err == nil {
		log.Debug().Str("source", d.source).Dur("took", time.Since(start)).Msg("webhook processed")
		return
	}

	// A delivery carries many changes; it is dropped only when none of its
	// failures can be retried.
	switch {
	case !apiclient.IsPermanent(err):
		metrics.EventsFailed.WithLabelValues(d.source, "transient").Inc()
		log.Warn().Err(err).Str("source", d.source).Msg("webhook processing failed, queueing for retry")
		p.park(d, err)
	case apiclient.IsAuth(err):
		metrics.EventsFailed.WithLabelValues(d.source, "auth").Inc()
		log.Error().Err(err).Str("source", d.source).Msg("webhook delivery needs re-authorization, dropping")
	default:
		metrics.EventsFailed.WithLabelValues(d.source, "validation").Inc()
		log.Warn().Err(err).Str("source", d.source).Msg("dropping malformed webhook delivery")
	}
}

func (p *Processor) park(d delivery, cause error) error {
	if p.retrier == nil {
		log.Error().Err(cause).Str("source", d.source).Msg("no retry queue, delivery lost")
		return cause
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.retrier.Enqueue(ctx, d.source, d.body, cause.Error()); err != nil {
		log.Error().Err(err).Str("source", d.source).Msg("failed to park webhook delivery")
		return err
	}
	metrics.RetryQueued.WithLabelValues("enqueued").Inc()
	return nil
}
