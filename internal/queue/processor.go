package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/convosync/internal/apiclient"
	"github.com/Martian-dev/convosync/internal/metrics"
)

// Handler processes one redelivered event.
type Handler func(ctx context.Context, source string, payload []byte) error

// Processor redelivers due entries to a Handler.
type Processor struct {
	queue         *Queue
	handler       Handler
	checkInterval time.Duration
	batchSize     int
}

// ProcessorConfig holds processor configuration.
type ProcessorConfig struct {
	CheckInterval time.Duration `koanf:"check_interval"`
	BatchSize     int           `koanf:"batch_size"`
}

// DefaultProcessorConfig returns sensible defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		CheckInterval: 5 * time.Second,
		BatchSize:     20,
	}
}

// NewProcessor creates a queue processor.
func NewProcessor(q *Queue, handler Handler, cfg ProcessorConfig) *Processor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultProcessorConfig().CheckInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultProcessorConfig().BatchSize
	}
	return &Processor{
		queue:         q,
		handler:       handler,
		checkInterval: cfg.CheckInterval,
		batchSize:     cfg.BatchSize,
	}
}

// Run processes due entries on every tick until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", p.checkInterval).Int("batch_size", p.batchSize).Msg("retry queue processor started")

	p.ProcessNow(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retry queue processor stopped")
			return
		case <-ticker.C:
			p.ProcessNow(ctx)
		}
	}
}

// ProcessNow runs one pass over the due entries.
func (p *Processor) ProcessNow(ctx context.Context) {
	if n, err := p.queue.PurgeExpired(ctx); err != nil {
		log.Error().Err(err).Msg("failed to purge expired events")
	} else if n > 0 {
		metrics.RetryQueued.WithLabelValues("expired").Add(float64(n))
	}

	entries, err := p.queue.Pending(ctx, p.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to get pending events")
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}

		err := p.handler(ctx, e.Source, e.Payload)
		switch {
		case err == nil:
			metrics.RetryQueued.WithLabelValues("succeeded").Inc()
			if err := p.queue.Remove(ctx, e.ID); err != nil {
				log.Error().Err(err).Int64("id", e.ID).Msg("failed to remove processed event")
			}
		case apiclient.IsPermanent(err):
			// Retrying cannot fix a malformed payload or a revoked credential.
			metrics.RetryQueued.WithLabelValues("dropped").Inc()
			log.Warn().Err(err).Int64("id", e.ID).Str("source", e.Source).Msg("dropping queued event")
			if err := p.queue.Remove(ctx, e.ID); err != nil {
				log.Error().Err(err).Int64("id", e.ID).Msg("failed to remove dropped event")
			}
		default:
			metrics.RetryQueued.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Int64("id", e.ID).Str("source", e.Source).Int("retries", e.Retries+1).Msg("queued event failed")
			if err := p.queue.MarkFailed(ctx, e.ID, err.Error()); err != nil {
				log.Error().Err(err).Int64("id", e.ID).Msg("failed to reschedule event")
			}
		}
	}
}

// Stats returns current queue statistics.
func (p *Processor) Stats(ctx context.Context) (*Stats, error) {
	return p.queue.Stats(ctx)
}
