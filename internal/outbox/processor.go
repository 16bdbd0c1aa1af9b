package outbox

import (
	"context"
	"time"

	"amora-realtime/internal/domain/outbox"
	"amora-realtime/internal/events"
	"amora-realtime/internal/metrics"
	"amora-realtime/internal/realtime"
	"amora-realtime/internal/repository"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Processor publishes committed outbox rows to the realtime transport.
type Processor struct {
	repo       repository.OutboxRepository
	transport  realtime.Transport
	clock      clock.Clock
	log        *zap.Logger
	metrics    *metrics.Metrics
	batchSize  int
	interval   time.Duration
	maxRetries int
}

type ProcessorOption func(*Processor)

func WithClock(c clock.Clock) ProcessorOption { return func(p *Processor) { p.clock = c } }

func WithLogger(l *zap.Logger) ProcessorOption { return func(p *Processor) { p.log = l } }

func WithMetrics(m *metrics.Metrics) ProcessorOption { return func(p *Processor) { p.metrics = m } }

func NewProcessor(repo repository.OutboxRepository, transport realtime.Transport, batchSize int, interval time.Duration, maxRetries int, opts ...ProcessorOption) *Processor {
	p := &Processor{
		repo:       repo,
		transport:  transport,
		clock:      clock.New(),
		log:        zap.NewNop(),
		batchSize:  batchSize,
		interval:   interval,
		maxRetries: maxRetries,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(zap.String("component", "outbox"))
	return p
}

func (p *Processor) Run(ctx context.Context) {
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch publishes up to one batch of pending events and returns how
// many were delivered.
func (p *Processor) ProcessBatch(ctx context.Context) int {
	batch, err := p.repo.GetPending(ctx, p.batchSize, p.maxRetries)
	if err != nil {
		p.log.Warn("failed to load pending outbox events", zap.Error(err))
		return 0
	}

	delivered := 0
	for _, e := range batch {
		if err := p.transport.Publish(ctx, e.Topic, e.Payload); err != nil {
			p.metrics.PublishFailed(e.EventType)
			p.log.Warn("outbox publish failed",
				zap.String("event_id", e.ID.String()),
				zap.String("topic", e.Topic),
				zap.Int("attempt", e.RetryCount+1),
				zap.Error(err))
			_ = p.repo.MarkFailed(ctx, e.ID, err.Error(), p.maxRetries)
			continue
		}
		if err := p.repo.MarkCompleted(ctx, e.ID); err != nil {
			p.log.Warn("failed to mark outbox event completed", zap.String("event_id", e.ID.String()), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// NewEvent encodes event into an outbox row addressed to its topic.
func NewEvent(event events.Event, now time.Time) (*outbox.OutboxEvent, error) {
	payload, err := events.Encode(event)
	if err != nil {
		return nil, err
	}
	return &outbox.OutboxEvent{
		ID:        uuid.New(),
		EventType: string(event.Type()),
		Topic:     events.ResolveChannel(event),
		Payload:   payload,
		Status:    outbox.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
