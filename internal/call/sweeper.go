package call

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Sweeper periodically removes expired invitations so they are never
// surfaced as incoming calls.
type Sweeper struct {
	record   *InvitationRecord
	clock    clock.Clock
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(record *InvitationRecord, clk clock.Clock, interval time.Duration, log *zap.Logger) *Sweeper {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{record: record, clock: clk, interval: interval, log: log.With(zap.String("component", "invitation_sweeper"))}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.record.Sweep(ctx)
			if err != nil {
				s.log.Warn("invitation sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Debug("expired invitations removed", zap.Int64("count", n))
			}
		}
	}
}
