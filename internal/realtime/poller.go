package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Poller is the fallback for a degraded subscription. While running it calls
// fn right away and then on every tick, and after each round asks the handle
// to reconnect. Stop it once the handle is subscribed again.
type Poller struct {
	clock    clock.Clock
	interval time.Duration
	fn       func(ctx context.Context)

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewPoller(clk clock.Clock, interval time.Duration, fn func(ctx context.Context)) *Poller {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{clock: clk, interval: interval, fn: fn}
}

// Start begins polling on behalf of h. It reports false when already running.
func (p *Poller) Start(h *Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return false
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	ticker := p.clock.Ticker(p.interval)
	go p.run(h, ticker, p.stop, p.done)
	return true
}

// Stop ends polling and waits for an in-flight round. It reports whether the
// poller was running.
func (p *Poller) Stop() bool {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()
	if stop == nil {
		return false
	}
	close(stop)
	<-done
	return true
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stop != nil
}

func (p *Poller) run(h *Handle, ticker *clock.Ticker, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	p.round(h, stop)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.round(h, stop)
		}
	}
}

func (p *Poller) round(h *Handle, stop chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	p.fn(ctx)
	if ctx.Err() == nil && h != nil {
		h.Reset()
	}
}
