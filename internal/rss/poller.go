package rss

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// MinPollingInterval is the minimum allowed interval.
const MinPollingInterval = 15 * time.Minute

// Poller refreshes a target on a fixed schedule.
type Poller struct {
	fetcher  *Fetcher
	target   Target
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	cron *cron.Cron
	wg   sync.WaitGroup
	mu   sync.Mutex // one refresh at a time
}

// NewPoller creates a background poller. Intervals below MinPollingInterval
// are raised to it.
func NewPoller(f *Fetcher, target Target, interval time.Duration) *Poller {
	if interval < MinPollingInterval {
		interval = MinPollingInterval
	}
	return &Poller{
		fetcher:  f,
		target:   target,
		interval: interval,
		timeout:  10 * time.Minute,
		logger:   f.logger,
		cron:     cron.New(),
	}
}

// Interval returns the effective polling interval.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Start runs one refresh right away and then schedules the rest.
func (p *Poller) Start() error {
	spec := fmt.Sprintf("@every %s", p.interval)
	if _, err := p.cron.AddFunc(spec, p.poll); err != nil {
		return fmt.Errorf("schedule poller: %w", err)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.poll()
	}()
	p.cron.Start()
	p.logger.Info("poller started", "interval", p.interval.String())
	return nil
}

func (p *Poller) poll() {
	if !p.mu.TryLock() {
		p.logger.Warn("previous refresh still running, skipping")
		return
	}
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if _, err := p.fetcher.Refresh(ctx, p.target); err != nil {
		p.logger.Error("poller refresh failed", "error", err)
	}
}

// Stop stops scheduling and waits for a running refresh to finish.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
	p.wg.Wait()
}
