package omnibox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultPollInterval is the fallback refresh cadence.
const DefaultPollInterval = 30 * time.Second

// Poller is the self-healing backstop: it runs a silent full refresh on a
// fixed cadence regardless of push health, so a silently degraded channel
// (half-open, no disconnect ever fired) still converges within one interval.
type Poller struct {
	inbox    *Inbox
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	running bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollInterval overrides the refresh cadence.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithPollLogger attaches a structured logger to the poller.
func WithPollLogger(l *zap.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// NewPoller creates a poller for an inbox.
func NewPoller(inbox *Inbox, opts ...PollerOption) *Poller {
	p := &Poller{
		inbox:    inbox,
		logger:   inbox.logger,
		interval: DefaultPollInterval,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start schedules the silent refresh. Idempotent.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	c := cron.New()
	entry, err := c.AddFunc(fmt.Sprintf("@every %s", p.interval), p.poll)
	if err != nil {
		return fmt.Errorf("schedule poll: %w", err)
	}
	p.cron = c
	p.entry = entry
	p.running = true
	c.Start()
	p.logger.Info("poll fallback started", zap.Duration("interval", p.interval))
	return nil
}

// Stop halts the schedule, waiting for an in-flight poll to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.running = false
	p.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// RefreshNow runs a user-triggered refresh immediately, bypassing the
// interval. Unlike the scheduled polls it is not silent.
func (p *Poller) RefreshNow(ctx context.Context) error {
	return p.inbox.Refresh(ctx)
}

// poll runs one silent refresh. Silent means no loading indicator and no
// interference with in-flight optimistic writes; failures degrade to the
// inbox's passive error flag.
func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.inbox.refresh(ctx, true); err != nil {
		p.logger.Debug("poll refresh failed", zap.Error(err))
	}
}
