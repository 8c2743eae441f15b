package pricehistory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// PollerConfig controls the refresh cadence and the requested window.
type PollerConfig struct {
	// RefreshInterval is the time between fetches.
	RefreshInterval time.Duration
	// Window is how far back each fetch reaches.
	Window time.Duration
	// Step is the sampling interval requested from the indexer.
	Step time.Duration
	// Timeout bounds a single fetch.
	Timeout time.Duration
	// IdleTTL is how long a registry keeps a poller nobody asked for.
	IdleTTL time.Duration
}

// DefaultPollerConfig refreshes every minute over the last hour at one minute samples.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		RefreshInterval: time.Minute,
		Window:          time.Hour,
		Step:            time.Minute,
		Timeout:         15 * time.Second,
		IdleTTL:         10 * time.Minute,
	}
}

func (c PollerConfig) withDefaults() PollerConfig {
	def := DefaultPollerConfig()
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = def.RefreshInterval
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Step <= 0 {
		c.Step = def.Step
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = def.IdleTTL
	}
	return c
}

// History is what a poller currently holds for its token.
type History struct {
	Token     string              `json:"token"`
	Points    []models.PricePoint `json:"points"`
	UpdatedAt time.Time           `json:"updated_at"`
	// LastError is the error of the most recent fetch, empty after a success.
	LastError string `json:"last_error,omitempty"`
}

// Poller refreshes the price history of one token on a fixed interval.
// A successful fetch replaces the held points wholesale, a failed one keeps them.
type Poller struct {
	fetcher Fetcher
	token   string
	config  PollerConfig
	now     func() time.Time
	polls   metric.Int64Counter

	mu        sync.RWMutex
	points    []models.PricePoint
	updatedAt time.Time
	lastErr   error

	// lastUsed is the unix nano time of the last registry lookup.
	lastUsed atomic.Int64

	readyCh   chan struct{}
	readyOnce sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func newPollCounter() metric.Int64Counter {
	polls, err := otel.Meter(instrumentationName).Int64Counter("pricehistory.polls",
		metric.WithDescription("Price history refreshes by outcome"))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create pricehistory.polls counter, metrics disabled")
		polls, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("pricehistory.polls")
	}
	return polls
}

// NewPoller creates a poller. It does nothing until Start.
func NewPoller(fetcher Fetcher, token string, config PollerConfig) *Poller {
	return &Poller{
		fetcher:   fetcher,
		token:     token,
		config:    config.withDefaults(),
		now:       time.Now,
		polls:     newPollCounter(),
		readyCh:   make(chan struct{}),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start fetches immediately and then every RefreshInterval until ctx is done or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go p.run(ctx)
	})
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.stoppedCh)
	defer p.markReady()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	_ = p.Refresh(ctx)
	p.markReady()

	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Refresh(ctx)
		}
	}
}

func (p *Poller) markReady() {
	p.readyOnce.Do(func() { close(p.readyCh) })
}

// WaitReady blocks until the first fetch after Start has finished, the poller stopped, or ctx is done.
func (p *Poller) WaitReady(ctx context.Context) error {
	select {
	case <-p.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) touch(t time.Time) {
	p.lastUsed.Store(t.UnixNano())
}

func (p *Poller) idleSince() time.Time {
	return time.Unix(0, p.lastUsed.Load())
}

// Refresh performs one fetch and applies its outcome.
func (p *Poller) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	to := p.now()
	from := to.Add(-p.config.Window)
	points, err := p.fetcher.FetchHistory(ctx, p.token, from, to, p.config.Step)

	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		return err
	}

	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	p.polls.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.lastErr = err
		log.Warn().Err(err).Str("token", p.token).Msg("Price history refresh failed, keeping previous data")
		return err
	}

	p.points = points
	p.updatedAt = to
	p.lastErr = nil
	log.Debug().Str("token", p.token).Int("points", len(points)).Msg("Price history refreshed")
	return nil
}

// History returns the currently held data.
func (p *Poller) History() History {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h := History{
		Token:     p.token,
		Points:    append([]models.PricePoint(nil), p.points...),
		UpdatedAt: p.updatedAt,
	}
	if p.lastErr != nil {
		h.LastError = p.lastErr.Error()
	}
	return h
}

// Stop ends the refresh loop and waits for it to exit.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	// a poller that never started has no loop to close stoppedCh
	p.startOnce.Do(func() {
		p.markReady()
		close(p.stoppedCh)
	})
	<-p.stoppedCh
}
