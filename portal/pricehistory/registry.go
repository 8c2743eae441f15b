package pricehistory

import (
	"context"
	"sync"
	"time"
)

// Registry owns one poller per sale token, started on first use and
// stopped once nobody has asked for it within the idle TTL.
type Registry struct {
	fetcher Fetcher
	config  PollerConfig
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pollers map[string]*Poller
	closed  bool

	janitorDone chan struct{}
}

// NewRegistry creates a registry whose pollers live until Close or until ctx is done.
func NewRegistry(ctx context.Context, fetcher Fetcher, config PollerConfig) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		fetcher:     fetcher,
		config:      config.withDefaults(),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		pollers:     make(map[string]*Poller),
		janitorDone: make(chan struct{}),
	}
	go r.janitor()
	return r
}

// janitor sweeps idle pollers every half TTL.
func (r *Registry) janitor() {
	defer close(r.janitorDone)

	interval := r.config.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				log.Debug().Int("stopped", n).Int("running", r.Len()).Msg("Stopped idle price history pollers")
			}
		}
	}
}

// Poller returns the running poller for token, starting it if needed.
// The bool is false when the registry is closed.
func (r *Registry) Poller(token string) (*Poller, bool) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false
	}
	if p, ok := r.pollers[token]; ok {
		p.touch(now)
		return p, true
	}

	p := NewPoller(r.fetcher, token, r.config)
	p.touch(now)
	r.pollers[token] = p
	p.Start(r.ctx)
	log.Info().Str("token", token).Dur("interval", p.config.RefreshInterval).Msg("Started price history poller")
	return p, true
}

// Len returns the number of running pollers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pollers)
}

// Sweep stops pollers idle for longer than the TTL and returns how many it stopped.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.config.IdleTTL)

	r.mu.Lock()
	var idle []*Poller
	for token, p := range r.pollers {
		if p.idleSince().Before(cutoff) {
			idle = append(idle, p)
			delete(r.pollers, token)
		}
	}
	r.mu.Unlock()

	for _, p := range idle {
		p.Stop()
	}
	return len(idle)
}

// Close stops the janitor and every poller.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pollers := r.pollers
	r.pollers = map[string]*Poller{}
	r.mu.Unlock()

	r.cancel()
	<-r.janitorDone
	for _, p := range pollers {
		p.Stop()
	}
}
