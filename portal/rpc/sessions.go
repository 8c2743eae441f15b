package rpc

import (
	"errors"
	"sync"
	"time"

	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/models"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/swap"
	"github.com/google/uuid"
)

var (
	errSessionNotFound  = errors.New("swap session not found")
	errTooManySessions  = errors.New("too many open swap sessions")
	errSessionStoreDone = errors.New("swap session store closed")
)

// session is one browser swap form.
type session struct {
	id     string
	pair   models.Pair
	native models.Asset
	token  models.Asset
	sync   *swap.Synchronizer

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// assetBySymbol resolves a selector value to one of the pair assets.
func (s *session) assetBySymbol(symbol string) (models.Asset, bool) {
	switch symbol {
	case s.native.Symbol, s.native.Info.Key():
		return s.native, true
	case s.token.Symbol, s.token.Info.Key():
		return s.token, true
	}
	return models.Asset{}, false
}

// sessionStore holds swap sessions and closes them after an idle TTL.
type sessionStore struct {
	ttl time.Duration
	max int
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	janitor   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func newSessionStore(ttl time.Duration, max int) *sessionStore {
	return &sessionStore{
		ttl:       ttl,
		max:       max,
		now:       time.Now,
		sessions:  make(map[string]*session),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// startJanitor sweeps idle sessions every half TTL.
func (st *sessionStore) startJanitor() {
	interval := st.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	st.mu.Lock()
	st.janitor = true
	st.mu.Unlock()
	go func() {
		defer close(st.stoppedCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-st.stopCh:
				return
			case <-ticker.C:
				if n := st.sweep(); n > 0 {
					Logger.Debug().Int("expired", n).Msg("Expired idle swap sessions")
				}
			}
		}
	}()
}

func (st *sessionStore) add(s *session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return errSessionStoreDone
	}
	if st.max > 0 && len(st.sessions) >= st.max {
		return errTooManySessions
	}
	s.id = uuid.NewString()
	s.lastSeen = st.now()
	st.sessions[s.id] = s
	return nil
}

func (st *sessionStore) get(id string) (*session, error) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	st.mu.Unlock()
	if !ok {
		return nil, errSessionNotFound
	}
	s.touch(st.now())
	return s, nil
}

func (st *sessionStore) remove(id string) error {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if !ok {
		return errSessionNotFound
	}
	s.sync.Close()
	return nil
}

func (st *sessionStore) len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// sweep closes sessions idle for longer than the TTL and returns how many it closed.
func (st *sessionStore) sweep() int {
	cutoff := st.now().Add(-st.ttl)

	st.mu.Lock()
	var expired []*session
	for id, s := range st.sessions {
		if s.idleSince().Before(cutoff) {
			expired = append(expired, s)
			delete(st.sessions, id)
		}
	}
	st.mu.Unlock()

	for _, s := range expired {
		s.sync.Close()
	}
	return len(expired)
}

// close stops the janitor and every session.
func (st *sessionStore) close() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	janitor := st.janitor
	sessions := st.sessions
	st.sessions = map[string]*session{}
	st.mu.Unlock()

	close(st.stopCh)
	if janitor {
		<-st.stoppedCh
	}
	for _, s := range sessions {
		s.sync.Close()
	}
}
