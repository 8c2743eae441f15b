// Package swap keeps the two linked amount fields of a swap form consistent with the
// pair contract's simulation queries.
//
// One field is the driver at any instant; the other is derived from the latest simulation.
// Edits are debounced, and every edit takes the next value of a sequence counter. A simulation
// result is applied only if its sequence is still the latest one issued, so a slow earlier
// request can never overwrite the answer to a later one.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/amount"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/models"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "swap").Logger()
}

// DefaultDebounce is the keystroke burst window.
const DefaultDebounce = 300 * time.Millisecond

var (
	// ErrClosed is returned by every mutation after Close.
	ErrClosed = errors.New("swap synchronizer closed")
	// ErrUnknownAsset is returned when selecting an asset that is not part of the pair.
	ErrUnknownAsset = errors.New("asset is not part of the pair")
)

// Simulator is the chain query surface the synchronizer needs.
type Simulator interface {
	Simulate(ctx context.Context, pairAddr string, offerAmount *big.Int, offerInfo models.AssetInfo) (models.SimulationResult, error)
	ReverseSimulate(ctx context.Context, pairAddr string, askAmount *big.Int, askInfo models.AssetInfo) (models.ReverseSimulationResult, error)
}

// request is one debounced simulation.
type request struct {
	seq         uint64
	driver      Field
	amount      *big.Int
	info        models.AssetInfo
	outDecimals int32
}

// Synchronizer reconciles the "from" and "to" fields of one swap form.
type Synchronizer struct {
	sim      Simulator
	pairAddr string
	debounce time.Duration
	timeout  time.Duration
	metrics  *metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	usdRate   decimal.Decimal
	seq       uint64
	timer     *time.Timer
	closed    bool
	listeners []func(State)

	pending sync.WaitGroup
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithDebounce sets the keystroke burst window. Zero dispatches every edit immediately.
func WithDebounce(d time.Duration) Option {
	return func(s *Synchronizer) {
		s.debounce = d
	}
}

// WithTimeout bounds each simulation call. Zero leaves it to the simulator.
func WithTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		s.timeout = d
	}
}

// WithUSDRate sets the USD value of one whole native token.
func WithUSDRate(rate decimal.Decimal) Option {
	return func(s *Synchronizer) {
		s.usdRate = rate
	}
}

// New creates a synchronizer for a pair. The native asset starts as the offer side
// and "from" as the driver.
func New(sim Simulator, pairAddr string, native, token models.Asset, opts ...Option) *Synchronizer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		sim:      sim,
		pairAddr: pairAddr,
		debounce: DefaultDebounce,
		metrics:  newMetrics(),
		ctx:      ctx,
		cancel:   cancel,
		state: State{
			Offer:  native,
			Ask:    token,
			Driver: FieldFrom,
			Status: StatusIdle,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PairAddress returns the pair contract this synchronizer simulates against.
func (s *Synchronizer) PairAddress() string {
	return s.pairAddr
}

// OnChange registers fn to receive a snapshot after every state transition.
// Snapshots may arrive out of order across goroutines; compare Version.
func (s *Synchronizer) OnChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// State returns a snapshot of the form.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SetFrom handles an edit of the "from" field.
func (s *Synchronizer) SetFrom(value string) error {
	return s.edit(FieldFrom, value)
}

// SetTo handles an edit of the "to" field.
func (s *Synchronizer) SetTo(value string) error {
	return s.edit(FieldTo, value)
}

// SetUSDRate updates the native token USD rate used for display values.
func (s *Synchronizer) SetUSDRate(rate decimal.Decimal) {
	s.mu.Lock()
	s.usdRate = rate
	s.state.Version++
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snapshot)
}

// SelectOfferAsset changes the asset on the "from" side. The "to" side becomes the
// other pair asset and the last driven field is simulated again at the new precision.
func (s *Synchronizer) SelectOfferAsset(info models.AssetInfo) error {
	return s.selectAsset(FieldFrom, info)
}

// SelectAskAsset changes the asset on the "to" side.
func (s *Synchronizer) SelectAskAsset(info models.AssetInfo) error {
	return s.selectAsset(FieldTo, info)
}

// Wait blocks until every scheduled simulation has finished or been dropped.
// Callers must stop editing before calling Wait.
func (s *Synchronizer) Wait() {
	s.pending.Wait()
}

// Close drops pending edits and cancels in-flight simulations.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimerLocked()
	s.cancel()
	s.mu.Unlock()

	s.pending.Wait()
}

func (s *Synchronizer) edit(field Field, value string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	var base *big.Int
	if !amount.IsZero(value) {
		var err error
		base, err = amount.ToBaseUnits(value, s.decimalsLocked(field))
		if err != nil {
			s.mu.Unlock()
			return err
		}
	}

	s.setFieldLocked(field, value)
	s.state.Driver = field
	s.scheduleLocked(base)
	s.state.Version++
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
	return nil
}

func (s *Synchronizer) selectAsset(side Field, info models.AssetInfo) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	current, other := s.state.Offer, s.state.Ask
	if side == FieldTo {
		current, other = s.state.Ask, s.state.Offer
	}
	switch {
	case models.SameAsset(info, current.Info):
		s.mu.Unlock()
		return nil
	case !models.SameAsset(info, other.Info):
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAsset, info.Key())
	}

	s.state.Offer, s.state.Ask = s.state.Ask, s.state.Offer

	driver := s.state.Driver
	value := s.fieldLocked(driver)

	var base *big.Int
	var convErr error
	if !amount.IsZero(value) {
		base, convErr = amount.ToBaseUnits(value, s.decimalsLocked(driver))
	}
	if convErr != nil {
		// the typed value no longer fits; drop in-flight work but keep the derived field
		s.seq++
		s.state.Seq = s.seq
		s.stopTimerLocked()
		s.state.Status = StatusIdle
		s.state.Notice = convErr.Error()
	} else {
		s.scheduleLocked(base)
	}
	s.state.Version++
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	log.Debug().
		Str("pair", s.pairAddr).
		Str("offer", snapshot.Offer.Symbol).
		Str("ask", snapshot.Ask.Symbol).
		Str("driver", driver.String()).
		Msg("Asset selection changed")

	s.notify(snapshot)
	return convErr
}

// scheduleLocked takes the next sequence number and debounces a simulation of base in
// the current driver direction. A nil or zero base clears the derived field instead.
func (s *Synchronizer) scheduleLocked(base *big.Int) {
	s.seq++
	s.state.Seq = s.seq
	s.stopTimerLocked()

	driver := s.state.Driver
	if base == nil || base.Sign() == 0 {
		s.setFieldLocked(driver.Other(), "")
		s.state.Status = StatusIdle
		s.state.Notice = ""
		return
	}

	req := request{
		seq:    s.seq,
		driver: driver,
		amount: base,
	}
	if driver == FieldFrom {
		req.info = s.state.Offer.Info
		req.outDecimals = s.state.Ask.Decimals
	} else {
		req.info = s.state.Ask.Info
		req.outDecimals = s.state.Offer.Decimals
	}
	s.state.Status = StatusAwaiting

	s.pending.Add(1)
	if s.debounce <= 0 {
		go s.dispatch(req)
		return
	}
	s.timer = time.AfterFunc(s.debounce, func() { s.dispatch(req) })
}

func (s *Synchronizer) stopTimerLocked() {
	if s.timer != nil && s.timer.Stop() {
		s.pending.Done()
	}
	s.timer = nil
}

func (s *Synchronizer) dispatch(req request) {
	defer s.pending.Done()

	s.mu.Lock()
	if s.closed || req.seq != s.seq {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var out *big.Int
	var err error
	switch req.driver {
	case FieldFrom:
		var res models.SimulationResult
		res, err = s.sim.Simulate(ctx, s.pairAddr, req.amount, req.info)
		out = res.ReturnAmount
	case FieldTo:
		var res models.ReverseSimulationResult
		res, err = s.sim.ReverseSimulate(ctx, s.pairAddr, req.amount, req.info)
		out = res.OfferAmount
	}
	if err == nil && out == nil {
		err = errors.New("simulation returned no amount")
	}

	s.apply(req, out, err)
}

func (s *Synchronizer) apply(req request, out *big.Int, err error) {
	s.mu.Lock()
	if s.closed || req.seq != s.seq {
		latest := s.seq
		s.mu.Unlock()
		s.metrics.record(s.ctx, req.driver, outcomeSuperseded)
		log.Debug().
			Uint64("seq", req.seq).
			Uint64("latest", latest).
			Msg("Dropping superseded simulation result")
		return
	}

	if err != nil {
		s.state.Status = StatusIdle
		s.state.Notice = fmt.Sprintf("Could not estimate %s amount: %v", req.driver.Other(), err)
	} else {
		s.setFieldLocked(req.driver.Other(), amount.FromBaseUnits(out, req.outDecimals))
		s.state.Status = StatusApplied
		s.state.Notice = ""
	}
	s.state.Version++
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err != nil {
		s.metrics.record(s.ctx, req.driver, outcomeFailed)
		log.Warn().Err(err).
			Str("pair", s.pairAddr).
			Str("direction", req.driver.Direction()).
			Str("amount", req.amount.String()).
			Msg("Simulation failed")
	} else {
		s.metrics.record(s.ctx, req.driver, outcomeApplied)
	}
	s.notify(snapshot)
}

func (s *Synchronizer) notify(snapshot State) {
	s.mu.Lock()
	listeners := make([]func(State), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

func (s *Synchronizer) decimalsLocked(field Field) int32 {
	if field == FieldFrom {
		return s.state.Offer.Decimals
	}
	return s.state.Ask.Decimals
}

func (s *Synchronizer) fieldLocked(field Field) string {
	if field == FieldFrom {
		return s.state.From
	}
	return s.state.To
}

func (s *Synchronizer) setFieldLocked(field Field, value string) {
	if field == FieldFrom {
		s.state.From = value
	} else {
		s.state.To = value
	}
}

func (s *Synchronizer) snapshotLocked() State {
	snapshot := s.state
	snapshot.FromUSD = usdDisplay(snapshot.Offer, snapshot.From, s.usdRate)
	snapshot.ToUSD = usdDisplay(snapshot.Ask, snapshot.To, s.usdRate)
	return snapshot
}

func usdDisplay(asset models.Asset, value string, rate decimal.Decimal) string {
	if rate.IsZero() || !models.IsNative(asset.Info) {
		return ""
	}
	v, ok := amount.USDValue(value, rate)
	if !ok {
		return ""
	}
	return amount.FormatUSD(v)
}
