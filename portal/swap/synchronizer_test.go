package swap_test

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/amount"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/models"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/swap"
	"github.com/shopspring/decimal"
	"github.com/zeebo/assert"
)

var (
	ust = models.NewNativeAsset("uusd", "UST")
	foo = models.NewTokenAsset("terra1foo", models.TokenInfo{Name: "Foo", Symbol: "FOO", Decimals: 5})
)

type simCall struct {
	amount string
	info   models.AssetInfo
}

type fakeSimulator struct {
	mu      sync.Mutex
	forward []simCall
	reverse []simCall

	simulate        func(ctx context.Context, amount *big.Int, info models.AssetInfo) (*big.Int, error)
	reverseSimulate func(ctx context.Context, amount *big.Int, info models.AssetInfo) (*big.Int, error)
}

func (f *fakeSimulator) Simulate(ctx context.Context, _ string, amount *big.Int, info models.AssetInfo) (models.SimulationResult, error) {
	f.mu.Lock()
	f.forward = append(f.forward, simCall{amount: amount.String(), info: info})
	f.mu.Unlock()

	out, err := f.simulate(ctx, amount, info)
	if err != nil {
		return models.SimulationResult{}, err
	}
	return models.SimulationResult{ReturnAmount: out, SpreadAmount: new(big.Int), CommissionAmount: new(big.Int)}, nil
}

func (f *fakeSimulator) ReverseSimulate(ctx context.Context, _ string, amount *big.Int, info models.AssetInfo) (models.ReverseSimulationResult, error) {
	f.mu.Lock()
	f.reverse = append(f.reverse, simCall{amount: amount.String(), info: info})
	f.mu.Unlock()

	out, err := f.reverseSimulate(ctx, amount, info)
	if err != nil {
		return models.ReverseSimulationResult{}, err
	}
	return models.ReverseSimulationResult{OfferAmount: out, SpreadAmount: new(big.Int), CommissionAmount: new(big.Int)}, nil
}

func (f *fakeSimulator) calls() (forward, reverse []simCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]simCall(nil), f.forward...), append([]simCall(nil), f.reverse...)
}

func fixed(v int64) func(context.Context, *big.Int, models.AssetInfo) (*big.Int, error) {
	return func(context.Context, *big.Int, models.AssetInfo) (*big.Int, error) {
		return big.NewInt(v), nil
	}
}

func unexpected(t *testing.T, name string) func(context.Context, *big.Int, models.AssetInfo) (*big.Int, error) {
	return func(context.Context, *big.Int, models.AssetInfo) (*big.Int, error) {
		t.Errorf("unexpected %s call", name)
		return big.NewInt(0), nil
	}
}

func newSync(t *testing.T, sim swap.Simulator, opts ...swap.Option) *swap.Synchronizer {
	t.Helper()
	opts = append([]swap.Option{swap.WithDebounce(0)}, opts...)
	s := swap.New(sim, "terra1pair", ust, foo, opts...)
	t.Cleanup(s.Close)
	return s
}

func TestForwardSimulation(t *testing.T) {
	sim := &fakeSimulator{
		simulate:        fixed(210000000),
		reverseSimulate: unexpected(t, "reverse"),
	}
	s := newSync(t, sim, swap.WithUSDRate(decimal.RequireFromString("0.99")))

	assert.NoError(t, s.SetFrom("42"))
	s.Wait()

	forward, reverse := sim.calls()
	assert.Equal(t, len(forward), 1)
	assert.Equal(t, len(reverse), 0)
	assert.Equal(t, forward[0].amount, "42000000")
	assert.True(t, models.SameAsset(forward[0].info, ust.Info))

	st := s.State()
	assert.Equal(t, st.From, "42")
	assert.Equal(t, st.To, "2100")
	assert.Equal(t, st.Driver, swap.FieldFrom)
	assert.Equal(t, st.Status, swap.StatusApplied)
	assert.Equal(t, st.FromUSD, "$41.58")
	assert.Equal(t, st.ToUSD, "")
}

func TestReverseSimulation(t *testing.T) {
	sim := &fakeSimulator{
		simulate:        unexpected(t, "forward"),
		reverseSimulate: fixed(42000000),
	}
	s := newSync(t, sim)

	assert.NoError(t, s.SetTo("7"))
	s.Wait()

	_, reverse := sim.calls()
	assert.Equal(t, len(reverse), 1)
	assert.Equal(t, reverse[0].amount, "700000")
	assert.True(t, models.SameAsset(reverse[0].info, foo.Info))

	st := s.State()
	assert.Equal(t, st.From, "42")
	assert.Equal(t, st.To, "7")
	assert.Equal(t, st.Driver, swap.FieldTo)
	assert.Equal(t, st.Status, swap.StatusApplied)
}

func TestReverseSimulationSmallOffer(t *testing.T) {
	sim := &fakeSimulator{
		simulate:        unexpected(t, "forward"),
		reverseSimulate: fixed(1000),
	}
	s := newSync(t, sim)

	assert.NoError(t, s.SetTo("1"))
	s.Wait()

	_, reverse := sim.calls()
	assert.Equal(t, reverse[0].amount, "100000")
	assert.Equal(t, s.State().From, "0.001")
}

func TestOfferAssetChangeResimulates(t *testing.T) {
	sim := &fakeSimulator{
		simulate: func(_ context.Context, _ *big.Int, info models.AssetInfo) (*big.Int, error) {
			if models.IsNative(info) {
				return big.NewInt(210000000), nil
			}
			return big.NewInt(1000000), nil
		},
		reverseSimulate: unexpected(t, "reverse"),
	}
	s := newSync(t, sim)

	assert.NoError(t, s.SetFrom("7"))
	s.Wait()
	assert.Equal(t, s.State().To, "2100")

	assert.NoError(t, s.SelectOfferAsset(foo.Info))
	s.Wait()

	forward, _ := sim.calls()
	assert.Equal(t, len(forward), 2)
	assert.Equal(t, forward[1].amount, "700000")
	assert.True(t, models.SameAsset(forward[1].info, foo.Info))

	st := s.State()
	assert.Equal(t, st.Offer.Symbol, "FOO")
	assert.Equal(t, st.Ask.Symbol, "UST")
	assert.Equal(t, st.From, "7")
	assert.Equal(t, st.To, "1")
}

func TestAskAssetChangeResimulates(t *testing.T) {
	sim := &fakeSimulator{
		simulate: unexpected(t, "forward"),
		reverseSimulate: func(_ context.Context, _ *big.Int, info models.AssetInfo) (*big.Int, error) {
			if models.IsNative(info) {
				return big.NewInt(1000), nil
			}
			return big.NewInt(100000000), nil
		},
	}
	s := newSync(t, sim)

	assert.NoError(t, s.SetTo("1"))
	s.Wait()
	assert.Equal(t, s.State().From, "100")

	assert.NoError(t, s.SelectAskAsset(ust.Info))
	s.Wait()

	_, reverse := sim.calls()
	assert.Equal(t, len(reverse), 2)
	assert.Equal(t, reverse[0].amount, "100000")
	assert.Equal(t, reverse[1].amount, "1000000")
	assert.True(t, models.SameAsset(reverse[1].info, ust.Info))

	st := s.State()
	assert.Equal(t, st.Offer.Symbol, "FOO")
	assert.Equal(t, st.From, "0.01")
	assert.Equal(t, st.To, "1")
}

func TestSelectSameAssetIsNoop(t *testing.T) {
	sim := &fakeSimulator{simulate: fixed(1), reverseSimulate: fixed(1)}
	s := newSync(t, sim)

	before := s.State()
	assert.NoError(t, s.SelectOfferAsset(ust.Info))
	after := s.State()
	assert.Equal(t, after.Seq, before.Seq)
	assert.Equal(t, after.Offer.Symbol, "UST")
}

func TestSelectUnknownAsset(t *testing.T) {
	sim := &fakeSimulator{simulate: fixed(1), reverseSimulate: fixed(1)}
	s := newSync(t, sim)

	err := s.SelectAskAsset(models.NativeToken{Denom: "ukrw"})
	assert.True(t, errors.Is(err, swap.ErrUnknownAsset))
	assert.Equal(t, s.State().Ask.Symbol, "FOO")
}

func TestLateResultForOlderEditIsIgnored(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	sim := &fakeSimulator{
		simulate: func(_ context.Context, amount *big.Int, _ models.AssetInfo) (*big.Int, error) {
			started <- struct{}{}
			if amount.String() == "1000000" {
				<-release
				return big.NewInt(100000), nil
			}
			return big.NewInt(200000), nil
		},
		reverseSimulate: unexpected(t, "reverse"),
	}
	s := newSync(t, sim)

	assert.NoError(t, s.SetFrom("1"))
	<-started
	assert.NoError(t, s.SetFrom("2"))
	<-started

	waitFor(t, s, func(st swap.State) bool { return st.Status == swap.StatusApplied })
	assert.Equal(t, s.State().To, "2")

	close(release)
	s.Wait()

	st := s.State()
	assert.Equal(t, st.From, "2")
	assert.Equal(t, st.To, "2")
}

func TestEarlyResultForOlderEditIsIgnored(t *testing.T) {
	releaseFirst := make(chan struct{})
	releaseSecond := make(chan struct{})
	started := make(chan string, 2)
	sim := &fakeSimulator{
		simulate: func(_ context.Context, amount *big.Int, _ models.AssetInfo) (*big.Int, error) {
			started <- amount.String()
			if amount.String() == "1000000" {
				<-releaseFirst
				return big.NewInt(100000), nil
			}
			<-releaseSecond
			return big.NewInt(200000), nil
		},
		reverseSimulate: unexpected(t, "reverse"),
	}
	s := newSync(t, sim)

	assert.NoError(t, s.SetFrom("1"))
	assert.Equal(t, <-started, "1000000")
	assert.NoError(t, s.SetFrom("2"))
	assert.Equal(t, <-started, "2000000")

	close(releaseFirst)
	// give the stale response time to land
	time.Sleep(20 * time.Millisecond)
	st := s.State()
	assert.Equal(t, st.To, "")
	assert.Equal(t, st.Status, swap.StatusAwaiting)

	close(releaseSecond)
	s.Wait()
	assert.Equal(t, s.State().To, "2")
}

func TestDebounceCollapsesBurst(t *testing.T) {
	sim := &fakeSimulator{
		simulate:        fixed(210000000),
		reverseSimulate: unexpected(t, "reverse"),
	}
	s := newSync(t, sim, swap.WithDebounce(30*time.Millisecond))

	assert.NoError(t, s.SetFrom("4"))
	assert.NoError(t, s.SetFrom("42"))
	assert.Equal(t, s.State().Status, swap.StatusAwaiting)
	s.Wait()

	forward, _ := sim.calls()
	assert.Equal(t, len(forward), 1)
	assert.Equal(t, forward[0].amount, "42000000")
	assert.Equal(t, s.State().To, "2100")
}

func TestSelectAssetOverflowKeepsDerivedField(t *testing.T) {
	sim := &fakeSimulator{
		simulate:        unexpected(t, "forward"),
		reverseSimulate: fixed(42000000),
	}
	s := newSync(t, sim)

	// fits a Uint128 at FOO's 5 decimals but not at UST's 6
	huge := "1" + strings.Repeat("0", 33)
	assert.NoError(t, s.SetTo(huge))
	s.Wait()
	before := s.State()
	assert.Equal(t, before.From, "42")

	err := s.SelectAskAsset(ust.Info)
	assert.True(t, errors.Is(err, amount.ErrConversionOverflow))
	s.Wait()

	st := s.State()
	assert.Equal(t, st.Ask.Symbol, "UST")
	assert.Equal(t, st.To, huge)
	assert.Equal(t, st.From, "42")
	assert.Equal(t, st.Status, swap.StatusIdle)
	assert.True(t, st.Notice != "")
	assert.True(t, st.Seq > before.Seq)

	_, reverse := sim.calls()
	assert.Equal(t, len(reverse), 1)
}

func TestFailureKeepsDerivedField(t *testing.T) {
	fail := false
	var mu sync.Mutex
	sim := &fakeSimulator{
		simulate: func(context.Context, *big.Int, models.AssetInfo) (*big.Int, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return nil, errors.New("pool is not active")
			}
			return big.NewInt(210000000), nil
		},
		reverseSimulate: unexpected(t, "reverse"),
	}
	s := newSync(t, sim)

	assert.NoError(t, s.SetFrom("42"))
	s.Wait()
	assert.Equal(t, s.State().To, "2100")

	mu.Lock()
	fail = true
	mu.Unlock()

	assert.NoError(t, s.SetFrom("43"))
	s.Wait()

	st := s.State()
	assert.Equal(t, st.From, "43")
	assert.Equal(t, st.To, "2100")
	assert.Equal(t, st.Driver, swap.FieldFrom)
	assert.Equal(t, st.Status, swap.StatusIdle)
	assert.True(t, st.Notice != "")
}

func TestEmptyInputClearsDerivedField(t *testing.T) {
	sim := &fakeSimulator{
		simulate:        fixed(210000000),
		reverseSimulate: unexpected(t, "reverse"),
	}
	s := newSync(t, sim)

	assert.NoError(t, s.SetFrom("42"))
	s.Wait()
	assert.Equal(t, s.State().To, "2100")

	assert.NoError(t, s.SetFrom(""))
	s.Wait()
	st := s.State()
	assert.Equal(t, st.To, "")
	assert.Equal(t, st.Status, swap.StatusIdle)

	assert.NoError(t, s.SetFrom("0.000"))
	s.Wait()

	forward, _ := sim.calls()
	assert.Equal(t, len(forward), 1)
}

func TestInvalidInputIsRejected(t *testing.T) {
	sim := &fakeSimulator{
		simulate:        fixed(210000000),
		reverseSimulate: unexpected(t, "reverse"),
	}
	s := newSync(t, sim)

	assert.NoError(t, s.SetFrom("42"))
	s.Wait()
	before := s.State()

	err := s.SetFrom("4x2")
	assert.True(t, errors.Is(err, amount.ErrInvalidAmount))

	after := s.State()
	assert.Equal(t, after.From, "42")
	assert.Equal(t, after.Seq, before.Seq)

	forward, _ := sim.calls()
	assert.Equal(t, len(forward), 1)
}

func TestCloseRejectsEdits(t *testing.T) {
	sim := &fakeSimulator{simulate: fixed(1), reverseSimulate: fixed(1)}
	s := swap.New(sim, "terra1pair", ust, foo)
	s.Close()

	assert.True(t, errors.Is(s.SetFrom("1"), swap.ErrClosed))
	assert.True(t, errors.Is(s.SelectAskAsset(ust.Info), swap.ErrClosed))
	forward, _ := sim.calls()
	assert.Equal(t, len(forward), 0)
}

func TestOnChangeReceivesSnapshots(t *testing.T) {
	sim := &fakeSimulator{
		simulate:        fixed(210000000),
		reverseSimulate: unexpected(t, "reverse"),
	}
	s := newSync(t, sim)

	var mu sync.Mutex
	var seen []swap.State
	s.OnChange(func(st swap.State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	assert.NoError(t, s.SetFrom("42"))
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	sort.Slice(seen, func(i, j int) bool { return seen[i].Version < seen[j].Version })
	assert.Equal(t, len(seen), 2)
	assert.Equal(t, seen[0].Status, swap.StatusAwaiting)
	assert.Equal(t, seen[1].Status, swap.StatusApplied)
	assert.True(t, seen[1].Version > seen[0].Version)
}

func waitFor(t *testing.T, s *swap.Synchronizer, cond func(swap.State) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(s.State()) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}
