package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjannette/trahn-copytrade/internal/executor"
	"github.com/kjannette/trahn-copytrade/internal/ledger"
	"github.com/kjannette/trahn-copytrade/internal/models"
	"github.com/kjannette/trahn-copytrade/internal/risk"
	"github.com/kjannette/trahn-copytrade/internal/scheduler"
	"github.com/kjannette/trahn-copytrade/internal/signal"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(min int) time.Time { return t0.Add(time.Duration(min) * time.Minute) }

// --- fakes ---

type fakeHistory struct {
	mu     sync.Mutex
	events map[string][]ledger.TradeEvent
	err    error
	calls  atomic.Int32
	fetches map[string]int
	// gate, when set, holds fetches until closed; entered receives one
	// value per fetch that reached the gate. gated limits the gate to one
	// wallet.
	gate    chan struct{}
	gated   string
	entered chan string
}

func (h *fakeHistory) TradeHistory(ctx context.Context, wallet string) ([]ledger.TradeEvent, error) {
	h.calls.Add(1)
	h.mu.Lock()
	if h.fetches == nil {
		h.fetches = make(map[string]int)
	}
	h.fetches[wallet]++
	h.mu.Unlock()

	if h.gate != nil && (h.gated == "" || h.gated == wallet) {
		h.entered <- wallet
		select {
		case <-h.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	return h.events[wallet], nil
}

func (h *fakeHistory) fetchCount(wallet string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fetches[wallet]
}

func (h *fakeHistory) TotalValueUSD(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(10000), nil
}

type fakeStrategies struct {
	mu      sync.Mutex
	list    []models.Strategy
	checked map[int64]*string
}

func (s *fakeStrategies) ListActive(context.Context) ([]models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Strategy(nil), s.list...), nil
}

func (s *fakeStrategies) AdvanceCheckpoint(_ context.Context, id int64, ts time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.list {
		if s.list[i].ID == id {
			if ts.After(s.list[i].LastProcessedAt) {
				s.list[i].LastProcessedAt = ts
			}
			return s.list[i].LastProcessedAt, nil
		}
	}
	return time.Time{}, errors.New("unknown strategy")
}

func (s *fakeStrategies) MarkChecked(_ context.Context, id int64, _ time.Time, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checked == nil {
		s.checked = make(map[int64]*string)
	}
	s.checked[id] = lastError
	return nil
}

func (s *fakeStrategies) checkpoint(id int64) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.list {
		if st.ID == id {
			return st.LastProcessedAt
		}
	}
	return time.Time{}
}

type fakeDispatch struct {
	mu       sync.Mutex
	outcomes map[string]models.SignalOutcome
	// script holds the outcome of successive Execute calls per signal ref;
	// an exhausted or missing script succeeds.
	script    map[string][]models.AuditStatus
	executed  []string
	skipped   map[string]string
	abandoned []string
}

func newDispatch() *fakeDispatch {
	return &fakeDispatch{
		outcomes: make(map[string]models.SignalOutcome),
		script:   make(map[string][]models.AuditStatus),
		skipped:  make(map[string]string),
	}
}

func key(id int64, ref string) string { return fmt.Sprintf("%d|%s", id, ref) }

func (f *fakeDispatch) Outcome(_ context.Context, id int64, ref string) (models.SignalOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcomes[key(id, ref)], nil
}

func (f *fakeDispatch) Execute(_ context.Context, strat models.Strategy, sig signal.Signal) (executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, sig.Ref)

	status := models.StatusSuccess
	if q := f.script[sig.Ref]; len(q) > 0 {
		status = q[0]
		f.script[sig.Ref] = q[1:]
	}
	prev := f.outcomes[key(strat.ID, sig.Ref)]
	out := models.SignalOutcome{
		SignalRef: sig.Ref,
		Status:    status,
		Blocking:  status == models.StatusFailed || status == models.StatusPending,
		Attempts:  prev.Attempts + 1,
	}
	f.outcomes[key(strat.ID, sig.Ref)] = out
	reason := ""
	if out.Blocking {
		reason = "exchange unavailable"
	}
	return executor.Result{SignalOutcome: out, Reason: reason}, nil
}

func (f *fakeDispatch) Skip(_ context.Context, strat models.Strategy, sig signal.Signal, reason string) (executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped[sig.Ref] = reason
	out := models.SignalOutcome{SignalRef: sig.Ref, Status: models.StatusSkipped, Attempts: 1}
	f.outcomes[key(strat.ID, sig.Ref)] = out
	return executor.Result{SignalOutcome: out, Reason: reason}, nil
}

func (f *fakeDispatch) Abandon(_ context.Context, strat models.Strategy, sig signal.Signal) (executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, sig.Ref)
	out := f.outcomes[key(strat.ID, sig.Ref)]
	out.Status, out.Blocking = models.StatusFailed, false
	f.outcomes[key(strat.ID, sig.Ref)] = out
	return executor.Result{SignalOutcome: out, Reason: executor.ReasonRetryBudgetExhausted}, nil
}

// CountToday makes the dispatcher the daily counter for risk.Guardian.
func (f *fakeDispatch) CountToday(_ context.Context, id int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	prefix := fmt.Sprintf("%d|", id)
	for k, o := range f.outcomes {
		if strings.HasPrefix(k, prefix) && o.Status == models.StatusSuccess {
			n++
		}
	}
	return n, nil
}

func (f *fakeDispatch) executedRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

type countingHooks struct {
	detected atomic.Int32
	outcomes atomic.Int32
}

func (h *countingHooks) SignalDetected(models.Strategy, signal.Signal) { h.detected.Add(1) }

func (h *countingHooks) OutcomeRecorded(models.Strategy, signal.Signal, models.AuditStatus, string) {
	h.outcomes.Add(1)
}

// --- helpers ---

const walletA = "0x52908400098527886E0F7030069857D2E4169EE7"
const walletB = "0xde709f2102306220921060314715629080e2fb77"

func buys(n int, asset string) []ledger.TradeEvent {
	out := make([]ledger.TradeEvent, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, ledger.TradeEvent{
			Asset:     asset,
			Action:    ledger.Buy,
			AmountUSD: decimal.NewFromInt(int64(100 * i)),
			Timestamp: at(i),
			TxRef:     fmt.Sprintf("0x%d", i),
		})
	}
	return out
}

func ref(i int) string { return fmt.Sprintf("BUY:0x%d:ETH", i) }

type rig struct {
	history    *fakeHistory
	strategies *fakeStrategies
	dispatch   *fakeDispatch
	hooks      *countingHooks
	sched      *scheduler.Scheduler
}

func newRig(cfg scheduler.Config, strats ...models.Strategy) *rig {
	r := &rig{
		history:    &fakeHistory{events: map[string][]ledger.TradeEvent{walletA: buys(5, "ETH")}},
		strategies: &fakeStrategies{list: strats},
		dispatch:   newDispatch(),
		hooks:      &countingHooks{},
	}
	guard := risk.NewGuardian(r.dispatch, nil)
	r.sched = scheduler.New(r.history, r.strategies, r.dispatch, guard, r.hooks, cfg)
	return r
}

func strategy(id int64, wallet string) models.Strategy {
	return models.Strategy{ID: id, Name: fmt.Sprintf("s%d", id), WalletAddress: wallet, Active: true, Leverage: 1}
}

// --- tests ---

func TestRunOnce_CheckpointStopsBeforeBlockedSignal(t *testing.T) {
	r := newRig(scheduler.Config{}, strategy(1, walletA))
	r.dispatch.script[ref(3)] = []models.AuditStatus{models.StatusFailed}
	ctx := context.Background()

	require.NoError(t, r.sched.RunOnce(ctx))
	assert.Equal(t, []string{ref(1), ref(2), ref(3)}, r.dispatch.executedRefs(), "signals behind the blocked one wait")
	assert.Equal(t, at(2), r.strategies.checkpoint(1))

	st, ok := r.sched.Status(1)
	require.True(t, ok)
	assert.Equal(t, scheduler.PhaseIdle, st.Phase)
	assert.Equal(t, 3, st.PendingCount)
	assert.Equal(t, at(2), st.Checkpoint)
	require.NotNil(t, st.LastChecked)

	// next pass retries the blocked signal and drains the rest
	require.NoError(t, r.sched.RunOnce(ctx))
	assert.Equal(t, []string{ref(1), ref(2), ref(3), ref(3), ref(4), ref(5)}, r.dispatch.executedRefs())
	assert.Equal(t, at(5), r.strategies.checkpoint(1))
	st, _ = r.sched.Status(1)
	assert.Zero(t, st.PendingCount)
	assert.Equal(t, int32(5), r.hooks.detected.Load(), "a retried signal is announced once")
}

func TestRunOnce_SkipAheadKeepsCheckpoint(t *testing.T) {
	r := newRig(scheduler.Config{SkipAhead: true}, strategy(1, walletA))
	r.dispatch.script[ref(3)] = []models.AuditStatus{models.StatusFailed}
	ctx := context.Background()

	require.NoError(t, r.sched.RunOnce(ctx))
	assert.Equal(t, []string{ref(1), ref(2), ref(3), ref(4), ref(5)}, r.dispatch.executedRefs())
	assert.Equal(t, at(2), r.strategies.checkpoint(1), "checkpoint never passes an open signal")
	st, _ := r.sched.Status(1)
	assert.Equal(t, 1, st.PendingCount)

	require.NoError(t, r.sched.RunOnce(ctx))
	// 4 and 5 are re-detected but already terminal
	assert.Equal(t, []string{ref(1), ref(2), ref(3), ref(4), ref(5), ref(3)}, r.dispatch.executedRefs())
	assert.Equal(t, at(5), r.strategies.checkpoint(1))
}

func TestRunOnce_AllowListSkipsAndAdvances(t *testing.T) {
	s := strategy(1, walletA)
	s.AllowedTokens = []string{"BTC"}
	r := newRig(scheduler.Config{}, s)

	require.NoError(t, r.sched.RunOnce(context.Background()))
	assert.Empty(t, r.dispatch.executedRefs())
	require.Len(t, r.dispatch.skipped, 5)
	assert.True(t, strings.HasPrefix(r.dispatch.skipped[ref(1)], string(risk.TokenNotAllowed)))
	assert.Equal(t, at(5), r.strategies.checkpoint(1), "skipped signals are terminal")
}

func TestRunOnce_DailyLimit(t *testing.T) {
	s := strategy(1, walletA)
	s.DailyLimit = 2
	r := newRig(scheduler.Config{}, s)

	require.NoError(t, r.sched.RunOnce(context.Background()))
	assert.Equal(t, []string{ref(1), ref(2)}, r.dispatch.executedRefs())
	assert.Len(t, r.dispatch.skipped, 3)
	assert.True(t, strings.HasPrefix(r.dispatch.skipped[ref(5)], string(risk.DailyLimitExceeded)))
	assert.Equal(t, at(5), r.strategies.checkpoint(1))
}

func TestRunOnce_RetryBudgetAbandonsSignal(t *testing.T) {
	r := newRig(scheduler.Config{MaxSignalAttempts: 2}, strategy(1, walletA))
	r.dispatch.script[ref(3)] = []models.AuditStatus{models.StatusFailed, models.StatusFailed}
	ctx := context.Background()

	require.NoError(t, r.sched.RunOnce(ctx)) // attempt 1
	require.NoError(t, r.sched.RunOnce(ctx)) // attempt 2
	assert.Equal(t, at(2), r.strategies.checkpoint(1))
	assert.Empty(t, r.dispatch.abandoned)

	require.NoError(t, r.sched.RunOnce(ctx))
	assert.Equal(t, []string{ref(3)}, r.dispatch.abandoned)
	assert.Equal(t, at(5), r.strategies.checkpoint(1))
}

func TestRunOnce_FetchErrorRecorded(t *testing.T) {
	s := strategy(1, walletA)
	s.LastProcessedAt = at(1)
	r := newRig(scheduler.Config{}, s)
	r.history.err = errors.New("provider returned 503")

	require.NoError(t, r.sched.RunOnce(context.Background()))
	assert.Equal(t, at(1), r.strategies.checkpoint(1))
	require.NotNil(t, r.strategies.checked[1])
	assert.Contains(t, *r.strategies.checked[1], "503")

	st, ok := r.sched.Status(1)
	require.True(t, ok)
	assert.Contains(t, st.LastError, "503")

	// a clean pass clears the error
	r.history.err = nil
	require.NoError(t, r.sched.RunOnce(context.Background()))
	assert.Nil(t, r.strategies.checked[1])
	st, _ = r.sched.Status(1)
	assert.Empty(t, st.LastError)
}

func TestRunOnce_StrategiesShareWalletFetch(t *testing.T) {
	r := newRig(scheduler.Config{}, strategy(1, walletA), strategy(2, walletA))

	require.NoError(t, r.sched.RunOnce(context.Background()))
	assert.Equal(t, int32(1), r.history.calls.Load())
	assert.Len(t, r.dispatch.executedRefs(), 10)
	assert.Equal(t, at(5), r.strategies.checkpoint(1))
	assert.Equal(t, at(5), r.strategies.checkpoint(2))
}

func TestRunOnce_WalletInFlightIsSkipped(t *testing.T) {
	r := newRig(scheduler.Config{}, strategy(1, walletA))
	r.history.gate = make(chan struct{})
	r.history.entered = make(chan string, 4)

	done := make(chan error, 1)
	go func() { done <- r.sched.RunOnce(context.Background()) }()

	select {
	case <-r.history.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first pass never fetched")
	}

	// second pass finds the wallet busy and returns without fetching
	require.NoError(t, r.sched.RunOnce(context.Background()))
	assert.Equal(t, int32(1), r.history.calls.Load())

	close(r.history.gate)
	require.NoError(t, <-done)
	assert.Len(t, r.dispatch.executedRefs(), 5)
}

func TestRunOnce_WalletsRunInParallel(t *testing.T) {
	r := newRig(scheduler.Config{MaxParallelWallets: 2}, strategy(1, walletA), strategy(2, walletB))
	r.history.events[walletB] = buys(2, "ETH")
	r.history.gate = make(chan struct{})
	r.history.entered = make(chan string, 4)

	done := make(chan error, 1)
	go func() { done <- r.sched.RunOnce(context.Background()) }()

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case w := <-r.history.entered:
			seen[w] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d wallet(s) fetched concurrently", len(seen))
		}
	}
	close(r.history.gate)
	require.NoError(t, <-done)
	assert.Equal(t, at(5), r.strategies.checkpoint(1))
	assert.Equal(t, at(2), r.strategies.checkpoint(2))
}

func TestScheduler_StartTriggerStop(t *testing.T) {
	r := newRig(scheduler.Config{Interval: time.Hour}, strategy(1, walletA))
	r.sched.Start()
	defer r.sched.Stop()
	assert.True(t, r.sched.Running())

	require.Eventually(t, func() bool { return r.history.calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	r.sched.Trigger()
	require.Eventually(t, func() bool { return r.history.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	r.sched.Stop()
	assert.False(t, r.sched.Running())
}

func TestScheduler_StalledWalletDoesNotHoldOthers(t *testing.T) {
	r := newRig(scheduler.Config{Interval: 20 * time.Millisecond, MaxParallelWallets: 4},
		strategy(1, walletA), strategy(2, walletB))
	r.history.events[walletB] = buys(2, "ETH")
	r.history.gate = make(chan struct{})
	r.history.gated = walletA
	r.history.entered = make(chan string, 4)

	r.sched.Start()
	select {
	case <-r.history.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("wallet A never fetched")
	}

	// B keeps being polled on later ticks while A's first pass hangs
	require.Eventually(t, func() bool { return r.history.fetchCount(walletB) >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, r.history.fetchCount(walletA))
	assert.Equal(t, at(2), r.strategies.checkpoint(2))
	assert.True(t, r.strategies.checkpoint(1).IsZero())

	close(r.history.gate)
	r.sched.Stop()
	assert.Equal(t, at(5), r.strategies.checkpoint(1))
}

func TestSafeCheckpoint(t *testing.T) {
	sig := func(min int) signal.Signal { return signal.Signal{SourceTimestamp: at(min)} }
	sigs := []signal.Signal{sig(1), sig(2), sig(2), sig(3)}

	tests := []struct {
		name     string
		terminal []bool
		want     time.Time
	}{
		{"all terminal", []bool{true, true, true, true}, at(3)},
		{"first open", []bool{false, true, true, true}, at(0)},
		{"tie with open signal", []bool{true, true, false, true}, at(1)},
		{"last open", []bool{true, true, true, false}, at(2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scheduler.SafeCheckpoint(at(0), sigs, tt.terminal)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, at(4), scheduler.SafeCheckpoint(at(4), sigs, []bool{true, true, true, true}),
		"never moves backwards")
}
