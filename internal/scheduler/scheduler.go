// Package scheduler polls tracked wallets, dispatches their new position
// signals in order and advances each strategy's checkpoint only past
// signals whose outcome is durably recorded.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kjannette/trahn-copytrade/internal/executor"
	"github.com/kjannette/trahn-copytrade/internal/ledger"
	"github.com/kjannette/trahn-copytrade/internal/logging"
	"github.com/kjannette/trahn-copytrade/internal/models"
	"github.com/kjannette/trahn-copytrade/internal/risk"
	"github.com/kjannette/trahn-copytrade/internal/signal"
)

type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseFetching      Phase = "FETCHING"
	PhaseFiltering     Phase = "FILTERING"
	PhaseDispatching   Phase = "DISPATCHING"
	PhaseCheckpointing Phase = "CHECKPOINTING"
)

// TradeHistory is the upstream wallet-analytics provider.
type TradeHistory interface {
	TradeHistory(ctx context.Context, wallet string) ([]ledger.TradeEvent, error)
	TotalValueUSD(ctx context.Context, wallet string) (decimal.Decimal, error)
}

type StrategyStore interface {
	ListActive(ctx context.Context) ([]models.Strategy, error)
	AdvanceCheckpoint(ctx context.Context, id int64, ts time.Time) (time.Time, error)
	MarkChecked(ctx context.Context, id int64, at time.Time, lastError *string) error
}

// Dispatcher records and executes signals. *executor.Executor implements it.
type Dispatcher interface {
	Outcome(ctx context.Context, strategyID int64, signalRef string) (models.SignalOutcome, error)
	Execute(ctx context.Context, strat models.Strategy, sig signal.Signal) (executor.Result, error)
	Skip(ctx context.Context, strat models.Strategy, sig signal.Signal, reason string) (executor.Result, error)
	Abandon(ctx context.Context, strat models.Strategy, sig signal.Signal) (executor.Result, error)
}

// Filter decides whether a fresh signal may be dispatched. A *risk.Blocked
// error skips the signal; any other error stops the pass.
type Filter interface {
	Check(ctx context.Context, strat models.Strategy, sig signal.Signal) error
}

// Hooks receives fire-and-forget notifications. Implementations must not
// block.
type Hooks interface {
	SignalDetected(strat models.Strategy, sig signal.Signal)
	OutcomeRecorded(strat models.Strategy, sig signal.Signal, status models.AuditStatus, reason string)
}

type Config struct {
	Interval           time.Duration
	PassTimeout        time.Duration
	MaxParallelWallets int
	// SkipAhead lets later signals of a wallet proceed while an earlier
	// one is still blocked on retries.
	SkipAhead bool
	// MaxSignalAttempts abandons a blocked signal after this many attempts.
	// 0 retries forever.
	MaxSignalAttempts int
}

// Status is the admin view of one strategy.
type Status struct {
	StrategyID   int64      `json:"strategyId"`
	Wallet       string     `json:"wallet"`
	Phase        Phase      `json:"phase"`
	LastChecked  *time.Time `json:"lastChecked"`
	Checkpoint   time.Time  `json:"checkpoint"`
	PendingCount int        `json:"pendingCount"`
	LastError    string     `json:"lastError,omitempty"`
}

type Scheduler struct {
	history    TradeHistory
	strategies StrategyStore
	dispatch   Dispatcher
	filter     Filter
	hooks      Hooks
	cfg        Config
	now        func() time.Time
	log        *logrus.Entry

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	trigger  chan struct{}
	wg       sync.WaitGroup
	wallets  map[string]*sync.Mutex
	slots    chan struct{}
	statuses map[int64]*Status
}

func New(history TradeHistory, strategies StrategyStore, dispatch Dispatcher, filter Filter, hooks Hooks, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = 5 * time.Minute
	}
	if hooks == nil {
		hooks = noHooks{}
	}
	var slots chan struct{}
	if cfg.MaxParallelWallets > 0 {
		slots = make(chan struct{}, cfg.MaxParallelWallets)
	}
	return &Scheduler{
		history:    history,
		strategies: strategies,
		dispatch:   dispatch,
		filter:     filter,
		hooks:      hooks,
		cfg:        cfg,
		now:        time.Now,
		log:        logging.For("scheduler"),
		trigger:    make(chan struct{}, 1),
		wallets:    make(map[string]*sync.Mutex),
		slots:      slots,
		statuses:   make(map[int64]*Status),
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		s.tick(stop)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.tick(stop)
			case <-s.trigger:
				s.tick(stop)
			}
		}
	}()

	s.log.WithFields(logrus.Fields{
		"interval":         s.cfg.Interval.String(),
		"parallel_wallets": s.cfg.MaxParallelWallets,
		"skip_ahead":       s.cfg.SkipAhead,
	}).Info("started")
}

// Stop ends the loop and waits for in-flight wallet passes to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Trigger requests an immediate pass. It returns false when one is
// already queued.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// tick starts a pass for every wallet that is not already in flight and
// returns without waiting for them, so a slow wallet never delays the
// others on later ticks.
func (s *Scheduler) tick(stop <-chan struct{}) {
	if _, err := s.launch(context.Background(), stop); err != nil {
		s.log.WithError(err).Error("pass failed")
	}
}

// RunOnce makes one pass over every active strategy and waits for it.
// Wallets run in parallel; strategies sharing a wallet run one after
// another. A wallet whose previous pass is still in flight is skipped.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	g, err := s.launch(ctx, nil)
	if err != nil {
		return err
	}
	return g.Wait()
}

// launch takes the lock of each idle wallet and starts its pass in a
// goroutine tracked by both the returned group and s.wg. Each wallet gets
// its own PassTimeout. stop abandons passes still waiting for a slot.
func (s *Scheduler) launch(parent context.Context, stop <-chan struct{}) (*errgroup.Group, error) {
	lctx, cancel := context.WithTimeout(parent, 30*time.Second)
	strats, err := s.strategies.ListActive(lctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}

	var order []string
	byWallet := make(map[string][]models.Strategy)
	for _, st := range strats {
		key := strings.ToLower(st.WalletAddress)
		if _, ok := byWallet[key]; !ok {
			order = append(order, key)
		}
		byWallet[key] = append(byWallet[key], st)
	}

	g := new(errgroup.Group)
	for _, key := range order {
		lock := s.walletLock(key)
		group := byWallet[key]
		if !lock.TryLock() {
			s.log.WithField("wallet", group[0].WalletAddress).Debug("previous pass still running, skipping wallet")
			continue
		}
		s.wg.Add(1)
		g.Go(func() error {
			defer s.wg.Done()
			defer lock.Unlock()
			if !s.acquire(parent, stop) {
				return nil
			}
			defer s.release()

			ctx, cancel := context.WithTimeout(parent, s.cfg.PassTimeout)
			defer cancel()
			s.runWallet(ctx, group)
			return nil
		})
	}
	return g, nil
}

func (s *Scheduler) acquire(ctx context.Context, stop <-chan struct{}) bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}

func (s *Scheduler) release() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Scheduler) walletLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.wallets[key]
	if !ok {
		m = &sync.Mutex{}
		s.wallets[key] = m
	}
	return m
}

func (s *Scheduler) runWallet(ctx context.Context, group []models.Strategy) {
	wallet := group[0].WalletAddress
	for _, st := range group {
		s.setPhase(st, PhaseFetching)
	}

	book, total, err := s.fetch(ctx, wallet)
	if err != nil {
		s.log.WithError(err).WithField("wallet", wallet).Warn("fetch failed")
		for _, st := range group {
			s.finish(ctx, st, st.LastProcessedAt, -1, err)
		}
		return
	}

	for _, st := range group {
		if ctx.Err() != nil {
			s.finish(ctx, st, st.LastProcessedAt, -1, ctx.Err())
			continue
		}
		checkpoint, pending, err := s.runStrategy(ctx, st, book, total)
		s.finish(ctx, st, checkpoint, pending, err)
	}
}

// fetch reads the wallet's history and value concurrently and builds the
// ledger once for every strategy tracking the wallet.
func (s *Scheduler) fetch(ctx context.Context, wallet string) (*ledger.Ledger, decimal.Decimal, error) {
	var (
		events []ledger.TradeEvent
		total  decimal.Decimal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if events, err = s.history.TradeHistory(gctx, wallet); err != nil {
			return fmt.Errorf("trade history: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if total, err = s.history.TotalValueUSD(gctx, wallet); err != nil {
			return fmt.Errorf("wallet value: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, decimal.Zero, err
	}

	book, err := ledger.Build(events)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("build ledger: %w", err)
	}
	return book, total, nil
}

// runStrategy dispatches the strategy's new signals and returns the
// checkpoint it may advance to and the number of signals still open.
func (s *Scheduler) runStrategy(ctx context.Context, strat models.Strategy, book *ledger.Ledger, total decimal.Decimal) (time.Time, int, error) {
	log := s.log.WithFields(logrus.Fields{"strategy": strat.ID, "wallet": strat.WalletAddress})

	sigs := signal.Detect(book, signal.Checkpoint{
		WalletAddress:   strat.WalletAddress,
		LastProcessedAt: strat.LastProcessedAt,
	}, total)
	if len(sigs) == 0 {
		return strat.LastProcessedAt, 0, nil
	}
	log.WithField("count", len(sigs)).Debug("signals detected")

	terminal := make([]bool, len(sigs))
	blocked := false
	var runErr error

	for i, sig := range sigs {
		if blocked && !s.cfg.SkipAhead {
			break
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		done, err := s.handle(ctx, strat, sig)
		if err != nil {
			runErr = err
			break
		}
		terminal[i] = done
		if !done {
			blocked = true
		}
	}

	pending := 0
	for _, t := range terminal {
		if !t {
			pending++
		}
	}
	return SafeCheckpoint(strat.LastProcessedAt, sigs, terminal), pending, runErr
}

// handle moves one signal as far as it can go and reports whether its
// outcome is terminal.
func (s *Scheduler) handle(ctx context.Context, strat models.Strategy, sig signal.Signal) (bool, error) {
	log := s.log.WithFields(logrus.Fields{"strategy": strat.ID, "signal": sig.Ref})
	s.setPhase(strat, PhaseFiltering)

	prior, err := s.dispatch.Outcome(ctx, strat.ID, sig.Ref)
	if err != nil {
		return false, fmt.Errorf("outcome %s: %w", sig.Ref, err)
	}

	fresh := prior.Status == ""
	switch {
	case !fresh && !prior.Blocking:
		return true, nil
	case prior.Blocking && s.cfg.MaxSignalAttempts > 0 && prior.Attempts >= s.cfg.MaxSignalAttempts:
		res, err := s.dispatch.Abandon(ctx, strat, sig)
		if err != nil {
			return false, err
		}
		log.WithField("attempts", prior.Attempts).Warn("retry budget exhausted, abandoning signal")
		s.hooks.OutcomeRecorded(strat, sig, res.Status, res.Reason)
		return true, nil
	}

	if fresh {
		s.hooks.SignalDetected(strat, sig)
		if s.filter != nil {
			if err := s.filter.Check(ctx, strat, sig); err != nil {
				b, ok := risk.AsBlocked(err)
				if !ok {
					return false, err
				}
				res, err := s.dispatch.Skip(ctx, strat, sig, b.Error())
				if err != nil {
					return false, err
				}
				log.WithField("filter", b.Code).Info("signal filtered")
				s.hooks.OutcomeRecorded(strat, sig, res.Status, res.Reason)
				return true, nil
			}
		}
	}

	s.setPhase(strat, PhaseDispatching)
	res, err := s.dispatch.Execute(ctx, strat, sig)
	if err != nil {
		return false, err
	}
	s.hooks.OutcomeRecorded(strat, sig, res.Status, res.Reason)
	if res.Blocking {
		log.WithField("reason", res.Reason).Warn("signal blocked, will retry next pass")
	}
	return !res.Blocking, nil
}

// SafeCheckpoint returns the largest timestamp T such that every signal at
// or before T is terminal, never earlier than current.
func SafeCheckpoint(current time.Time, sigs []signal.Signal, terminal []bool) time.Time {
	var firstOpen time.Time
	open := false
	for i, sig := range sigs {
		if terminal[i] {
			continue
		}
		if !open || sig.SourceTimestamp.Before(firstOpen) {
			firstOpen = sig.SourceTimestamp
			open = true
		}
	}

	cp := current
	for i, sig := range sigs {
		if !terminal[i] {
			continue
		}
		ts := sig.SourceTimestamp
		if open && !ts.Before(firstOpen) {
			continue
		}
		if ts.After(cp) {
			cp = ts
		}
	}
	return cp
}

// finish writes the checkpoint, then the check time and status. pending
// below zero means the pass never reached detection.
func (s *Scheduler) finish(ctx context.Context, strat models.Strategy, checkpoint time.Time, pending int, runErr error) {
	log := s.log.WithFields(logrus.Fields{"strategy": strat.ID, "wallet": strat.WalletAddress})
	// Bookkeeping still happens when the pass context expired.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	stored := strat.LastProcessedAt
	if checkpoint.After(strat.LastProcessedAt) {
		s.setPhase(strat, PhaseCheckpointing)
		cp, err := s.strategies.AdvanceCheckpoint(wctx, strat.ID, checkpoint)
		if err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("advance checkpoint: %w", err))
		} else {
			stored = cp
			log.WithField("checkpoint", cp.Format(time.RFC3339)).Debug("checkpoint advanced")
		}
	}

	now := s.now().UTC()
	var lastErr *string
	if runErr != nil {
		msg := runErr.Error()
		lastErr = &msg
		log.WithError(runErr).Warn("strategy pass ended with error")
	}
	if err := s.strategies.MarkChecked(wctx, strat.ID, now, lastErr); err != nil {
		log.WithError(err).Error("failed to record check time")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status(strat)
	st.Phase = PhaseIdle
	st.LastChecked = &now
	st.Checkpoint = stored
	if pending >= 0 {
		st.PendingCount = pending
	}
	st.LastError = ""
	if lastErr != nil {
		st.LastError = *lastErr
	}
}

func (s *Scheduler) setPhase(strat models.Strategy, p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status(strat).Phase = p
}

// status returns the entry for strat, creating it. Callers hold mu.
func (s *Scheduler) status(strat models.Strategy) *Status {
	st, ok := s.statuses[strat.ID]
	if !ok {
		st = &Status{
			StrategyID:  strat.ID,
			Wallet:      strat.WalletAddress,
			Phase:       PhaseIdle,
			Checkpoint:  strat.LastProcessedAt,
			LastChecked: strat.LastCheckedAt,
		}
		if strat.LastError != nil {
			st.LastError = *strat.LastError
		}
		s.statuses[strat.ID] = st
	}
	return st
}

// Status reports the strategy's state as of its last pass.
func (s *Scheduler) Status(strategyID int64) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[strategyID]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

type noHooks struct{}

func (noHooks) SignalDetected(models.Strategy, signal.Signal) {}

func (noHooks) OutcomeRecorded(models.Strategy, signal.Signal, models.AuditStatus, string) {}
