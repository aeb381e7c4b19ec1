// Package executor submits translated order legs for one signal and keeps
// the audit trail and the copier's tracked positions in step with them.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/kjannette/trahn-copytrade/internal/exchange"
	"github.com/kjannette/trahn-copytrade/internal/instruments"
	"github.com/kjannette/trahn-copytrade/internal/logging"
	"github.com/kjannette/trahn-copytrade/internal/models"
	"github.com/kjannette/trahn-copytrade/internal/repository"
	"github.com/kjannette/trahn-copytrade/internal/signal"
	"github.com/kjannette/trahn-copytrade/internal/sizing"
)

// ReasonRetryBudgetExhausted marks a signal abandoned after too many
// retryable failures.
const ReasonRetryBudgetExhausted = "RetryBudgetExhausted"

// duplicateClOrdID is OKX's answer to a client order id it has already
// accepted; the leg was placed by an earlier attempt.
const duplicateClOrdID = "51016"

var clOrdNamespace = uuid.MustParse("6f1c5a0e-3b7d-4d0c-9a55-2f7e1c9b8a41")

type AuditStore interface {
	Legs(ctx context.Context, strategyID int64, signalRef string) ([]models.CopyTradeAudit, error)
	Upsert(ctx context.Context, a *models.CopyTradeAudit) error
}

type PositionStore interface {
	Get(ctx context.Context, strategyID int64, instID string) (models.Position, error)
	Save(ctx context.Context, p models.Position) error
}

type SnapshotSource interface {
	Snapshot() *instruments.Snapshot
}

type Config struct {
	MarginMode       string
	DayCutoffHourUTC int
}

type Executor struct {
	ex         exchange.Client
	catalog    SnapshotSource
	translator *sizing.Translator
	audits     AuditStore
	positions  PositionStore
	cfg        Config
	now        func() time.Time
	log        *logrus.Entry

	mu       sync.Mutex
	leverage map[string]int
}

func New(ex exchange.Client, catalog SnapshotSource, translator *sizing.Translator, audits AuditStore, positions PositionStore, cfg Config) *Executor {
	if cfg.MarginMode == "" {
		cfg.MarginMode = "isolated"
	}
	return &Executor{
		ex:         ex,
		catalog:    catalog,
		translator: translator,
		audits:     audits,
		positions:  positions,
		cfg:        cfg,
		now:        time.Now,
		log:        logging.For("executor"),
		leverage:   make(map[string]int),
	}
}

// Result is the outcome of one Execute call.
type Result struct {
	models.SignalOutcome
	Reason string
	Legs   []models.CopyTradeAudit
}

// ClientOrderID derives the exchange client order id of one leg. Retries of
// the same leg reuse it, so the exchange can reject a double submission.
func ClientOrderID(strategyID int64, signalRef string, leg int) string {
	id := uuid.NewSHA1(clOrdNamespace, []byte(fmt.Sprintf("%d|%s|%d", strategyID, signalRef, leg)))
	return strings.ReplaceAll(id.String(), "-", "")
}

// Outcome returns the recorded outcome of a signal, zero if never attempted.
func (e *Executor) Outcome(ctx context.Context, strategyID int64, signalRef string) (models.SignalOutcome, error) {
	rows, err := e.audits.Legs(ctx, strategyID, signalRef)
	if err != nil {
		return models.SignalOutcome{}, err
	}
	return models.Summarize(signalRef, rows), nil
}

// Skip records a signal-level SKIPPED outcome, used by the filters.
func (e *Executor) Skip(ctx context.Context, strat models.Strategy, sig signal.Signal, reason string) (Result, error) {
	row := e.signalRow(strat, sig, 1)
	row.Status = models.StatusSkipped
	row.Reason = &reason
	if err := e.audits.Upsert(ctx, row); err != nil {
		return Result{}, fmt.Errorf("record skip: %w", err)
	}
	return e.result(sig.Ref, reason, []models.CopyTradeAudit{*row}), nil
}

// Abandon turns every blocking row of a signal into a terminal failure so
// the checkpoint can move past it.
func (e *Executor) Abandon(ctx context.Context, strat models.Strategy, sig signal.Signal) (Result, error) {
	rows, err := e.audits.Legs(ctx, strat.ID, sig.Ref)
	if err != nil {
		return Result{}, err
	}
	reason := ReasonRetryBudgetExhausted
	for i := range rows {
		r := &rows[i]
		if r.Status == models.StatusPending || (r.Status == models.StatusFailed && r.Retryable) {
			r.Status = models.StatusFailed
			r.Retryable = false
			msg := reason
			if r.Reason != nil {
				msg = reason + ": " + *r.Reason
			}
			r.Reason = &msg
			if err := e.audits.Upsert(ctx, r); err != nil {
				return Result{}, fmt.Errorf("abandon %s leg %d: %w", sig.Ref, r.Leg, err)
			}
		}
	}
	return e.result(sig.Ref, reason, rows), nil
}

// Execute sizes and submits the signal. Errors returned here come from the
// audit store only; exchange and sizing failures are recorded in Result.
func (e *Executor) Execute(ctx context.Context, strat models.Strategy, sig signal.Signal) (Result, error) {
	log := e.log.WithFields(logrus.Fields{"strategy": strat.ID, "signal": sig.Ref})

	prior, err := e.audits.Legs(ctx, strat.ID, sig.Ref)
	if err != nil {
		return Result{}, fmt.Errorf("load audit legs: %w", err)
	}
	attempt := models.Summarize(sig.Ref, prior).Attempts + 1

	var legs []models.CopyTradeAudit
	for _, r := range prior {
		if r.Leg > 0 {
			legs = append(legs, r)
		}
	}

	if len(legs) == 0 {
		plan, perr := e.plan(ctx, strat, sig)
		if perr != nil {
			status, reason, retryable := Classify(perr)
			row := e.signalRow(strat, sig, attempt)
			row.Status = status
			row.Reason = &reason
			row.Retryable = retryable
			if err := e.audits.Upsert(ctx, row); err != nil {
				return Result{}, fmt.Errorf("record %s: %w", status, err)
			}
			log.WithField("reason", reason).Infof("signal %s before any order", strings.ToLower(string(status)))
			return e.result(sig.Ref, reason, []models.CopyTradeAudit{*row}), nil
		}
		legs, err = e.writePlan(ctx, strat, sig, plan, attempt)
		if err != nil {
			return Result{}, err
		}
	}

	sort.Slice(legs, func(i, j int) bool { return legs[i].Leg < legs[j].Leg })

	var lastReason string
	for i := range legs {
		row := &legs[i]
		if row.Status == models.StatusSuccess || row.Status == models.StatusSkipped {
			continue
		}
		if row.Status == models.StatusFailed && !row.Retryable {
			continue
		}
		row.Attempts = attempt

		orderID, err := e.submit(ctx, strat, *row)
		if err != nil {
			status, reason, retryable := Classify(err)
			row.Status, row.Reason, row.Retryable = status, &reason, retryable
			lastReason = reason
			if uerr := e.audits.Upsert(ctx, row); uerr != nil {
				return Result{}, fmt.Errorf("record leg %d: %w", row.Leg, uerr)
			}
			legLog := log.WithError(err).WithField("leg", row.Leg)
			if IsTransient(err) {
				legLog.Warn("leg failed, will retry")
			} else {
				legLog.Error("leg failed")
			}
			if retryable {
				// Later legs depend on this one's position effect.
				break
			}
			continue
		}

		executed := e.now().UTC()
		row.Status = models.StatusSuccess
		row.OrderID = &orderID
		row.ExecutedAt = &executed
		row.Reason = nil
		row.Retryable = false
		row.TradingDay = repository.TradingDay(executed, e.cfg.DayCutoffHourUTC)
		if err := e.audits.Upsert(ctx, row); err != nil {
			return Result{}, fmt.Errorf("record leg %d: %w", row.Leg, err)
		}
		if err := e.applyPosition(ctx, strat.ID, *row); err != nil {
			log.WithError(err).Error("failed to update tracked position")
		}
		log.WithFields(logrus.Fields{"leg": row.Leg, "kind": row.LegKind, "ord_id": orderID}).Info("leg filled")
	}

	return e.result(sig.Ref, lastReason, legs), nil
}

func (e *Executor) plan(ctx context.Context, strat models.Strategy, sig signal.Signal) (sizing.Plan, error) {
	meta, err := e.translator.Resolve(sig.Asset, e.catalog.Snapshot())
	if err != nil {
		return sizing.Plan{}, err
	}

	var acct sizing.Account
	if strat.SizingMode != models.SizingFixed {
		bal, err := e.ex.Balance(ctx)
		if err != nil {
			return sizing.Plan{}, fmt.Errorf("balance: %w", err)
		}
		acct.AvailableUSD = bal
	}

	tick, err := e.ex.Ticker(ctx, meta.InstID)
	if err != nil {
		return sizing.Plan{}, fmt.Errorf("ticker %s: %w", meta.InstID, err)
	}

	pos, err := e.positions.Get(ctx, strat.ID, meta.InstID)
	if err != nil {
		return sizing.Plan{}, fmt.Errorf("tracked position: %w", err)
	}

	plan, err := e.translator.Translate(sizing.Input{
		Signal:    sig,
		Strategy:  strat,
		Account:   acct,
		Meta:      meta,
		MarkPrice: tick.Last,
		Position:  pos,
	})
	if err != nil {
		return sizing.Plan{}, err
	}
	if rej := plan.Rejected(); rej != nil {
		return sizing.Plan{}, rej
	}
	return plan, nil
}

// writePlan persists every leg before anything is submitted.
func (e *Executor) writePlan(ctx context.Context, strat models.Strategy, sig signal.Signal, plan sizing.Plan, attempt int) ([]models.CopyTradeAudit, error) {
	rows := make([]models.CopyTradeAudit, 0, len(plan.Legs))
	for _, leg := range plan.Legs {
		row := e.signalRow(strat, sig, attempt)
		row.Leg = leg.Index
		row.LegKind = string(leg.Kind)
		row.InstID = strPtr(leg.InstID)
		row.Side = strPtr(leg.Side)
		row.PosSide = strPtr(leg.PosSide)
		row.Contracts = decPtr(leg.Contracts)
		row.NotionalUSD = decPtr(leg.NotionalUSD)
		row.Leverage = leg.Leverage
		row.ClientOrderID = strPtr(ClientOrderID(strat.ID, sig.Ref, leg.Index))
		row.Status = models.StatusPending
		if leg.Rejection != nil {
			reason := leg.Rejection.Error()
			row.Status = models.StatusSkipped
			row.Reason = &reason
		}
		if err := e.audits.Upsert(ctx, row); err != nil {
			return nil, fmt.Errorf("record leg %d: %w", leg.Index, err)
		}
		rows = append(rows, *row)
	}
	return rows, nil
}

func (e *Executor) submit(ctx context.Context, strat models.Strategy, row models.CopyTradeAudit) (string, error) {
	instID, side, posSide := deref(row.InstID), deref(row.Side), deref(row.PosSide)
	marginMode := strat.MarginMode
	if marginMode == "" {
		marginMode = e.cfg.MarginMode
	}

	if sizing.LegKind(row.LegKind).Opens() {
		if err := e.ensureLeverage(ctx, strat.ID, instID, posSide, marginMode, row.Leverage); err != nil {
			return "", fmt.Errorf("set leverage: %w", err)
		}
	}

	res, err := e.ex.PlaceOrder(ctx, exchange.OrderRequest{
		InstID:        instID,
		MarginMode:    marginMode,
		Side:          side,
		PosSide:       posSide,
		OrderType:     "market",
		Size:          e.wireSize(instID, row),
		ClientOrderID: deref(row.ClientOrderID),
	})
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.Code == duplicateClOrdID {
			return deref(row.ClientOrderID), nil
		}
		return "", err
	}
	return res.OrderID, nil
}

// wireSize renders the leg's contracts with the instrument's lot precision.
// Retried legs come back from the audit store as plain decimals, so the lot
// is looked up again rather than trusted from the plan.
func (e *Executor) wireSize(instID string, row models.CopyTradeAudit) string {
	if row.Contracts == nil {
		return "0"
	}
	if meta, ok := e.catalog.Snapshot().Get(instID); ok && meta.LotSize.IsPositive() {
		return sizing.FormatSize(*row.Contracts, meta.LotSize)
	}
	return row.Contracts.String()
}

// ensureLeverage sets leverage once per strategy, instrument and side.
func (e *Executor) ensureLeverage(ctx context.Context, strategyID int64, instID, posSide, marginMode string, lever int) error {
	if lever <= 0 {
		lever = 1
	}
	key := fmt.Sprintf("%d/%s/%s", strategyID, instID, posSide)
	e.mu.Lock()
	set := e.leverage[key] == lever
	e.mu.Unlock()
	if set {
		return nil
	}

	if err := e.ex.SetLeverage(ctx, exchange.LeverageRequest{
		InstID:     instID,
		Leverage:   lever,
		MarginMode: marginMode,
		PosSide:    posSide,
	}); err != nil {
		return err
	}
	e.mu.Lock()
	e.leverage[key] = lever
	e.mu.Unlock()
	return nil
}

func (e *Executor) applyPosition(ctx context.Context, strategyID int64, row models.CopyTradeAudit) error {
	instID := deref(row.InstID)
	pos, err := e.positions.Get(ctx, strategyID, instID)
	if err != nil {
		return err
	}
	leg := sizing.Leg{Kind: sizing.LegKind(row.LegKind)}
	if row.Contracts != nil {
		leg.Contracts = *row.Contracts
	}
	if row.NotionalUSD != nil {
		leg.NotionalUSD = *row.NotionalUSD
	}
	return e.positions.Save(ctx, sizing.Apply(pos, leg))
}

func (e *Executor) signalRow(strat models.Strategy, sig signal.Signal, attempt int) *models.CopyTradeAudit {
	return &models.CopyTradeAudit{
		StrategyID: strat.ID,
		SignalRef:  sig.Ref,
		SignalType: string(sig.Type),
		Asset:      sig.Asset,
		SourceAt:   sig.SourceTimestamp,
		Attempts:   attempt,
		TradingDay: repository.TradingDay(e.now(), e.cfg.DayCutoffHourUTC),
	}
}

func (e *Executor) result(signalRef, reason string, rows []models.CopyTradeAudit) Result {
	return Result{SignalOutcome: models.Summarize(signalRef, rows), Reason: reason, Legs: rows}
}

func strPtr(s string) *string { return &s }

func decPtr(d decimal.Decimal) *decimal.Decimal { return &d }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
