package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjannette/trahn-copytrade/internal/models"
)

const auditCols = `id, strategy_id, signal_ref, signal_type, asset, source_at, leg, leg_kind,
	inst_id, side, pos_side, contracts, leverage, notional_usd, client_order_id, order_id,
	status, reason, retryable, attempts, executed_at, trading_day, created_at, updated_at`

// AuditRepo stores one row per strategy, signal and leg.
type AuditRepo struct {
	pool          *pgxpool.Pool
	cutoffHourUTC int
}

func NewAuditRepo(pool *pgxpool.Pool, cutoffHourUTC int) *AuditRepo {
	return &AuditRepo{pool: pool, cutoffHourUTC: cutoffHourUTC}
}

// Upsert inserts the row or updates the existing row for the same
// strategy, signal and leg. ID and timestamps are written back into a.
func (r *AuditRepo) Upsert(ctx context.Context, a *models.CopyTradeAudit) error {
	td := a.TradingDay
	if td == "" {
		td = TradingDayNow(r.cutoffHourUTC)
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO copy_trade_audits
		 (strategy_id, signal_ref, signal_type, asset, source_at, leg, leg_kind,
		  inst_id, side, pos_side, contracts, leverage, notional_usd, client_order_id, order_id,
		  status, reason, retryable, attempts, executed_at, trading_day)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		 ON CONFLICT (strategy_id, signal_ref, leg) DO UPDATE SET
		   leg_kind        = EXCLUDED.leg_kind,
		   inst_id         = EXCLUDED.inst_id,
		   side            = EXCLUDED.side,
		   pos_side        = EXCLUDED.pos_side,
		   contracts       = EXCLUDED.contracts,
		   leverage        = EXCLUDED.leverage,
		   notional_usd    = EXCLUDED.notional_usd,
		   client_order_id = EXCLUDED.client_order_id,
		   order_id        = EXCLUDED.order_id,
		   status          = EXCLUDED.status,
		   reason          = EXCLUDED.reason,
		   retryable       = EXCLUDED.retryable,
		   attempts        = EXCLUDED.attempts,
		   executed_at     = EXCLUDED.executed_at,
		   trading_day     = EXCLUDED.trading_day,
		   updated_at      = NOW()
		 RETURNING id, created_at, updated_at`,
		a.StrategyID, a.SignalRef, a.SignalType, a.Asset, a.SourceAt.UTC(), a.Leg, a.LegKind,
		a.InstID, a.Side, a.PosSide, a.Contracts, a.Leverage, a.NotionalUSD, a.ClientOrderID, a.OrderID,
		string(a.Status), a.Reason, a.Retryable, a.Attempts, a.ExecutedAt, td,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert audit %s leg %d: %w", a.SignalRef, a.Leg, err)
	}
	a.TradingDay = td
	return nil
}

// Legs returns every row of one signal ordered by leg.
func (r *AuditRepo) Legs(ctx context.Context, strategyID int64, signalRef string) ([]models.CopyTradeAudit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+auditCols+` FROM copy_trade_audits
		 WHERE strategy_id = $1 AND signal_ref = $2
		 ORDER BY leg ASC`,
		strategyID, signalRef,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAudits(rows)
}

// List returns the most recent rows of a strategy, optionally limited to
// one trading day (YYYY-MM-DD).
func (r *AuditRepo) List(ctx context.Context, strategyID int64, tradingDay string, limit int) ([]models.CopyTradeAudit, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT ` + auditCols + ` FROM copy_trade_audits WHERE strategy_id = $1`
	args := []any{strategyID}
	if tradingDay != "" {
		args = append(args, tradingDay)
		query += fmt.Sprintf(" AND trading_day = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY source_at DESC, signal_ref DESC, leg ASC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAudits(rows)
}

// CountToday counts distinct signals with at least one successful leg on
// the current trading day. Skipped and failed signals do not consume the
// daily budget.
func (r *AuditRepo) CountToday(ctx context.Context, strategyID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT signal_ref) FROM copy_trade_audits
		 WHERE strategy_id = $1 AND trading_day = $2 AND status = 'SUCCESS'`,
		strategyID, TradingDayNow(r.cutoffHourUTC),
	).Scan(&count)
	return count, err
}

// Stats counts signals by the status of any of their rows.
func (r *AuditRepo) Stats(ctx context.Context, strategyID int64) (*models.AuditStats, error) {
	var s models.AuditStats
	err := r.pool.QueryRow(ctx,
		`SELECT
			COUNT(DISTINCT signal_ref),
			COUNT(DISTINCT signal_ref) FILTER (WHERE status = 'SUCCESS'),
			COUNT(DISTINCT signal_ref) FILTER (WHERE status = 'FAILED'),
			COUNT(DISTINCT signal_ref) FILTER (WHERE status = 'SKIPPED'),
			COUNT(DISTINCT signal_ref) FILTER (WHERE status = 'PENDING'),
			COUNT(DISTINCT signal_ref) FILTER (WHERE status = 'SUCCESS' AND trading_day = $2),
			MIN(source_at),
			MAX(source_at)
		 FROM copy_trade_audits WHERE strategy_id = $1`,
		strategyID, TradingDayNow(r.cutoffHourUTC),
	).Scan(
		&s.TotalSignals, &s.SuccessCount, &s.FailedCount, &s.SkippedCount,
		&s.PendingCount, &s.TodayCount, &s.FirstSignal, &s.LastSignal,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanAudit(row scannable) (*models.CopyTradeAudit, error) {
	var a models.CopyTradeAudit
	var status string
	var td time.Time
	err := row.Scan(
		&a.ID, &a.StrategyID, &a.SignalRef, &a.SignalType, &a.Asset, &a.SourceAt, &a.Leg, &a.LegKind,
		&a.InstID, &a.Side, &a.PosSide, &a.Contracts, &a.Leverage, &a.NotionalUSD, &a.ClientOrderID, &a.OrderID,
		&status, &a.Reason, &a.Retryable, &a.Attempts, &a.ExecutedAt, &td, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = models.AuditStatus(status)
	a.TradingDay = td.Format("2006-01-02")
	return &a, nil
}

func collectAudits(rows rowsIter) ([]models.CopyTradeAudit, error) {
	var out []models.CopyTradeAudit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
