package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjannette/trahn-copytrade/internal/external"
	"github.com/kjannette/trahn-copytrade/internal/models"
)

const strategyCols = `id, name, wallet_address, active, sizing_mode, fixed_amount_usd,
	leverage, hedge_leverage, margin_mode, allowed_tokens, daily_limit,
	last_processed_at, last_checked_at, last_error, created_at, updated_at`

type StrategyRepo struct {
	pool *pgxpool.Pool
}

func NewStrategyRepo(pool *pgxpool.Pool) *StrategyRepo {
	return &StrategyRepo{pool: pool}
}

// Create inserts a strategy. The wallet address is stored in checksum form.
func (r *StrategyRepo) Create(ctx context.Context, s *models.Strategy) (*models.Strategy, error) {
	wallet, err := external.NormalizeAddress(s.WalletAddress)
	if err != nil {
		return nil, err
	}
	mode := s.SizingMode
	if mode == "" {
		mode = models.SizingPercentage
	}
	lev := s.Leverage
	if lev < 1 {
		lev = 1
	}
	tokens := s.AllowedTokens
	if tokens == nil {
		tokens = []string{}
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO strategies
		 (name, wallet_address, active, sizing_mode, fixed_amount_usd, leverage,
		  hedge_leverage, margin_mode, allowed_tokens, daily_limit, last_processed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 RETURNING `+strategyCols,
		s.Name, wallet, s.Active, string(mode), s.FixedAmountUSD, lev,
		s.HedgeLeverage, s.MarginMode, tokens, s.DailyLimit, s.LastProcessedAt.UTC(),
	)
	return scanStrategy(row)
}

func (r *StrategyRepo) Get(ctx context.Context, id int64) (*models.Strategy, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+strategyCols+` FROM strategies WHERE id = $1`, id)
	s, err := scanStrategy(row)
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// ListActive returns active strategies ordered by wallet, then id, so
// strategies sharing a wallet are processed in a stable order.
func (r *StrategyRepo) ListActive(ctx context.Context) ([]models.Strategy, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+strategyCols+` FROM strategies WHERE active ORDER BY wallet_address, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrategies(rows)
}

// AdvanceCheckpoint moves last_processed_at forward to ts. It never moves
// it backwards and returns the stored value.
func (r *StrategyRepo) AdvanceCheckpoint(ctx context.Context, id int64, ts time.Time) (time.Time, error) {
	var stored time.Time
	err := r.pool.QueryRow(ctx,
		`UPDATE strategies
		 SET last_processed_at = GREATEST(last_processed_at, $2), updated_at = NOW()
		 WHERE id = $1
		 RETURNING last_processed_at`,
		id, ts.UTC(),
	).Scan(&stored)
	if err != nil {
		return time.Time{}, fmt.Errorf("advance checkpoint %d: %w", id, notFound(err))
	}
	return stored, nil
}

// MarkChecked records the end of a pass. A nil lastError clears it.
func (r *StrategyRepo) MarkChecked(ctx context.Context, id int64, at time.Time, lastError *string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE strategies SET last_checked_at = $2, last_error = $3, updated_at = NOW() WHERE id = $1`,
		id, at.UTC(), lastError,
	)
	return err
}

func (r *StrategyRepo) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE strategies SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanStrategy(row scannable) (*models.Strategy, error) {
	var s models.Strategy
	var mode string
	err := row.Scan(
		&s.ID, &s.Name, &s.WalletAddress, &s.Active, &mode, &s.FixedAmountUSD,
		&s.Leverage, &s.HedgeLeverage, &s.MarginMode, &s.AllowedTokens, &s.DailyLimit,
		&s.LastProcessedAt, &s.LastCheckedAt, &s.LastError, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.SizingMode = models.SizingMode(mode)
	return &s, nil
}

func collectStrategies(rows rowsIter) ([]models.Strategy, error) {
	var out []models.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
