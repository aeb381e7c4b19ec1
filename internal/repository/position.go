package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjannette/trahn-copytrade/internal/models"
)

// PositionRepo stores the copier's tracked exposure per strategy and
// instrument.
type PositionRepo struct {
	pool *pgxpool.Pool
}

func NewPositionRepo(pool *pgxpool.Pool) *PositionRepo {
	return &PositionRepo{pool: pool}
}

// Get returns the tracked position, or a flat one if none was stored.
func (r *PositionRepo) Get(ctx context.Context, strategyID int64, instID string) (models.Position, error) {
	p := models.EmptyPosition(strategyID, instID)
	err := r.pool.QueryRow(ctx,
		`SELECT long_usd, long_contracts, short_usd, short_contracts, updated_at
		 FROM copy_positions WHERE strategy_id = $1 AND inst_id = $2`,
		strategyID, instID,
	).Scan(&p.LongUSD, &p.LongContracts, &p.ShortUSD, &p.ShortContracts, &p.UpdatedAt)
	if err != nil {
		if notFound(err) == ErrNotFound {
			return models.EmptyPosition(strategyID, instID), nil
		}
		return models.Position{}, err
	}
	return p, nil
}

func (r *PositionRepo) Save(ctx context.Context, p models.Position) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO copy_positions
		 (strategy_id, inst_id, long_usd, long_contracts, short_usd, short_contracts, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,NOW())
		 ON CONFLICT (strategy_id, inst_id) DO UPDATE SET
		   long_usd        = EXCLUDED.long_usd,
		   long_contracts  = EXCLUDED.long_contracts,
		   short_usd       = EXCLUDED.short_usd,
		   short_contracts = EXCLUDED.short_contracts,
		   updated_at      = NOW()`,
		p.StrategyID, p.InstID, p.LongUSD, p.LongContracts, p.ShortUSD, p.ShortContracts,
	)
	return err
}

// ListByStrategy returns every tracked instrument of a strategy.
func (r *PositionRepo) ListByStrategy(ctx context.Context, strategyID int64) ([]models.Position, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT strategy_id, inst_id, long_usd, long_contracts, short_usd, short_contracts, updated_at
		 FROM copy_positions WHERE strategy_id = $1 ORDER BY inst_id`,
		strategyID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.StrategyID, &p.InstID, &p.LongUSD, &p.LongContracts,
			&p.ShortUSD, &p.ShortContracts, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
