package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type SizingMode string

const (
	SizingPercentage SizingMode = "percentage"
	SizingFixed      SizingMode = "fixed"
)

// Strategy mirrors one tracked wallet onto the exchange sub-account.
type Strategy struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	WalletAddress  string          `json:"walletAddress"`
	Active         bool            `json:"active"`
	SizingMode     SizingMode      `json:"sizingMode"`
	FixedAmountUSD decimal.Decimal `json:"fixedAmountUsd"`
	Leverage       int             `json:"leverage"`
	HedgeLeverage  int             `json:"hedgeLeverage"`
	MarginMode     string          `json:"marginMode"`
	// AllowedTokens empty means every token is allowed.
	AllowedTokens   []string   `json:"allowedTokens"`
	DailyLimit      int        `json:"dailyLimit"`
	LastProcessedAt time.Time  `json:"lastProcessedAt"`
	LastCheckedAt   *time.Time `json:"lastCheckedAt,omitempty"`
	LastError       *string    `json:"lastError,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Position is the copier's own tracked exposure for one strategy and
// instrument, in USD notional and contracts.
type Position struct {
	StrategyID     int64           `json:"strategyId"`
	InstID         string          `json:"instId"`
	LongUSD        decimal.Decimal `json:"longUsd"`
	LongContracts  decimal.Decimal `json:"longContracts"`
	ShortUSD       decimal.Decimal `json:"shortUsd"`
	ShortContracts decimal.Decimal `json:"shortContracts"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// EmptyPosition returns a flat position with zeroed amounts.
func EmptyPosition(strategyID int64, instID string) Position {
	return Position{
		StrategyID:     strategyID,
		InstID:         instID,
		LongUSD:        decimal.Zero,
		LongContracts:  decimal.Zero,
		ShortUSD:       decimal.Zero,
		ShortContracts: decimal.Zero,
	}
}
