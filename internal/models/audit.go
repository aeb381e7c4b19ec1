package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AuditStatus string

const (
	StatusPending AuditStatus = "PENDING"
	StatusSuccess AuditStatus = "SUCCESS"
	StatusFailed  AuditStatus = "FAILED"
	StatusSkipped AuditStatus = "SKIPPED"
)

// Terminal reports whether no further processing is expected.
func (s AuditStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// CopyTradeAudit is one leg of one attempted signal. Leg 0 records a
// signal-level outcome that never reached an order leg.
type CopyTradeAudit struct {
	ID            int64            `json:"id"`
	StrategyID    int64            `json:"strategyId"`
	SignalRef     string           `json:"signalRef"`
	SignalType    string           `json:"signalType"`
	Asset         string           `json:"asset"`
	SourceAt      time.Time        `json:"sourceAt"`
	Leg           int              `json:"leg"`
	LegKind       string           `json:"legKind,omitempty"`
	InstID        *string          `json:"instId,omitempty"`
	Side          *string          `json:"side,omitempty"`
	PosSide       *string          `json:"posSide,omitempty"`
	Contracts     *decimal.Decimal `json:"contracts,omitempty"`
	Leverage      int              `json:"leverage,omitempty"`
	NotionalUSD   *decimal.Decimal `json:"notionalUsd,omitempty"`
	ClientOrderID *string          `json:"clientOrderId,omitempty"`
	OrderID       *string          `json:"orderId,omitempty"`
	Status        AuditStatus      `json:"status"`
	Reason        *string          `json:"reason,omitempty"`
	// Retryable marks a FAILED row that blocks the checkpoint until a
	// later attempt succeeds.
	Retryable  bool       `json:"retryable"`
	Attempts   int        `json:"attempts"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
	TradingDay string     `json:"tradingDay"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// SignalOutcome aggregates the audit rows of one signal.
type SignalOutcome struct {
	SignalRef string      `json:"signalRef"`
	Status    AuditStatus `json:"status"`
	Blocking  bool        `json:"blocking"`
	Attempts  int         `json:"attempts"`
}

// Summarize folds the audit rows of one signal into its outcome. Once any
// order leg exists the leg 0 row no longer describes the signal.
func Summarize(signalRef string, rows []CopyTradeAudit) SignalOutcome {
	out := SignalOutcome{SignalRef: signalRef}
	legs := rows[:0:0]
	for _, r := range rows {
		if r.Leg > 0 {
			legs = append(legs, r)
		}
	}
	if len(legs) == 0 {
		legs = rows
	}
	if len(legs) == 0 {
		return out
	}

	var pending, blocked, failed, succeeded bool
	for _, r := range legs {
		if r.Attempts > out.Attempts {
			out.Attempts = r.Attempts
		}
		switch r.Status {
		case StatusPending:
			pending = true
		case StatusFailed:
			if r.Retryable {
				blocked = true
			} else {
				failed = true
			}
		case StatusSuccess:
			succeeded = true
		}
	}

	switch {
	case pending:
		out.Status, out.Blocking = StatusPending, true
	case blocked:
		out.Status, out.Blocking = StatusFailed, true
	case failed:
		out.Status = StatusFailed
	case succeeded:
		out.Status = StatusSuccess
	default:
		out.Status = StatusSkipped
	}
	return out
}
