// Package risk holds the per-strategy filters a signal must pass before
// it is dispatched.
package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/kjannette/trahn-copytrade/internal/ledger"
	"github.com/kjannette/trahn-copytrade/internal/models"
	"github.com/kjannette/trahn-copytrade/internal/signal"
)

type FilterCode string

const (
	TokenNotAllowed    FilterCode = "TokenNotAllowed"
	DailyLimitExceeded FilterCode = "DailyLimitExceeded"
)

// Blocked is a filter rejection. The signal is recorded as SKIPPED.
type Blocked struct {
	Code   FilterCode
	Detail string
}

func (b *Blocked) Error() string {
	return fmt.Sprintf("%s: %s", b.Code, b.Detail)
}

// AsBlocked unwraps err into a *Blocked.
func AsBlocked(err error) (*Blocked, bool) {
	var b *Blocked
	if errors.As(err, &b) {
		return b, true
	}
	return nil, false
}

// DailyTradeCounter abstracts the trade-counting dependency so Guardian
// can be tested without a real database.
type DailyTradeCounter interface {
	CountToday(ctx context.Context, strategyID int64) (int, error)
}

type Guardian struct {
	counter DailyTradeCounter
	// base maps a token symbol to its exchange base currency, so an
	// allow-list entry "ETH" also admits WETH.
	base func(string) string
}

func NewGuardian(counter DailyTradeCounter, base func(string) string) *Guardian {
	if base == nil {
		base = ledger.NormalizeAsset
	}
	return &Guardian{counter: counter, base: base}
}

// Check runs the filters in order: token allow-list, then daily limit.
// Returns nil if the signal may be dispatched, a *Blocked if a filter
// rejected it, or another error if the check itself failed.
func (g *Guardian) Check(ctx context.Context, strat models.Strategy, sig signal.Signal) error {
	if !g.TokenAllowed(strat, sig.Asset) {
		return &Blocked{Code: TokenNotAllowed, Detail: fmt.Sprintf("%s not in allow-list of strategy %d", sig.Asset, strat.ID)}
	}

	if strat.DailyLimit > 0 && g.counter != nil {
		count, err := g.counter.CountToday(ctx, strat.ID)
		if err != nil {
			return fmt.Errorf("unable to verify daily trade count: %w", err)
		}
		if count >= strat.DailyLimit {
			return &Blocked{Code: DailyLimitExceeded,
				Detail: fmt.Sprintf("daily limit of %d trades reached (%d executed today)", strat.DailyLimit, count)}
		}
	}

	return nil
}

// TokenAllowed reports whether asset passes the strategy's allow-list.
// An empty list allows every token.
func (g *Guardian) TokenAllowed(strat models.Strategy, asset string) bool {
	if len(strat.AllowedTokens) == 0 {
		return true
	}
	sym := ledger.NormalizeAsset(asset)
	base := g.base(asset)
	for _, tok := range strat.AllowedTokens {
		t := ledger.NormalizeAsset(tok)
		if t == sym || t == base {
			return true
		}
	}
	return false
}
