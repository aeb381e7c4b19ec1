// Package ledger rebuilds per-asset FIFO buy/sell matching from a wallet's
// raw trade history.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// ErrInvalidTradeEvent is returned for events with a non-positive amount,
// an unknown action or a missing asset.
var ErrInvalidTradeEvent = errors.New("invalid trade event")

// closedEpsilon is the remaining-USD threshold below which an entry counts
// as closed.
var closedEpsilon = decimal.New(1, -8)

// TradeEvent is one observed wallet trade. Immutable once observed.
type TradeEvent struct {
	Asset     string          `json:"asset"`
	Action    Action          `json:"action"`
	AmountUSD decimal.Decimal `json:"amountUsd"`
	Timestamp time.Time       `json:"timestamp"`
	TxRef     string          `json:"txRef"`
}

// Entry is one opening BUY and the sales allocated against it.
type Entry struct {
	ID           string          `json:"id"`
	Asset        string          `json:"asset"`
	OpenedAt     time.Time       `json:"openedAt"`
	TxRef        string          `json:"txRef"`
	Seq          int             `json:"seq"`
	OriginalUSD  decimal.Decimal `json:"originalAmountUsd"`
	RemainingUSD decimal.Decimal `json:"remainingOpenUsd"`
	Sales        []Sale          `json:"sales"`
}

// Closed reports whether nothing meaningful remains open.
func (e *Entry) Closed() bool {
	return e.RemainingUSD.LessThan(closedEpsilon)
}

// SoldUSD is the sum of all sales allocated to the entry.
func (e *Entry) SoldUSD() decimal.Decimal {
	total := decimal.Zero
	for _, s := range e.Sales {
		total = total.Add(s.AmountUSD)
	}
	return total
}

// Sale is one leg of a SELL event. ParentEntryID is empty for the anomaly
// leg of a SELL that had no open BUY left to match.
type Sale struct {
	AmountUSD     decimal.Decimal `json:"amountUsd"`
	Asset         string          `json:"asset"`
	Timestamp     time.Time       `json:"timestamp"`
	TxRef         string          `json:"txRef"`
	Seq           int             `json:"seq"`
	ParentEntryID string          `json:"parentEntryId,omitempty"`
}

// Anomaly reports whether the sale had no matching open BUY.
func (s Sale) Anomaly() bool {
	return s.ParentEntryID == ""
}

// Ledger is the rebuilt state for one wallet.
type Ledger struct {
	Entries []*Entry `json:"entries"`
	// Orphans holds anomaly-leg sales in event order.
	Orphans []Sale `json:"orphans"`
}

// OpenUSD is the total remaining open amount for asset.
func (l *Ledger) OpenUSD(asset string) decimal.Decimal {
	asset = NormalizeAsset(asset)
	total := decimal.Zero
	for _, e := range l.Entries {
		if e.Asset == asset {
			total = total.Add(e.RemainingUSD)
		}
	}
	return total
}

// Build replays events in ascending timestamp order (stable on ties) and
// allocates each SELL against the open entries of the same asset, oldest
// first. The input slice is not modified.
func Build(events []TradeEvent) (*Ledger, error) {
	ordered := make([]TradeEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	l := &Ledger{}
	open := make(map[string][]*Entry)
	ids := make(map[string]int)

	for seq, ev := range ordered {
		if err := validate(ev); err != nil {
			return nil, fmt.Errorf("event %d (%s): %w", seq, ev.TxRef, err)
		}
		asset := NormalizeAsset(ev.Asset)

		switch ev.Action {
		case Buy:
			e := &Entry{
				ID:           entryID(ids, ev, asset),
				Asset:        asset,
				OpenedAt:     ev.Timestamp,
				TxRef:        ev.TxRef,
				Seq:          seq,
				OriginalUSD:  ev.AmountUSD,
				RemainingUSD: ev.AmountUSD,
			}
			l.Entries = append(l.Entries, e)
			open[asset] = append(open[asset], e)

		case Sell:
			remainder := ev.AmountUSD
			queue := open[asset]
			for len(queue) > 0 && remainder.IsPositive() {
				e := queue[0]
				take := decimal.Min(e.RemainingUSD, remainder)
				e.RemainingUSD = e.RemainingUSD.Sub(take)
				if e.RemainingUSD.IsNegative() {
					e.RemainingUSD = decimal.Zero
				}
				remainder = remainder.Sub(take)
				e.Sales = append(e.Sales, Sale{
					AmountUSD:     take,
					Asset:         asset,
					Timestamp:     ev.Timestamp,
					TxRef:         ev.TxRef,
					Seq:           seq,
					ParentEntryID: e.ID,
				})
				if !e.RemainingUSD.IsPositive() {
					queue = queue[1:]
				}
			}
			open[asset] = queue

			if remainder.IsPositive() {
				l.Orphans = append(l.Orphans, Sale{
					AmountUSD: remainder,
					Asset:     asset,
					Timestamp: ev.Timestamp,
					TxRef:     ev.TxRef,
					Seq:       seq,
				})
			}
		}
	}
	return l, nil
}

// NormalizeAsset upper-cases and trims a token symbol.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func validate(ev TradeEvent) error {
	if NormalizeAsset(ev.Asset) == "" {
		return fmt.Errorf("%w: missing asset", ErrInvalidTradeEvent)
	}
	if ev.Action != Buy && ev.Action != Sell {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidTradeEvent, ev.Action)
	}
	if !ev.AmountUSD.IsPositive() {
		return fmt.Errorf("%w: amount %s must be positive", ErrInvalidTradeEvent, ev.AmountUSD)
	}
	return nil
}

// entryID derives a stable id from the transaction reference so the same
// history always yields the same ids. Events without a reference fall back
// to their timestamp.
func entryID(seen map[string]int, ev TradeEvent, asset string) string {
	ref := ev.TxRef
	if ref == "" {
		ref = fmt.Sprintf("t%d", ev.Timestamp.UnixNano())
	}
	base := ref + ":" + asset
	n := seen[base]
	seen[base] = n + 1
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s#%d", base, n)
}
