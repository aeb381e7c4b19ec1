// Package signal derives discrete, idempotent position signals from a
// rebuilt ledger relative to a wallet checkpoint.
package signal

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kjannette/trahn-copytrade/internal/ledger"
)

var hundred = decimal.NewFromInt(100)

// Checkpoint is the timestamp up to which a wallet's history has been
// durably processed.
type Checkpoint struct {
	WalletAddress   string    `json:"walletAddress"`
	LastProcessedAt time.Time `json:"lastProcessedAt"`
}

// Signal is one detected open (BUY) or reduction (SELL) of a tracked
// wallet position.
type Signal struct {
	Ref     string        `json:"ref"`
	Type    ledger.Action `json:"type"`
	Asset   string        `json:"asset"`
	EntryID string        `json:"entryId,omitempty"`

	// AmountUSD of a SELL is the whole event, matched and anomaly sales
	// alike.
	AmountUSD decimal.Decimal `json:"amountUsd"`

	PercentageOfWallet decimal.Decimal `json:"percentageOfWallet"`
	SourceTimestamp    time.Time       `json:"sourceTimestamp"`
	SourceRef          string          `json:"sourceRef"`

	seq int
}

// Detect returns every signal newer than cp in ascending source order.
// walletTotalUSD is the wallet's total value at detection time; the
// percentage is zero when it is not positive. The result depends only on
// the arguments.
func Detect(l *ledger.Ledger, cp Checkpoint, walletTotalUSD decimal.Decimal) []Signal {
	if l == nil {
		return nil
	}
	after := func(ts time.Time) bool { return ts.After(cp.LastProcessedAt) }

	var out []Signal
	for _, e := range l.Entries {
		if !after(e.OpenedAt) {
			continue
		}
		out = append(out, Signal{
			Ref:             "BUY:" + e.ID,
			Type:            ledger.Buy,
			Asset:           e.Asset,
			EntryID:         e.ID,
			AmountUSD:       e.OriginalUSD,
			SourceTimestamp: e.OpenedAt,
			SourceRef:       e.TxRef,
			seq:             e.Seq,
		})
	}

	// A SELL event may be split across several entries plus an anomaly
	// leg; all legs share the event's seq and fold into one signal.
	sells := make(map[int]*Signal)
	addSale := func(s ledger.Sale) {
		if !after(s.Timestamp) {
			return
		}
		sig, ok := sells[s.Seq]
		if !ok {
			sig = &Signal{
				Type:            ledger.Sell,
				Asset:           s.Asset,
				AmountUSD:       decimal.Zero,
				SourceTimestamp: s.Timestamp,
				SourceRef:       s.TxRef,
				seq:             s.Seq,
			}
			sells[s.Seq] = sig
		}
		sig.AmountUSD = sig.AmountUSD.Add(s.AmountUSD)
	}
	for _, e := range l.Entries {
		for _, s := range e.Sales {
			addSale(s)
		}
	}
	for _, s := range l.Orphans {
		addSale(s)
	}
	for _, sig := range sells {
		out = append(out, *sig)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].seq < out[j].seq })

	refs := make(map[string]int)
	for i := range out {
		if out[i].Type == ledger.Sell {
			out[i].Ref = sellRef(refs, out[i])
		}
		out[i].PercentageOfWallet = Percentage(out[i].AmountUSD, walletTotalUSD)
	}
	return out
}

// Percentage is amountUSD as a percentage of walletTotalUSD.
func Percentage(amountUSD, walletTotalUSD decimal.Decimal) decimal.Decimal {
	if !walletTotalUSD.IsPositive() {
		return decimal.Zero
	}
	return amountUSD.Div(walletTotalUSD).Mul(hundred)
}

// MaxTimestamp is the newest source timestamp in sigs, or zero.
func MaxTimestamp(sigs []Signal) time.Time {
	var latest time.Time
	for _, s := range sigs {
		if s.SourceTimestamp.After(latest) {
			latest = s.SourceTimestamp
		}
	}
	return latest
}

func sellRef(seen map[string]int, s Signal) string {
	ref := s.SourceRef
	if ref == "" {
		ref = fmt.Sprintf("t%d", s.SourceTimestamp.UnixNano())
	}
	base := "SELL:" + ref + ":" + s.Asset
	n := seen[base]
	seen[base] = n + 1
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s#%d", base, n)
}
