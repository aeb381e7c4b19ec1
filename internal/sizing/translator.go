// Package sizing turns a detected signal into exchange-exact order legs.
// Everything here is pure: balances, mark prices and tracked positions
// are fetched by the caller and passed in.
package sizing

import (
	"github.com/shopspring/decimal"

	"github.com/kjannette/trahn-copytrade/internal/instruments"
	"github.com/kjannette/trahn-copytrade/internal/ledger"
	"github.com/kjannette/trahn-copytrade/internal/models"
	"github.com/kjannette/trahn-copytrade/internal/signal"
)

var hundred = decimal.NewFromInt(100)

type LegKind string

const (
	OpenLong   LegKind = "open_long"
	CloseLong  LegKind = "close_long"
	OpenShort  LegKind = "open_short"
	CloseShort LegKind = "close_short"
)

// Opens reports whether the leg adds exposure and so needs leverage set.
func (k LegKind) Opens() bool { return k == OpenLong || k == OpenShort }

// Side returns the exchange order side and position side of the leg.
func (k LegKind) Side() (side, posSide string) {
	switch k {
	case OpenLong:
		return "buy", "long"
	case CloseLong:
		return "sell", "long"
	case OpenShort:
		return "sell", "short"
	default:
		return "buy", "short"
	}
}

// Leg is one independent order submission. A leg with a non-nil
// Rejection was sized below the instrument minimum and must not be sent.
type Leg struct {
	Index       int             `json:"index"`
	Kind        LegKind         `json:"kind"`
	InstID      string          `json:"instId"`
	Side        string          `json:"side"`
	PosSide     string          `json:"posSide"`
	Contracts   decimal.Decimal `json:"contracts"`
	Size        string          `json:"size"`
	NotionalUSD decimal.Decimal `json:"notionalUsd"`
	Leverage    int             `json:"leverage,omitempty"`
	// FullClose closes every tracked contract on that side.
	FullClose bool       `json:"fullClose,omitempty"`
	Rejection *Rejection `json:"rejection,omitempty"`
}

// Plan is the translated order for one signal.
type Plan struct {
	InstID    string          `json:"instId"`
	SizeUSD   decimal.Decimal `json:"sizeUsd"`
	MarkPrice decimal.Decimal `json:"markPrice"`
	Legs      []Leg           `json:"legs"`
}

// Executable returns the legs that passed validation, in submit order.
func (p Plan) Executable() []Leg {
	var out []Leg
	for _, l := range p.Legs {
		if l.Rejection == nil {
			out = append(out, l)
		}
	}
	return out
}

// Rejected returns the first leg rejection when no leg is executable.
func (p Plan) Rejected() *Rejection {
	if len(p.Executable()) > 0 || len(p.Legs) == 0 {
		return nil
	}
	return p.Legs[0].Rejection
}

// Account is the exchange sub-account state relevant to sizing.
type Account struct {
	AvailableUSD decimal.Decimal
}

type Input struct {
	Signal    signal.Signal
	Strategy  models.Strategy
	Account   Account
	Meta      instruments.Meta
	MarkPrice decimal.Decimal
	Position  models.Position
}

type Translator struct {
	aliases       *AliasTable
	hedgeLeverage int
}

// NewTranslator builds a translator; hedgeLeverage is used for SHORT legs
// of strategies that do not set their own.
func NewTranslator(aliases *AliasTable, hedgeLeverage int) *Translator {
	if aliases == nil {
		aliases = NewAliasTable("")
	}
	if hedgeLeverage <= 0 {
		hedgeLeverage = 1
	}
	return &Translator{aliases: aliases, hedgeLeverage: hedgeLeverage}
}

// InstID maps a wallet asset to its perpetual swap instrument.
func (t *Translator) InstID(asset string) (string, error) {
	return t.aliases.InstID(asset)
}

// Resolve looks up the instrument for asset in snap.
func (t *Translator) Resolve(asset string, snap *instruments.Snapshot) (instruments.Meta, error) {
	instID, err := t.InstID(asset)
	if err != nil {
		return instruments.Meta{}, err
	}
	m, ok := snap.Get(instID)
	if !ok {
		return instruments.Meta{}, reject(InstrumentNotFound, "%s not listed", instID)
	}
	return m, nil
}

// TargetUSD is the notional the copier should trade for the signal.
func TargetUSD(sig signal.Signal, strat models.Strategy, acct Account) (decimal.Decimal, error) {
	var size decimal.Decimal
	switch strat.SizingMode {
	case models.SizingFixed:
		size = strat.FixedAmountUSD
	default:
		if !acct.AvailableUSD.IsPositive() {
			return decimal.Zero, reject(InsufficientBalance, "available balance %s", acct.AvailableUSD)
		}
		size = acct.AvailableUSD.Mul(sig.PercentageOfWallet).Div(hundred)
	}
	if !size.IsPositive() {
		return decimal.Zero, reject(ZeroTargetSize, "target notional %s", size)
	}
	return size, nil
}

// RawContracts converts a USD notional into unrounded contracts.
func RawContracts(sizeUSD, markPrice, contractValue decimal.Decimal) decimal.Decimal {
	return sizeUSD.Div(markPrice).Div(contractValue)
}

// Translate sizes the signal and splits it into legs against the tracked
// position. The returned error is always a *Rejection.
func (t *Translator) Translate(in Input) (Plan, error) {
	if !in.MarkPrice.IsPositive() {
		return Plan{}, reject(InvalidMarkPrice, "mark price %s for %s", in.MarkPrice, in.Meta.InstID)
	}
	if !in.Meta.ContractValue.IsPositive() {
		return Plan{}, reject(InstrumentNotFound, "%s has no contract value", in.Meta.InstID)
	}
	size, err := TargetUSD(in.Signal, in.Strategy, in.Account)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{InstID: in.Meta.InstID, SizeUSD: size, MarkPrice: in.MarkPrice}
	pos := in.Position
	longLev := in.Strategy.Leverage
	if longLev <= 0 {
		longLev = 1
	}
	hedgeLev := in.Strategy.HedgeLeverage
	if hedgeLev <= 0 {
		hedgeLev = t.hedgeLeverage
	}

	switch in.Signal.Type {
	case ledger.Buy:
		if pos.ShortContracts.IsPositive() {
			plan.add(t.closeLeg(in, CloseShort, size, pos.ShortUSD, pos.ShortContracts))
		}
		plan.add(t.openLeg(in, OpenLong, size, longLev))
	case ledger.Sell:
		if pos.LongContracts.IsPositive() {
			plan.add(t.closeLeg(in, CloseLong, size, pos.LongUSD, pos.LongContracts))
		}
		plan.add(t.openLeg(in, OpenShort, size, hedgeLev))
	}
	return plan, nil
}

func (p *Plan) add(l Leg) {
	l.Index = len(p.Legs) + 1
	p.Legs = append(p.Legs, l)
}

func (t *Translator) openLeg(in Input, kind LegKind, sizeUSD decimal.Decimal, leverage int) Leg {
	contracts := RoundDownToLot(RawContracts(sizeUSD, in.MarkPrice, in.Meta.ContractValue), in.Meta.LotSize)
	l := t.leg(in, kind, contracts, sizeUSD)
	l.Leverage = leverage
	return l
}

// closeLeg closes min(trackedUSD, sizeUSD) of the tracked side. Closing
// the whole tracked notional closes every tracked contract.
func (t *Translator) closeLeg(in Input, kind LegKind, sizeUSD, trackedUSD, trackedContracts decimal.Decimal) Leg {
	closeUSD := decimal.Min(trackedUSD, sizeUSD)
	if !trackedUSD.IsPositive() || closeUSD.Equal(trackedUSD) {
		l := t.leg(in, kind, trackedContracts, trackedUSD)
		l.FullClose = true
		return l
	}
	contracts := RoundDownToLot(RawContracts(closeUSD, in.MarkPrice, in.Meta.ContractValue), in.Meta.LotSize)
	if contracts.GreaterThanOrEqual(trackedContracts) {
		l := t.leg(in, kind, trackedContracts, trackedUSD)
		l.FullClose = true
		return l
	}
	return t.leg(in, kind, contracts, closeUSD)
}

func (t *Translator) leg(in Input, kind LegKind, contracts, notional decimal.Decimal) Leg {
	side, posSide := kind.Side()
	l := Leg{
		Kind:        kind,
		InstID:      in.Meta.InstID,
		Side:        side,
		PosSide:     posSide,
		Contracts:   contracts,
		Size:        FormatSize(contracts, in.Meta.LotSize),
		NotionalUSD: notional,
	}
	switch {
	case !contracts.IsPositive():
		l.Rejection = reject(BelowMinimumOrderSize, "%s %s rounds to zero contracts", kind, in.Meta.InstID)
	case contracts.LessThan(in.Meta.MinSize):
		l.Rejection = reject(BelowMinimumOrderSize, "%s %s contracts < min %s", kind, l.Size, in.Meta.MinSize)
	}
	return l
}

// Apply returns pos after leg has been filled.
func Apply(pos models.Position, leg Leg) models.Position {
	switch leg.Kind {
	case OpenLong:
		pos.LongUSD = pos.LongUSD.Add(leg.NotionalUSD)
		pos.LongContracts = pos.LongContracts.Add(leg.Contracts)
	case OpenShort:
		pos.ShortUSD = pos.ShortUSD.Add(leg.NotionalUSD)
		pos.ShortContracts = pos.ShortContracts.Add(leg.Contracts)
	case CloseLong:
		pos.LongUSD, pos.LongContracts = reduce(pos.LongUSD, pos.LongContracts, leg)
	case CloseShort:
		pos.ShortUSD, pos.ShortContracts = reduce(pos.ShortUSD, pos.ShortContracts, leg)
	}
	return pos
}

func reduce(usd, contracts decimal.Decimal, leg Leg) (decimal.Decimal, decimal.Decimal) {
	if leg.FullClose {
		return decimal.Zero, decimal.Zero
	}
	usd = usd.Sub(leg.NotionalUSD)
	contracts = contracts.Sub(leg.Contracts)
	if !contracts.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	if usd.IsNegative() {
		usd = decimal.Zero
	}
	return usd, contracts
}
