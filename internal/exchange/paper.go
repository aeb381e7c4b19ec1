package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/kjannette/trahn-copytrade/internal/instruments"
	"github.com/kjannette/trahn-copytrade/internal/logging"
)

// PaperExchange simulates an isolated-margin sub-account in memory. Market
// data comes from a real venue so sizing sees live prices and contract specs.
type PaperExchange struct {
	mu          sync.Mutex
	market      MarketData
	initialUSDT decimal.Decimal
	available   decimal.Decimal
	slippagePct float64
	leverage    map[string]int
	positions   map[string]*paperPosition
	contracts   map[string]decimal.Decimal
	fills       []PaperFill
	startTime   time.Time
	log         *logrus.Entry
}

type paperPosition struct {
	Contracts decimal.Decimal
	AvgPrice  decimal.Decimal
	Margin    decimal.Decimal
}

type PaperFill struct {
	OrderID        string          `json:"ordId"`
	ClientOrderID  string          `json:"clOrdId"`
	Timestamp      time.Time       `json:"timestamp"`
	InstID         string          `json:"instId"`
	Side           string          `json:"side"`
	PosSide        string          `json:"posSide"`
	Contracts      decimal.Decimal `json:"contracts"`
	ExecutionPrice decimal.Decimal `json:"executionPrice"`
	NotionalUSD    decimal.Decimal `json:"notionalUsd"`
	RealizedPnL    decimal.Decimal `json:"realizedPnl"`
	BalanceAfter   decimal.Decimal `json:"balanceAfter"`
}

func NewPaperExchange(market MarketData, initialUSDT decimal.Decimal, slippagePct float64) *PaperExchange {
	return &PaperExchange{
		market:      market,
		initialUSDT: initialUSDT,
		available:   initialUSDT,
		slippagePct: slippagePct,
		leverage:    make(map[string]int),
		positions:   make(map[string]*paperPosition),
		contracts:   make(map[string]decimal.Decimal),
		startTime:   time.Now(),
		log:         logging.For("paper"),
	}
}

func posKey(instID, posSide string) string { return instID + "/" + posSide }

func (p *PaperExchange) Balance(context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available, nil
}

func (p *PaperExchange) Ticker(ctx context.Context, instID string) (Ticker, error) {
	return p.market.Ticker(ctx, instID)
}

func (p *PaperExchange) Instruments(ctx context.Context, instType string) ([]instruments.Meta, error) {
	metas, err := p.market.Instruments(ctx, instType)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	for _, m := range metas {
		p.contracts[m.InstID] = m.ContractValue
	}
	p.mu.Unlock()
	return metas, nil
}

func (p *PaperExchange) SetLeverage(_ context.Context, req LeverageRequest) error {
	if req.Leverage <= 0 {
		return &APIError{Endpoint: "paper/set-leverage", Code: "51000", Msg: "invalid leverage"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage[posKey(req.InstID, req.PosSide)] = req.Leverage
	return nil
}

func (p *PaperExchange) contractValue(ctx context.Context, instID string) (decimal.Decimal, error) {
	p.mu.Lock()
	ct, ok := p.contracts[instID]
	p.mu.Unlock()
	if ok {
		return ct, nil
	}
	if _, err := p.Instruments(ctx, "SWAP"); err != nil {
		return decimal.Zero, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ct, ok = p.contracts[instID]; !ok {
		return decimal.Zero, &APIError{Endpoint: "paper/order", Code: "51001", Msg: "instrument " + instID + " does not exist"}
	}
	return ct, nil
}

// PlaceOrder fills a market order at the current ticker price, adjusted by
// random slippage against the order direction.
func (p *PaperExchange) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	size, err := decimal.NewFromString(req.Size)
	if err != nil || !size.IsPositive() {
		return OrderResult{}, &APIError{Endpoint: "paper/order", Code: "51000", Msg: fmt.Sprintf("invalid size %q", req.Size)}
	}
	ct, err := p.contractValue(ctx, req.InstID)
	if err != nil {
		return OrderResult{}, err
	}
	tick, err := p.market.Ticker(ctx, req.InstID)
	if err != nil {
		return OrderResult{}, err
	}

	slip := decimal.NewFromFloat(randomSlippage(p.slippagePct))
	price := tick.Last.Mul(decimal.NewFromInt(1).Add(slip))
	if req.Side == "sell" {
		price = tick.Last.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	notional := size.Mul(ct).Mul(price)

	p.mu.Lock()
	defer p.mu.Unlock()

	key := posKey(req.InstID, req.PosSide)
	pos := p.positions[key]
	if pos == nil {
		pos = &paperPosition{Contracts: decimal.Zero, AvgPrice: decimal.Zero, Margin: decimal.Zero}
		p.positions[key] = pos
	}

	opening := (req.Side == "buy" && req.PosSide == "long") || (req.Side == "sell" && req.PosSide == "short")
	pnl := decimal.Zero
	if opening {
		lev := p.leverage[key]
		if lev <= 0 {
			lev = 1
		}
		margin := notional.Div(decimal.NewFromInt(int64(lev)))
		if margin.GreaterThan(p.available) {
			return OrderResult{}, &APIError{Endpoint: "paper/order", Code: "51008",
				Msg: fmt.Sprintf("insufficient balance: need %s, have %s", margin.StringFixed(2), p.available.StringFixed(2))}
		}
		total := pos.Contracts.Add(size)
		pos.AvgPrice = pos.AvgPrice.Mul(pos.Contracts).Add(price.Mul(size)).Div(total)
		pos.Contracts = total
		pos.Margin = pos.Margin.Add(margin)
		p.available = p.available.Sub(margin)
	} else {
		if size.GreaterThan(pos.Contracts) {
			return OrderResult{}, &APIError{Endpoint: "paper/order", Code: "51169",
				Msg: fmt.Sprintf("close size %s exceeds position %s", req.Size, pos.Contracts)}
		}
		diff := price.Sub(pos.AvgPrice)
		if req.PosSide == "short" {
			diff = diff.Neg()
		}
		pnl = diff.Mul(size).Mul(ct)
		released := pos.Margin.Mul(size).Div(pos.Contracts)
		pos.Contracts = pos.Contracts.Sub(size)
		pos.Margin = pos.Margin.Sub(released)
		if pos.Contracts.IsZero() {
			pos.AvgPrice = decimal.Zero
			pos.Margin = decimal.Zero
		}
		p.available = p.available.Add(released).Add(pnl)
	}

	fill := PaperFill{
		OrderID:        uuid.NewString(),
		ClientOrderID:  req.ClientOrderID,
		Timestamp:      time.Now().UTC(),
		InstID:         req.InstID,
		Side:           req.Side,
		PosSide:        req.PosSide,
		Contracts:      size,
		ExecutionPrice: price,
		NotionalUSD:    notional,
		RealizedPnL:    pnl,
		BalanceAfter:   p.available,
	}
	p.fills = append(p.fills, fill)

	p.log.WithFields(logrus.Fields{
		"inst_id":  req.InstID,
		"side":     req.Side,
		"pos_side": req.PosSide,
		"sz":       req.Size,
		"price":    price.StringFixed(4),
		"balance":  p.available.StringFixed(2),
	}).Info("paper fill")

	return OrderResult{OrderID: fill.OrderID, ClientOrderID: req.ClientOrderID, Code: "0"}, nil
}

// Fills returns a copy of every simulated fill so far.
func (p *PaperExchange) Fills() []PaperFill {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PaperFill(nil), p.fills...)
}

type PaperStats struct {
	InitialUSDT      decimal.Decimal `json:"initialUsdt"`
	AvailableUSDT    decimal.Decimal `json:"availableUsdt"`
	MarginInUse      decimal.Decimal `json:"marginInUse"`
	RealizedPnL      decimal.Decimal `json:"realizedPnl"`
	TotalFills       int             `json:"totalFills"`
	OpenPositions    int             `json:"openPositions"`
	RunningTimeHours float64         `json:"runningTimeHours"`
}

func (p *PaperExchange) Stats() PaperStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	margin, open := decimal.Zero, 0
	for _, pos := range p.positions {
		if pos.Contracts.IsPositive() {
			open++
			margin = margin.Add(pos.Margin)
		}
	}
	pnl := decimal.Zero
	for _, f := range p.fills {
		pnl = pnl.Add(f.RealizedPnL)
	}
	return PaperStats{
		InitialUSDT:      p.initialUSDT,
		AvailableUSDT:    p.available,
		MarginInUse:      margin,
		RealizedPnL:      pnl,
		TotalFills:       len(p.fills),
		OpenPositions:    open,
		RunningTimeHours: time.Since(p.startTime).Hours(),
	}
}

func randomSlippage(maxPct float64) float64 {
	if maxPct <= 0 {
		return 0
	}
	return rand.Float64() * maxPct / 100
}
