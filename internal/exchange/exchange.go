// Package exchange talks to the perpetual-futures venue the copier trades on.
package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kjannette/trahn-copytrade/internal/instruments"
)

// ErrTransient marks failures worth retrying on a later tick: timeouts,
// connection errors and 5xx responses that outlived the retry budget.
var ErrTransient = errors.New("transient exchange failure")

// APIError is a structured rejection returned by the exchange. It is
// recorded verbatim and never retried automatically.
type APIError struct {
	Endpoint string
	Code     string
	Msg      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: exchange code %s: %s", e.Endpoint, e.Code, e.Msg)
}

type Ticker struct {
	InstID string          `json:"instId"`
	Last   decimal.Decimal `json:"last"`
}

type LeverageRequest struct {
	InstID     string
	Leverage   int
	MarginMode string
	PosSide    string
}

type OrderRequest struct {
	InstID        string
	MarginMode    string
	Side          string
	PosSide       string
	OrderType     string
	Size          string
	ClientOrderID string
}

type OrderResult struct {
	OrderID       string `json:"ordId"`
	ClientOrderID string `json:"clOrdId"`
	Code          string `json:"sCode"`
	Message       string `json:"sMsg"`
}

// Client is the subset of the exchange API the copier uses.
type Client interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
	Ticker(ctx context.Context, instID string) (Ticker, error)
	Instruments(ctx context.Context, instType string) ([]instruments.Meta, error)
	SetLeverage(ctx context.Context, req LeverageRequest) error
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}

// MarketData is the public, unauthenticated part of Client.
type MarketData interface {
	Ticker(ctx context.Context, instID string) (Ticker, error)
	Instruments(ctx context.Context, instType string) ([]instruments.Meta, error)
}
