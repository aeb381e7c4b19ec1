// Package external holds clients for third-party data the copier reads.
package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/kjannette/trahn-copytrade/internal/httputil"
	"github.com/kjannette/trahn-copytrade/internal/ledger"
)

var ErrInvalidAddress = errors.New("invalid wallet address")

// NormalizeAddress validates a hex wallet address and returns its EIP-55
// checksummed form.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

// WalletClient reads a tracked wallet's trade history and current value
// from the wallet-analytics service.
type WalletClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      httputil.Policy
}

func NewWalletClient(baseURL, apiKey string) *WalletClient {
	return &WalletClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry: httputil.Policy{
			Name:        "wallet",
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    8 * time.Second,
			Jitter:      0.2,
		},
	}
}

type tradeDTO struct {
	Asset     string          `json:"asset"`
	Action    string          `json:"action"`
	AmountUSD decimal.Decimal `json:"amountUsd"`
	Timestamp time.Time       `json:"timestamp"`
	TxHash    string          `json:"txHash"`
}

func (c *WalletClient) get(ctx context.Context, path string, out any) error {
	resp, err := httputil.Do(ctx, c.httpClient, c.retry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("wallet api %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet api %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// TradeHistory returns the wallet's trades in the order the service
// reports them. Ordering by time is left to the ledger builder.
func (c *WalletClient) TradeHistory(ctx context.Context, wallet string) ([]ledger.TradeEvent, error) {
	addr, err := NormalizeAddress(wallet)
	if err != nil {
		return nil, err
	}
	var data struct {
		Trades []tradeDTO `json:"trades"`
	}
	if err := c.get(ctx, "/v1/wallets/"+url.PathEscape(addr)+"/trades", &data); err != nil {
		return nil, err
	}

	events := make([]ledger.TradeEvent, 0, len(data.Trades))
	for _, t := range data.Trades {
		events = append(events, ledger.TradeEvent{
			Asset:     t.Asset,
			Action:    ledger.Action(strings.ToUpper(t.Action)),
			AmountUSD: t.AmountUSD,
			Timestamp: t.Timestamp.UTC(),
			TxRef:     t.TxHash,
		})
	}
	return events, nil
}

// TotalValueUSD returns the wallet's current total value.
func (c *WalletClient) TotalValueUSD(ctx context.Context, wallet string) (decimal.Decimal, error) {
	addr, err := NormalizeAddress(wallet)
	if err != nil {
		return decimal.Zero, err
	}
	var data struct {
		TotalValueUSD decimal.Decimal `json:"totalValueUsd"`
	}
	if err := c.get(ctx, "/v1/wallets/"+url.PathEscape(addr)+"/value", &data); err != nil {
		return decimal.Zero, err
	}
	if data.TotalValueUSD.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid wallet value %s", data.TotalValueUSD)
	}
	return data.TotalValueUSD, nil
}
