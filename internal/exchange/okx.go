package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kjannette/trahn-copytrade/internal/instruments"
	"github.com/kjannette/trahn-copytrade/internal/logging"
)

const (
	okxTimeFormat  = "2006-01-02T15:04:05.000Z"
	defaultTimeout = 10 * time.Second
)

type OKXConfig struct {
	BaseURL    string
	APIKey     string
	Secret     string
	Passphrase string
	// Simulated routes orders to the OKX demo trading environment.
	Simulated bool
	Quote     string
	Timeout   time.Duration
	// Attempts is the total number of tries for transport failures and 5xx.
	Attempts  int
	RetryWait time.Duration
	// RequestsPerSecond paces every call made by this client.
	RequestsPerSecond float64
}

// OKXClient is a signed OKX v5 REST client for one trading sub-account.
type OKXClient struct {
	http    *resty.Client
	cfg     OKXConfig
	limiter *rate.Limiter
	log     *logrus.Entry
	now     func() time.Time
}

func NewOKXClient(cfg OKXConfig) *OKXClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.okx.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Quote == "" {
		cfg.Quote = "USDT"
	}
	log := logging.For("okx")

	hc := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Attempts-1).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(8 * cfg.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= http.StatusInternalServerError)
		}).
		AddRetryHook(func(r *resty.Response, err error) {
			entry := log.WithError(err)
			if r != nil && r.Request != nil {
				entry = entry.WithFields(logrus.Fields{"attempt": r.Request.Attempt, "status": r.StatusCode()})
			}
			entry.Warn("retrying exchange request")
		})

	return &OKXClient{
		http:    hc,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		log:     log,
		now:     time.Now,
	}
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// sign computes the OK-ACCESS-SIGN header value.
func sign(secret, timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *OKXClient) call(ctx context.Context, method, path string, query url.Values, body any, private bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}
	var payload string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		payload = string(raw)
	}

	r := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if private {
		ts := c.now().UTC().Format(okxTimeFormat)
		r.SetHeaders(map[string]string{
			"OK-ACCESS-KEY":        c.cfg.APIKey,
			"OK-ACCESS-SIGN":       sign(c.cfg.Secret, ts, method, requestPath, payload),
			"OK-ACCESS-TIMESTAMP":  ts,
			"OK-ACCESS-PASSPHRASE": c.cfg.Passphrase,
		})
	}
	if c.cfg.Simulated {
		r.SetHeader("x-simulated-trading", "1")
	}
	if payload != "" {
		r.SetBody(payload)
	}

	resp, err := r.Execute(method, requestPath)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransient, method, path, err)
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s %s: http %d", ErrTransient, method, path, resp.StatusCode())
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		if resp.IsError() {
			return &APIError{Endpoint: path, Code: strconv.Itoa(resp.StatusCode()), Msg: strings.TrimSpace(string(resp.Body()))}
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if env.Code != "0" {
		apiErr := &APIError{Endpoint: path, Code: env.Code, Msg: env.Msg}
		// Order endpoints report the real cause per item.
		var items []struct {
			SCode string `json:"sCode"`
			SMsg  string `json:"sMsg"`
		}
		if json.Unmarshal(env.Data, &items) == nil && len(items) > 0 && items[0].SCode != "" && items[0].SCode != "0" {
			apiErr.Code, apiErr.Msg = items[0].SCode, items[0].SMsg
		}
		return apiErr
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	return nil
}

// dec parses an OKX numeric string; OKX sends "" for unset fields.
func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Balance returns the available balance of the quote currency.
func (c *OKXClient) Balance(ctx context.Context) (decimal.Decimal, error) {
	var data []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
			AvailEq  string `json:"availEq"`
		} `json:"details"`
	}
	q := url.Values{"ccy": {c.cfg.Quote}}
	if err := c.call(ctx, http.MethodGet, "/api/v5/account/balance", q, nil, true, &data); err != nil {
		return decimal.Zero, err
	}
	for _, acct := range data {
		for _, d := range acct.Details {
			if !strings.EqualFold(d.Ccy, c.cfg.Quote) {
				continue
			}
			if d.AvailBal != "" {
				return dec(d.AvailBal), nil
			}
			return dec(d.AvailEq), nil
		}
	}
	return decimal.Zero, nil
}

func (c *OKXClient) Ticker(ctx context.Context, instID string) (Ticker, error) {
	var data []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
	}
	q := url.Values{"instId": {instID}}
	if err := c.call(ctx, http.MethodGet, "/api/v5/market/ticker", q, nil, false, &data); err != nil {
		return Ticker{}, err
	}
	if len(data) == 0 {
		return Ticker{}, &APIError{Endpoint: "/api/v5/market/ticker", Code: "empty", Msg: "no ticker for " + instID}
	}
	return Ticker{InstID: data[0].InstID, Last: dec(data[0].Last)}, nil
}

func (c *OKXClient) Instruments(ctx context.Context, instType string) ([]instruments.Meta, error) {
	var data []struct {
		InstID string `json:"instId"`
		CtVal  string `json:"ctVal"`
		LotSz  string `json:"lotSz"`
		MinSz  string `json:"minSz"`
		State  string `json:"state"`
	}
	q := url.Values{"instType": {instType}}
	if err := c.call(ctx, http.MethodGet, "/api/v5/public/instruments", q, nil, false, &data); err != nil {
		return nil, err
	}
	out := make([]instruments.Meta, 0, len(data))
	for _, d := range data {
		out = append(out, instruments.Meta{
			InstID:        d.InstID,
			ContractValue: dec(d.CtVal),
			LotSize:       dec(d.LotSz),
			MinSize:       dec(d.MinSz),
			State:         d.State,
		})
	}
	return out, nil
}

func (c *OKXClient) SetLeverage(ctx context.Context, req LeverageRequest) error {
	body := map[string]string{
		"instId":  req.InstID,
		"lever":   strconv.Itoa(req.Leverage),
		"mgnMode": req.MarginMode,
	}
	if req.MarginMode == "isolated" && req.PosSide != "" {
		body["posSide"] = req.PosSide
	}
	if err := c.call(ctx, http.MethodPost, "/api/v5/account/set-leverage", nil, body, true, nil); err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"inst_id": req.InstID, "lever": req.Leverage, "pos_side": req.PosSide}).Debug("leverage set")
	return nil
}

func (c *OKXClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	ordType := req.OrderType
	if ordType == "" {
		ordType = "market"
	}
	body := map[string]string{
		"instId":  req.InstID,
		"tdMode":  req.MarginMode,
		"side":    req.Side,
		"posSide": req.PosSide,
		"ordType": ordType,
		"sz":      req.Size,
	}
	if req.ClientOrderID != "" {
		body["clOrdId"] = req.ClientOrderID
	}

	var data []OrderResult
	if err := c.call(ctx, http.MethodPost, "/api/v5/trade/order", nil, body, true, &data); err != nil {
		return OrderResult{}, err
	}
	if len(data) == 0 {
		return OrderResult{}, &APIError{Endpoint: "/api/v5/trade/order", Code: "empty", Msg: "no order result"}
	}
	res := data[0]
	if res.Code != "" && res.Code != "0" {
		return res, &APIError{Endpoint: "/api/v5/trade/order", Code: res.Code, Msg: res.Message}
	}
	c.log.WithFields(logrus.Fields{
		"inst_id": req.InstID, "side": req.Side, "pos_side": req.PosSide, "sz": req.Size, "ord_id": res.OrderID,
	}).Info("order placed")
	return res, nil
}
