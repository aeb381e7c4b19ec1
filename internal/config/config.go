package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Config struct {
	BotName         string
	WebhookURL      string
	APIKey          string
	APIPort         int
	CORSAllowOrigin string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBMaxConns int
	DBMinConns int

	// Exchange (OKX sub-account)
	OKXAPIKey     string
	OKXAPISecret  string
	OKXPassphrase string
	OKXBaseURL    string
	OKXSimulated  bool

	// Wallet analytics provider
	WalletAPIURL string
	WalletAPIKey string

	// Scheduler
	PollInterval           time.Duration
	CatalogRefreshInterval time.Duration
	MaxParallelWallets     int
	SkipAhead              bool
	MaxSignalAttempts      int
	DayCutoffHourUTC       int

	// Sizing
	QuoteCurrency        string
	DefaultHedgeLeverage int
	MarginMode           string
	AliasFile            string

	// Paper Trading
	PaperTradingEnabled bool
	PaperInitialUSDT    decimal.Decimal
	PaperSlippagePct    float64
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	paperUSDT, err := decimal.NewFromString(envStr("PAPER_INITIAL_USDT", "10000"))
	if err != nil {
		return nil, fmt.Errorf("PAPER_INITIAL_USDT: %w", err)
	}

	cfg := &Config{
		BotName:         envStr("BOT_NAME", "TrahnCopyTrader"),
		WebhookURL:      envStr("WEBHOOK_URL", ""),
		APIKey:          envStr("API_KEY", ""),
		APIPort:         envInt("API_PORT", 3001),
		CORSAllowOrigin: envStr("CORS_ALLOW_ORIGIN", "*"),

		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "text"),

		DBHost:     envStr("DB_HOST", "localhost"),
		DBPort:     envInt("DB_PORT", 5432),
		DBName:     envStr("DB_NAME", "trahn_copy_trader"),
		DBUser:     envStr("DB_USER", ""),
		DBPassword: envStr("DB_PASSWORD", ""),
		DBMaxConns: envInt("DB_MAX_CONNS", 20),
		DBMinConns: envInt("DB_MIN_CONNS", 2),

		OKXAPIKey:     envStr("OKX_API_KEY", ""),
		OKXAPISecret:  envStr("OKX_API_SECRET", ""),
		OKXPassphrase: envStr("OKX_PASSPHRASE", ""),
		OKXBaseURL:    envStr("OKX_BASE_URL", "https://www.okx.com"),
		OKXSimulated:  envBool("OKX_SIMULATED", false),

		WalletAPIURL: envStr("WALLET_API_URL", ""),
		WalletAPIKey: envStr("WALLET_API_KEY", ""),

		PollInterval:           envDuration("POLL_INTERVAL", 30*time.Second),
		CatalogRefreshInterval: envDuration("CATALOG_REFRESH_INTERVAL", time.Hour),
		MaxParallelWallets:     envInt("MAX_PARALLEL_WALLETS", 8),
		SkipAhead:              envBool("SKIP_AHEAD", false),
		MaxSignalAttempts:      envInt("MAX_SIGNAL_ATTEMPTS", 0),
		DayCutoffHourUTC:       envInt("DAY_CUTOFF_HOUR_UTC", 0),

		QuoteCurrency:        strings.ToUpper(envStr("QUOTE_CURRENCY", "USDT")),
		DefaultHedgeLeverage: envInt("DEFAULT_HEDGE_LEVERAGE", 1),
		MarginMode:           envStr("MARGIN_MODE", "isolated"),
		AliasFile:            envStr("ALIAS_FILE", ""),

		PaperTradingEnabled: envBool("PAPER_TRADING_ENABLED", true),
		PaperInitialUSDT:    paperUSDT,
		PaperSlippagePct:    envFloat("PAPER_SLIPPAGE_PCT", 0.05),
	}

	return cfg, nil
}

// Validate checks required settings. Warnings for risky but legal
// combinations go to log.
func (c *Config) Validate(log logrus.FieldLogger) error {
	var errs []string

	if c.WalletAPIURL == "" {
		errs = append(errs, "WALLET_API_URL is required")
	}
	if !c.PaperTradingEnabled {
		if c.OKXAPIKey == "" || c.OKXAPISecret == "" || c.OKXPassphrase == "" {
			errs = append(errs, "OKX_API_KEY, OKX_API_SECRET and OKX_PASSPHRASE are required for live trading")
		}
	}
	if c.PollInterval < time.Second {
		errs = append(errs, "POLL_INTERVAL must be at least 1s")
	}
	if c.DayCutoffHourUTC < 0 || c.DayCutoffHourUTC > 23 {
		errs = append(errs, "DAY_CUTOFF_HOUR_UTC must be between 0 and 23")
	}
	if c.DefaultHedgeLeverage < 1 {
		errs = append(errs, "DEFAULT_HEDGE_LEVERAGE must be >= 1")
	}
	if c.MarginMode != "isolated" && c.MarginMode != "cross" {
		errs = append(errs, "MARGIN_MODE must be isolated or cross")
	}
	if c.PaperTradingEnabled && !c.PaperInitialUSDT.IsPositive() {
		errs = append(errs, "PAPER_INITIAL_USDT must be positive")
	}
	if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		errs = append(errs, "DB_MIN_CONNS and DB_MAX_CONNS must satisfy 0 <= min <= max, max >= 1")
	}
	if c.PaperSlippagePct < 0 {
		errs = append(errs, "PAPER_SLIPPAGE_PCT must be >= 0")
	}

	if c.APIKey == "" {
		log.Warn("API_KEY not set - REST API has no authentication")
	}
	if c.SkipAhead {
		log.Warn("SKIP_AHEAD enabled - signals behind a blocked signal will be dispatched out of order")
	}
	if c.MaxParallelWallets <= 0 {
		log.Warn("MAX_PARALLEL_WALLETS <= 0 - wallet parallelism is unbounded")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

func (c *Config) Print(log logrus.FieldLogger) {
	mode := "LIVE"
	if c.PaperTradingEnabled {
		mode = "PAPER"
	}
	log.WithFields(logrus.Fields{
		"mode":             mode,
		"exchange":         c.OKXBaseURL,
		"simulated":        c.OKXSimulated,
		"quote":            c.QuoteCurrency,
		"margin_mode":      c.MarginMode,
		"hedge_leverage":   c.DefaultHedgeLeverage,
		"poll_interval":    c.PollInterval.String(),
		"catalog_refresh":  c.CatalogRefreshInterval.String(),
		"parallel_wallets": c.MaxParallelWallets,
		"skip_ahead":       c.SkipAhead,
		"webhook":          boolLabel(c.WebhookURL != "", "configured", "not set"),
	}).Info("copy trader configuration")
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// --- helpers ---

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "true" || v == "1" || v == "yes"
	}
	return fallback
}

// envDuration accepts Go durations ("45s") or plain seconds ("45").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func boolLabel(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}
