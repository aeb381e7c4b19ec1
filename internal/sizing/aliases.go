package sizing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kjannette/trahn-copytrade/internal/ledger"
)

var defaultAliases = map[string]string{
	"WETH":   "ETH",
	"STETH":  "ETH",
	"WSTETH": "ETH",
	"WEETH":  "ETH",
	"WBTC":   "BTC",
	"CBBTC":  "BTC",
	"TBTC":   "BTC",
	"WSOL":   "SOL",
	"WBNB":   "BNB",
	"WAVAX":  "AVAX",
	"WPOL":   "POL",
	"WMATIC": "POL",
}

var defaultStablecoins = []string{"USDC", "USDT", "DAI", "BUSD", "TUSD", "FDUSD", "USDE", "PYUSD", "USDC.E", "USDBC"}

// AliasTable maps on-chain token symbols to exchange base currencies.
type AliasTable struct {
	quote   string
	aliases map[string]string
}

// aliasFile is the YAML shape accepted by LoadAliasFile.
type aliasFile struct {
	Aliases     map[string]string `yaml:"aliases"`
	Stablecoins []string          `yaml:"stablecoins"`
}

func NewAliasTable(quote string) *AliasTable {
	quote = ledger.NormalizeAsset(quote)
	if quote == "" {
		quote = "USDT"
	}
	t := &AliasTable{quote: quote, aliases: make(map[string]string)}
	for k, v := range defaultAliases {
		t.Set(k, v)
	}
	for _, s := range defaultStablecoins {
		t.Set(s, quote)
	}
	return t
}

// LoadAliasFile extends the defaults with entries from a YAML file:
//
//	aliases:
//	  JITOSOL: SOL
//	stablecoins: [USDS]
func LoadAliasFile(path, quote string) (*AliasTable, error) {
	t := NewAliasTable(quote)
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alias file: %w", err)
	}
	var f aliasFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse alias file %s: %w", path, err)
	}
	for k, v := range f.Aliases {
		t.Set(k, v)
	}
	for _, s := range f.Stablecoins {
		t.Set(s, t.quote)
	}
	return t, nil
}

func (t *AliasTable) Set(token, base string) {
	t.aliases[ledger.NormalizeAsset(token)] = ledger.NormalizeAsset(base)
}

func (t *AliasTable) Quote() string { return t.quote }

// Base resolves token to its exchange base currency.
func (t *AliasTable) Base(token string) string {
	token = ledger.NormalizeAsset(token)
	if base, ok := t.aliases[token]; ok {
		return base
	}
	return token
}

// InstID returns the perpetual swap id "{BASE}-{QUOTE}-SWAP" for token.
// Tokens that resolve to the quote currency have no instrument.
func (t *AliasTable) InstID(token string) (string, error) {
	base := t.Base(token)
	if base == "" {
		return "", reject(InstrumentNotFound, "empty token symbol")
	}
	if base == t.quote {
		return "", reject(InstrumentNotFound, "%s resolves to quote currency %s", ledger.NormalizeAsset(token), t.quote)
	}
	if strings.ContainsAny(base, " /") {
		return "", reject(InstrumentNotFound, "unsupported token symbol %q", base)
	}
	return fmt.Sprintf("%s-%s-SWAP", base, t.quote), nil
}
