// Package config loads and validates the client configuration from YAML
// with environment overrides for credentials.
package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	// ModeLive trades with real funds on the production endpoints.
	ModeLive Mode = "live"
	// ModeTestnet trades against the exchange testnet.
	ModeTestnet Mode = "testnet"
	// ModePaper simulates fills locally and never submits orders.
	ModePaper Mode = "paper"
)

type Signing string

const (
	SigningHMAC    Signing = "hmac"
	SigningEd25519 Signing = "ed25519"
)

type Config struct {
	Mode       Mode            `yaml:"mode"`
	InstanceID string          `yaml:"instance_id"`
	Exchange   ExchangeConfig  `yaml:"exchange"`
	Trading    TradingConfig   `yaml:"trading"`
	Risk       RiskConfig      `yaml:"risk"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Ledger     LedgerConfig    `yaml:"ledger"`
	Log        LogConfig       `yaml:"log"`
}

type ExchangeConfig struct {
	APIKey         string  `yaml:"api_key"`
	APISecret      string  `yaml:"api_secret"`
	Signing        Signing `yaml:"signing"`
	Ed25519KeyPath string  `yaml:"ed25519_private_key_path"`
	RestBaseURL    string  `yaml:"rest_base_url"`
	WSBaseURL      string  `yaml:"ws_base_url"`
	RecvWindowMs   int64   `yaml:"recv_window_ms"`
	HTTPTimeoutSec int64   `yaml:"http_timeout_sec"`
}

type TradingConfig struct {
	Symbols           []string `yaml:"symbols"`
	DryRun            bool     `yaml:"dry_run"`
	ClientOrderPrefix string   `yaml:"client_order_prefix"`
}

type RiskConfig struct {
	MinOrderNotional    Decimal `yaml:"min_order_notional"`
	MaxOrderNotional    Decimal `yaml:"max_order_notional"`
	MaxPositionNotional Decimal `yaml:"max_position_notional"`
	MaxDailyVolume      Decimal `yaml:"max_daily_volume"`
	// Slippage is the tolerated fraction between quoted and executed price.
	Slippage Decimal `yaml:"slippage"`
}

type RateLimitConfig struct {
	RequestWeightPerMin int `yaml:"request_weight_per_min"`
	RawRequestsPerMin   int `yaml:"raw_requests_per_min"`
	OrdersPer10s        int `yaml:"orders_per_10s"`
}

type LedgerConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Exchange.Signing = Signing(strings.ToLower(strings.TrimSpace(string(c.Exchange.Signing))))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.Ed25519KeyPath = strings.TrimSpace(c.Exchange.Ed25519KeyPath)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	for i, s := range c.Trading.Symbols {
		c.Trading.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	c.Trading.ClientOrderPrefix = strings.ToLower(strings.TrimSpace(c.Trading.ClientOrderPrefix))
	c.Ledger.Path = strings.TrimSpace(c.Ledger.Path)

	// Credentials from the environment win over the file, so secrets can
	// stay out of config files entirely.
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.Exchange.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		c.Exchange.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_ED25519_KEY_PATH"); v != "" {
		c.Exchange.Ed25519KeyPath = strings.TrimSpace(v)
	}
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Exchange.Signing == "" {
		c.Exchange.Signing = SigningHMAC
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.RestBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.RestBaseURL = "https://testnet.binance.vision"
		default:
			c.Exchange.RestBaseURL = "https://api.binance.com"
		}
	}
	if c.Exchange.WSBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.WSBaseURL = "wss://stream.testnet.binance.vision"
		default:
			c.Exchange.WSBaseURL = "wss://stream.binance.com:9443"
		}
	}
	if c.Mode == ModePaper {
		// Paper mode needs no real credentials; synthesize marked ones so
		// the signer's validation still passes.
		if c.Exchange.APIKey == "" {
			c.Exchange.APIKey = "paper-trading-key"
		}
		if c.Exchange.APISecret == "" {
			c.Exchange.APISecret = "paper-trading-secret"
		}
	}
	if c.Trading.ClientOrderPrefix == "" {
		c.Trading.ClientOrderPrefix = "aw"
	}
	if c.RateLimits.RequestWeightPerMin == 0 {
		c.RateLimits.RequestWeightPerMin = 1200
	}
	if c.RateLimits.RawRequestsPerMin == 0 {
		c.RateLimits.RawRequestsPerMin = 6000
	}
	if c.RateLimits.OrdersPer10s == 0 {
		c.RateLimits.OrdersPer10s = 50
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "data/trades.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
}

func (c Config) Validate() error {
	var errs *multierror.Error

	switch c.Mode {
	case ModeLive, ModeTestnet, ModePaper:
	default:
		errs = multierror.Append(errs, fmt.Errorf("mode must be live, testnet, or paper"))
	}
	if !isValidInstanceID(c.InstanceID) {
		errs = multierror.Append(errs, fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24"))
	}
	if len(c.Trading.Symbols) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("trading.symbols must name at least one symbol"))
	}
	for _, s := range c.Trading.Symbols {
		if !isValidSymbol(s) {
			errs = multierror.Append(errs, fmt.Errorf("symbol %q must match [A-Z0-9], length 5..20", s))
		}
	}

	switch c.Exchange.Signing {
	case SigningHMAC:
		if c.Exchange.APISecret == "" {
			errs = multierror.Append(errs, fmt.Errorf("exchange.api_secret is required for hmac signing"))
		}
	case SigningEd25519:
		if c.Exchange.Ed25519KeyPath == "" {
			errs = multierror.Append(errs, fmt.Errorf("exchange.ed25519_private_key_path is required for ed25519 signing"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("exchange.signing must be hmac or ed25519"))
	}
	if c.Exchange.APIKey == "" {
		errs = multierror.Append(errs, fmt.Errorf("exchange.api_key is required"))
	}
	if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
		errs = multierror.Append(errs, fmt.Errorf("exchange.recv_window_ms must be between 1 and 60000"))
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		errs = multierror.Append(errs, fmt.Errorf("exchange.http_timeout_sec must be between 1 and 120"))
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("exchange.rest_base_url %v", err))
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("exchange.ws_base_url %v", err))
	}

	if c.Risk.MinOrderNotional.Cmp(decimal.Zero) < 0 {
		errs = multierror.Append(errs, fmt.Errorf("risk.min_order_notional must be >= 0"))
	}
	if c.Risk.MaxOrderNotional.Cmp(decimal.Zero) < 0 {
		errs = multierror.Append(errs, fmt.Errorf("risk.max_order_notional must be >= 0"))
	}
	if c.Risk.MaxPositionNotional.Cmp(decimal.Zero) < 0 {
		errs = multierror.Append(errs, fmt.Errorf("risk.max_position_notional must be >= 0"))
	}
	if c.Risk.MaxDailyVolume.Cmp(decimal.Zero) < 0 {
		errs = multierror.Append(errs, fmt.Errorf("risk.max_daily_volume must be >= 0"))
	}
	if c.Risk.Slippage.Cmp(decimal.Zero) < 0 || c.Risk.Slippage.Cmp(decimal.NewFromFloat(0.1)) > 0 {
		errs = multierror.Append(errs, fmt.Errorf("risk.slippage must be between 0 and 0.1"))
	}

	if c.RateLimits.RequestWeightPerMin < 1 {
		errs = multierror.Append(errs, fmt.Errorf("rate_limits.request_weight_per_min must be >= 1"))
	}
	if c.RateLimits.RawRequestsPerMin < 1 {
		errs = multierror.Append(errs, fmt.Errorf("rate_limits.raw_requests_per_min must be >= 1"))
	}
	if c.RateLimits.OrdersPer10s < 1 {
		errs = multierror.Append(errs, fmt.Errorf("rate_limits.orders_per_10s must be >= 1"))
	}

	return errs.ErrorOrNil()
}

// Production reports whether real credentials are required.
func (c Config) Production() bool {
	return c.Mode == ModeLive
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 5 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
