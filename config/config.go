// Package config holds the per-service configuration structs. Values come
// from CLI flags with environment variable bindings; there are no config
// files apart from the router's command registry.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Defaults shared across services.
const (
	DefaultSessionTTL     = 300 * time.Second
	DefaultQuotesTTL      = 90 * time.Second
	DefaultBenchTTL       = 900 * time.Second
	DefaultMetaTTL        = 24 * time.Hour
	DefaultFXTTL          = 82800 * time.Second
	DefaultRequestTimeout = 8 * time.Second
	DefaultSendTimeout    = 5 * time.Second
	DefaultRetryCount     = 3
	DefaultIdempotencyCap = 200
	DefaultMaxSymbols     = 10
)

// Telegram delivery modes.
const (
	ModeWebhook = "webhook"
	ModePolling = "polling"
)

var (
	errMissingBotToken  = errors.New("telegram bot token not set")
	errInvalidMode      = errors.New("telegram mode must be webhook or polling")
	errMissingSecret    = errors.New("webhook mode requires a webhook secret")
	errMissingDB        = errors.New("database path not set")
	errMissingUpstream  = errors.New("upstream service URL not set")
	errMissingRegistry  = errors.New("command registry path not set")
	errInvalidOwnerList = errors.New("owner id list is malformed")
)

// Router configures the chat front-end service.
type Router struct {
	Listen           string
	DBPath           string
	TelegramMode     string
	TelegramToken    string
	WebhookSecret    string
	WebhookURL       string
	OwnerIDs         []int64
	SessionTTL       time.Duration
	RegistryPath     string
	StickyCommands   []string
	IdempotencyCap   int
	MarketDataURL    string
	PortfolioCoreURL string
	FXURL            string
	RequestTimeout   time.Duration
	SendTimeout      time.Duration
	RetryCount       int
	Debug            bool
}

// Validate checks the router configuration for startup.
func (c *Router) Validate() error {
	if c.TelegramToken == "" {
		return errMissingBotToken
	}
	if c.TelegramMode != ModeWebhook && c.TelegramMode != ModePolling {
		return fmt.Errorf("%w: %q", errInvalidMode, c.TelegramMode)
	}
	if c.TelegramMode == ModeWebhook && c.WebhookSecret == "" {
		return errMissingSecret
	}
	if c.DBPath == "" {
		return errMissingDB
	}
	if c.RegistryPath == "" {
		return errMissingRegistry
	}
	for _, u := range []string{c.MarketDataURL, c.PortfolioCoreURL, c.FXURL} {
		if u == "" {
			return errMissingUpstream
		}
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.IdempotencyCap <= 0 {
		c.IdempotencyCap = DefaultIdempotencyCap
	}
	if c.RetryCount < 0 {
		c.RetryCount = DefaultRetryCount
	}
	return nil
}

// PortfolioCore configures the ledger service.
type PortfolioCore struct {
	Listen         string
	DBDriver       string
	DBPath         string
	PGHost         string
	PGPort         uint
	PGUser         string
	PGPassword     string
	PGDatabase     string
	PGSSLMode      string
	MarketDataURL  string
	RequestTimeout time.Duration
	Debug          bool
}

// Validate checks the portfolio core configuration for startup.
func (c *PortfolioCore) Validate() error {
	if c.DBDriver == "" {
		c.DBDriver = "sqlite3"
	}
	if c.DBDriver == "sqlite3" && c.DBPath == "" {
		return errMissingDB
	}
	if c.MarketDataURL == "" {
		return errMissingUpstream
	}
	return nil
}

// MarketData configures the quote aggregator service.
type MarketData struct {
	Listen           string
	ProviderToken    string
	ProviderURL      string
	FXURL            string
	PortfolioCoreURL string
	TelegramToken    string
	QuotesTTL        time.Duration
	BenchTTL         time.Duration
	MetaTTL          time.Duration
	MaxSymbols       int
	RequestTimeout   time.Duration
	Debug            bool
}

// Validate checks the market-data configuration for startup.
func (c *MarketData) Validate() error {
	if c.ProviderURL == "" || c.FXURL == "" {
		return errMissingUpstream
	}
	if c.QuotesTTL <= 0 {
		c.QuotesTTL = DefaultQuotesTTL
	}
	if c.BenchTTL <= 0 {
		c.BenchTTL = DefaultBenchTTL
	}
	if c.MetaTTL <= 0 {
		c.MetaTTL = DefaultMetaTTL
	}
	if c.MaxSymbols <= 0 {
		c.MaxSymbols = DefaultMaxSymbols
	}
	return nil
}

// FX configures the currency rate service.
type FX struct {
	Listen         string
	DBPath         string
	ProviderToken  string
	ProviderURL    string
	RateHostURL    string
	TTL            time.Duration
	RequestTimeout time.Duration
	Debug          bool
}

// Validate checks the FX configuration for startup.
func (c *FX) Validate() error {
	if c.DBPath == "" {
		return errMissingDB
	}
	if c.TTL <= 0 {
		c.TTL = DefaultFXTTL
	}
	return nil
}

// ParseOwnerIDs parses the CSV owner id list. An empty input disables the
// ownership gate.
func ParseOwnerIDs(csv string) ([]int64, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	out := make([]int64, 0, len(parts))
	for i := range parts {
		p := strings.TrimSpace(parts[i])
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", errInvalidOwnerList, p)
		}
		out = append(out, id)
	}
	return out, nil
}

// ParseStickyCommands splits the CSV sticky command list.
func ParseStickyCommands(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for i := range parts {
		p := strings.ToLower(strings.TrimSpace(parts[i]))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
