package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/h8man13/h8man-finance-sub000/common/cache"
	"github.com/h8man13/h8man-finance-sub000/config"
	"github.com/h8man13/h8man-finance-sub000/marketdata/eodhd"
)

// ProviderName tags outbound quotes with their upstream source.
const ProviderName = "eodhd"

var (
	// ErrNoSymbols is returned when a request carries no symbols.
	ErrNoSymbols = errors.New("at least one symbol is required")

	// ErrTooManySymbols enforces the per-request symbol cap.
	ErrTooManySymbols = errors.New("too many symbols")

	// ErrUpstreamFailed is returned when no requested symbol survived.
	ErrUpstreamFailed = errors.New("upstream quote fetch failed")
)

// Provider is the upstream market-data dependency.
type Provider interface {
	RealTime(ctx context.Context, symbols []string) ([]eodhd.Quote, error)
	History(ctx context.Context, symbol string, from time.Time) ([]eodhd.Bar, error)
}

// quoteRow aliases the provider quote so internal helpers stay terse.
type quoteRow = eodhd.Quote

// RateSource answers the USD to EUR conversion rate.
type RateSource interface {
	USDEUR(ctx context.Context) (float64, error)
}

// Service aggregates quotes, metadata and benchmarks behind TTL caches.
type Service struct {
	cfg      *config.MarketData
	upstream Provider
	fxRates  RateSource
	users    UserUpserter

	quotes *cache.TTL
	meta   *cache.TTL
	bench  *cache.TTL

	now func() time.Time
	log zerolog.Logger
}

// NewService wires the aggregator. users may be nil when the service runs
// without a portfolio core (auth then skips the upsert).
func NewService(cfg *config.MarketData, upstream Provider, fxRates RateSource, users UserUpserter, logger zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		upstream: upstream,
		fxRates:  fxRates,
		users:    users,
		quotes:   cache.NewTTL(512),
		meta:     cache.NewTTL(2048),
		bench:    cache.NewTTL(512),
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.With().Str("component", "marketdata").Logger(),
	}
}

// OutQuote is the stabilized outbound quote shape.
type OutQuote struct {
	Symbol        string  `json:"symbol"`
	Market        string  `json:"market"`
	Currency      string  `json:"currency"`
	Price         float64 `json:"price"`
	PriceEUR      float64 `json:"price_eur,omitempty"`
	Open          float64 `json:"open,omitempty"`
	OpenEUR       float64 `json:"open_eur,omitempty"`
	TS            string  `json:"ts,omitempty"`
	Provider      string  `json:"provider"`
	Freshness     string  `json:"freshness"`
	FreshnessNote string  `json:"freshness_note"`
}

// QuotesResult carries resolved quotes plus the subset that failed.
type QuotesResult struct {
	Quotes []OutQuote `json:"quotes"`
	Failed []string   `json:"-"`
}

// MetaResult describes one symbol's classification.
type MetaResult struct {
	Symbol     string `json:"symbol"`
	AssetClass string `json:"asset_class"`
	Market     string `json:"market"`
	Currency   string `json:"currency"`
}

// BucketPoint is one aggregation slot of a benchmark series.
type BucketPoint struct {
	Label string  `json:"label"`
	Pct   float64 `json:"pct"`
}

// DayChange is the day-period benchmark shape.
type DayChange struct {
	NowPct  float64 `json:"n_pct"`
	OpenPct float64 `json:"o_pct"`
}

// BenchmarksResult maps symbols to their period series.
type BenchmarksResult struct {
	Benchmarks map[string]any `json:"benchmarks"`
	Failed     []string       `json:"-"`
}
