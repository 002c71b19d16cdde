// Package portfolio is the ledger-owning core service. It executes the
// mutation operations (add, remove, buy, sell, cash moves, allocation edits,
// renames) with per-user serialization and op-id idempotency, serves the
// portfolio views, and maintains the daily valuation snapshots behind the
// time-weighted return analytics.
package portfolio

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null"

	"github.com/h8man13/h8man-finance-sub000/common/lock"
	"github.com/h8man13/h8man-finance-sub000/config"
	"github.com/h8man13/h8man-finance-sub000/portfolio/ledger"
)

const serviceName = "portfolio_core"

var (
	errNilConfig = errors.New("nil portfolio core config")
	errNilStore  = errors.New("nil ledger store")
	errBadScope  = errors.New("scope must be portfolio, stock, etf or crypto")
)

// Quote is the valuation slice of a market-data quote.
type Quote struct {
	Symbol    string
	Market    string
	Currency  string
	PriceEUR  decimal.Decimal
	Freshness string
}

// Meta is the instrument classification served by market-data /meta.
type Meta struct {
	Symbol     string
	AssetClass string
	Market     string
	Currency   string
}

// QuoteSource serves EUR quotes, instrument metadata and period changes from
// the market-data service. Every method degrades independently; callers fall
// back to ledger-derived values when it errors.
type QuoteSource interface {
	// Quotes returns resolved quotes keyed by normalized symbol. Symbols
	// the upstream could not price are simply absent.
	Quotes(ctx context.Context, symbols []string) (map[string]Quote, error)

	// Meta classifies one symbol.
	Meta(ctx context.Context, symbol string) (*Meta, error)

	// PeriodChange collapses the benchmark series for period into one
	// percentage move per symbol.
	PeriodChange(ctx context.Context, period string, symbols []string) (map[string]float64, error)
}

// Service wires the ledger store, the market-data client and the per-user
// mutation locks.
type Service struct {
	cfg    *config.PortfolioCore
	store  *ledger.Store
	quotes QuoteSource
	locks  *lock.Keyed[int64]
	now    func() time.Time
	log    zerolog.Logger
}

// NewService returns a ready portfolio core. quotes may be nil, in which
// case every valuation uses ledger cost basis.
func NewService(cfg *config.PortfolioCore, store *ledger.Store, quotes QuoteSource, logger zerolog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errNilConfig
	}
	if store == nil {
		return nil, errNilStore
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		quotes: quotes,
		locks:  lock.NewKeyed[int64](),
		now:    time.Now,
		log:    logger.With().Str("component", serviceName).Logger(),
	}, nil
}

// UserContext carries the chat identity attached to every request as query
// parameters.
type UserContext struct {
	UserID       int64
	FirstName    string
	LastName     string
	Username     string
	LanguageCode string
}

func (uc *UserContext) user() *ledger.User {
	u := &ledger.User{ID: uc.UserID, FirstName: uc.FirstName}
	if uc.LastName != "" {
		u.LastName = null.StringFrom(uc.LastName)
	}
	if uc.Username != "" {
		u.Username = null.StringFrom(uc.Username)
	}
	if uc.LanguageCode != "" {
		u.LanguageCode = null.StringFrom(uc.LanguageCode)
	}
	return u
}

// Request bodies. Amount fields decode from both JSON numbers and decimal
// strings.

// AddRequest records qty of a symbol without touching cash.
type AddRequest struct {
	OpID       string          `json:"op_id"`
	Symbol     string          `json:"symbol"`
	Qty        decimal.Decimal `json:"qty"`
	AssetClass string          `json:"asset_class,omitempty"`
}

// RemoveRequest drops a whole position.
type RemoveRequest struct {
	OpID   string `json:"op_id"`
	Symbol string `json:"symbol"`
}

// CashRequest moves cash in or out.
type CashRequest struct {
	OpID      string          `json:"op_id"`
	AmountEUR decimal.Decimal `json:"amount_eur"`
}

// TradeRequest buys or sells against the cash balance. PriceEUR nil means
// resolve from the latest quote.
type TradeRequest struct {
	OpID     string           `json:"op_id"`
	Symbol   string           `json:"symbol"`
	Qty      decimal.Decimal  `json:"qty"`
	PriceEUR *decimal.Decimal `json:"price_eur,omitempty"`
	FeesEUR  decimal.Decimal  `json:"fees_eur"`
}

// AllocationEditRequest replaces the target class split.
type AllocationEditRequest struct {
	OpID      string  `json:"op_id"`
	StockPct  float64 `json:"stock_pct"`
	ETFPct    float64 `json:"etf_pct"`
	CryptoPct float64 `json:"crypto_pct"`
}

// RenameRequest sets the display name on a held position.
type RenameRequest struct {
	OpID        string `json:"op_id"`
	Symbol      string `json:"symbol"`
	DisplayName string `json:"display_name"`
}

// View shapes. Money values round to 2dp on the wire, percentages to 4dp.

// Holding is one valued position inside the portfolio view.
type Holding struct {
	Symbol      string  `json:"symbol"`
	DisplayName string  `json:"display_name,omitempty"`
	AssetClass  string  `json:"asset_class"`
	Market      string  `json:"market"`
	Currency    string  `json:"currency"`
	Qty         float64 `json:"qty"`
	AvgCostEUR  float64 `json:"avg_cost_eur"`
	PriceEUR    float64 `json:"price_eur"`
	ValueEUR    float64 `json:"value_eur"`
	Freshness   string  `json:"freshness,omitempty"`
}

// PortfolioView is the full snapshot served on /portfolio.
type PortfolioView struct {
	TotalValueEUR float64   `json:"total_value_eur"`
	CashEUR       float64   `json:"cash_eur"`
	Holdings      []Holding `json:"holdings"`
}

// CashView is the /cash payload.
type CashView struct {
	CashEUR float64 `json:"cash_eur"`
}

// TxView is one rendered ledger row.
type TxView struct {
	ID           int64   `json:"tx_id"`
	TS           string  `json:"ts"`
	Type         string  `json:"type"`
	Symbol       string  `json:"symbol,omitempty"`
	Qty          float64 `json:"qty,omitempty"`
	PriceEUR     float64 `json:"price_eur,omitempty"`
	AmountEUR    float64 `json:"amount_eur,omitempty"`
	CashDeltaEUR float64 `json:"cash_delta_eur"`
	FeesEUR      float64 `json:"fees_eur,omitempty"`
	Note         string  `json:"note,omitempty"`
}

// TxList is the /tx payload.
type TxList struct {
	Transactions []TxView `json:"transactions"`
	Count        int      `json:"count"`
}

// ClassSplit is a percentage split across the three asset classes.
type ClassSplit struct {
	StockPct  float64 `json:"stock_pct"`
	ETFPct    float64 `json:"etf_pct"`
	CryptoPct float64 `json:"crypto_pct"`
}

// AllocationView pairs the live class ratios with the configured target.
type AllocationView struct {
	Current ClassSplit  `json:"current"`
	Target  *ClassSplit `json:"target"`
}

// Mutation summaries returned inside the op envelope.

// AddResult reports the position after an add.
type AddResult struct {
	Op         string  `json:"op"`
	Symbol     string  `json:"symbol"`
	QtyAdded   float64 `json:"qty_added"`
	Qty        float64 `json:"qty"`
	AvgCostEUR float64 `json:"avg_cost_eur"`
	AssetClass string  `json:"asset_class"`
	Market     string  `json:"market"`
	Currency   string  `json:"currency"`
}

// RemoveResult reports the dropped position.
type RemoveResult struct {
	Op         string  `json:"op"`
	Symbol     string  `json:"symbol"`
	QtyRemoved float64 `json:"qty_removed"`
}

// CashResult reports the balance after a cash move.
type CashResult struct {
	Op        string  `json:"op"`
	AmountEUR float64 `json:"amount_eur"`
	CashEUR   float64 `json:"cash_eur"`
}

// TradeResult reports a settled buy or sell.
type TradeResult struct {
	Op         string  `json:"op"`
	Symbol     string  `json:"symbol"`
	Qty        float64 `json:"qty"`
	PriceEUR   float64 `json:"price_eur"`
	AmountEUR  float64 `json:"amount_eur"`
	FeesEUR    float64 `json:"fees_eur"`
	QtyHeld    float64 `json:"qty_held"`
	AvgCostEUR float64 `json:"avg_cost_eur"`
	CashEUR    float64 `json:"cash_eur"`
}

// AllocationEditResult reports the previous and new targets.
type AllocationEditResult struct {
	Op       string      `json:"op"`
	Previous *ClassSplit `json:"previous"`
	Target   ClassSplit  `json:"target"`
}

// RenameResult reports the applied display name.
type RenameResult struct {
	Op          string `json:"op"`
	Symbol      string `json:"symbol"`
	DisplayName string `json:"display_name"`
}

// Analytics shapes.

// ReportBucket is one labeled period slice of compounded daily returns.
type ReportBucket struct {
	Label string  `json:"label"`
	Pct   float64 `json:"pct"`
}

// SnapshotReport is the /portfolio_snapshot payload.
type SnapshotReport struct {
	Period  string         `json:"period"`
	Buckets []ReportBucket `json:"buckets"`
}

// TWRSet carries the standard period returns; nil marks an unknowable
// window.
type TWRSet struct {
	Day   *float64 `json:"d"`
	Week  *float64 `json:"w"`
	Month *float64 `json:"m"`
	Year  *float64 `json:"y"`
}

// SummaryReport is the /portfolio_summary payload.
type SummaryReport struct {
	ValueEUR  float64 `json:"value_eur"`
	CashEUR   float64 `json:"cash_eur"`
	Positions int     `json:"positions"`
	TWR       TWRSet  `json:"twr_pct"`
}

// ClassSlice is one class row of the breakdown.
type ClassSlice struct {
	ValueEUR  float64 `json:"value_eur"`
	WeightPct float64 `json:"weight_pct"`
}

// BreakdownReport is the /portfolio_breakdown payload. Weights are over
// non-cash value.
type BreakdownReport struct {
	Classes       map[string]ClassSlice `json:"classes"`
	CashEUR       float64               `json:"cash_eur"`
	TotalValueEUR float64               `json:"total_value_eur"`
}

// Mover is one symbol move over the requested period.
type Mover struct {
	Symbol string  `json:"symbol"`
	Pct    float64 `json:"pct"`
}

// MoversReport is the /portfolio_movers payload, sorted best to worst.
type MoversReport struct {
	Period string  `json:"period"`
	Movers []Mover `json:"movers"`
}

// DigestReport is the /portfolio_digest payload.
type DigestReport struct {
	Period   string   `json:"period"`
	TWRPct   *float64 `json:"twr_pct"`
	ValueEUR float64  `json:"value_eur"`
	CashEUR  float64  `json:"cash_eur"`
	Best     *Mover   `json:"best,omitempty"`
	Worst    *Mover   `json:"worst,omitempty"`
}

// WhatIfReport is the /po_if projection payload.
type WhatIfReport struct {
	Scope             string  `json:"scope"`
	DeltaPct          float64 `json:"delta_pct"`
	CurrentValueEUR   float64 `json:"current_value_eur"`
	ProjectedValueEUR float64 `json:"projected_value_eur"`
	DeltaEUR          float64 `json:"delta_eur"`
}

// Admin shapes.

// SnapshotRunResult summarizes one batch refresh.
type SnapshotRunResult struct {
	UsersProcessed int     `json:"users_processed"`
	Written        int     `json:"written"`
	Failed         []int64 `json:"failed,omitempty"`
}

// CleanupResult reports pruned snapshot rows.
type CleanupResult struct {
	Removed    int64  `json:"removed"`
	DaysKept   int    `json:"days_kept"`
	CutoffDate string `json:"cutoff_date"`
}

// AdminHealth is the component diagnostics payload.
type AdminHealth struct {
	Status     string `json:"status"`
	Database   string `json:"database"`
	MarketData string `json:"market_data"`
	Users      int    `json:"users"`
	Snapshots  int    `json:"snapshots"`
	LatestDate string `json:"latest_date,omitempty"`
}
