// Package ledger is the persistent store behind the portfolio service:
// users, positions, cash, transactions, allocation targets, daily snapshots
// and the idempotency op-cache.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/volatiletech/null"

	"github.com/h8man13/h8man-finance-sub000/asset"
)

// TxType enumerates ledger transaction kinds.
type TxType string

// Supported transaction types.
const (
	TxAdd        TxType = "add"
	TxRemove     TxType = "remove"
	TxBuy        TxType = "buy"
	TxSell       TxType = "sell"
	TxCashAdd    TxType = "cash_add"
	TxCashRemove TxType = "cash_remove"
)

// Transaction listing bounds for the /tx endpoint.
const (
	MinTxLimit     = 1
	MaxTxLimit     = 50
	DefaultTxLimit = 10
)

var (
	// ErrPositionNotFound is returned when a user has no row for a symbol.
	ErrPositionNotFound = errors.New("position not found")

	// ErrOpNotCached is returned when an op-cache lookup finds nothing.
	ErrOpNotCached = errors.New("operation not cached")

	// ErrSnapshotNotFound is returned when no snapshot row matches.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrNoAllocationTarget is returned before the user has set targets.
	ErrNoAllocationTarget = errors.New("no allocation target set")
)

// User mirrors the chat identity attached to every call. Created on first
// contact, display attributes refreshed on each one.
type User struct {
	ID           int64
	FirstName    string
	LastName     null.String
	Username     null.String
	LanguageCode null.String
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Position is one holding, keyed by (user, normalized symbol). Stored rows
// always have Qty > 0; a sell to zero deletes the row.
type Position struct {
	UserID      int64
	Symbol      string
	AssetClass  asset.Class
	Market      string
	Currency    string
	Qty         decimal.Decimal
	AvgCostEUR  decimal.Decimal
	AvgCostCCY  decimal.Decimal
	DisplayName null.String
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Transaction is one append-only ledger row.
type Transaction struct {
	ID           int64
	UserID       int64
	OpID         null.String
	TS           time.Time
	Type         TxType
	Symbol       null.String
	AssetClass   null.String
	Qty          decimal.Decimal
	PriceEUR     decimal.Decimal
	AmountEUR    decimal.Decimal
	CashDeltaEUR decimal.Decimal
	FeesEUR      decimal.Decimal
	Note         null.String
}

// AllocationTarget is the user's desired class split; the three percentages
// sum to 100.
type AllocationTarget struct {
	UserID    int64
	StockPct  float64
	ETFPct    float64
	CryptoPct float64
	UpdatedAt time.Time
}

// Snapshot is the end-of-day valuation record keyed by (user, Berlin date).
// DailyR is the day's flow-adjusted return; null until a prior day exists.
type Snapshot struct {
	UserID    int64
	Date      string
	ValueEUR  decimal.Decimal
	FlowsEUR  decimal.Decimal
	DailyR    null.Float64
	UpdatedAt time.Time
}

// SnapshotStats summarizes snapshot coverage for the admin surface.
type SnapshotStats struct {
	Users      int    `json:"users"`
	Snapshots  int    `json:"snapshots"`
	LatestDate string `json:"latest_date,omitempty"`
}
