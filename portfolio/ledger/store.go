package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/h8man13/h8man-finance-sub000/asset"
	"github.com/h8man13/h8man-finance-sub000/database"
)

// Queryer is satisfied by both *sql.DB and *sql.Tx so store methods can run
// standalone or inside a caller-owned transaction.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var schemaSQLite = map[string]string{
	"users": `CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY,
		first_name    TEXT NOT NULL DEFAULT '',
		last_name     TEXT,
		username      TEXT,
		language_code TEXT,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);`,
	"positions": `CREATE TABLE IF NOT EXISTS positions (
		user_id      INTEGER NOT NULL,
		symbol       TEXT NOT NULL,
		asset_class  TEXT NOT NULL,
		market       TEXT NOT NULL,
		currency     TEXT NOT NULL,
		qty          TEXT NOT NULL,
		avg_cost_eur TEXT NOT NULL,
		avg_cost_ccy TEXT NOT NULL,
		display_name TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (user_id, symbol)
	);`,
	"cash_balances": `CREATE TABLE IF NOT EXISTS cash_balances (
		user_id    INTEGER PRIMARY KEY,
		amount_eur TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	"transactions": `CREATE TABLE IF NOT EXISTS transactions (
		tx_id          INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id        INTEGER NOT NULL,
		op_id          TEXT,
		ts             TEXT NOT NULL,
		type           TEXT NOT NULL,
		symbol         TEXT,
		asset_class    TEXT,
		qty            TEXT NOT NULL,
		price_eur      TEXT NOT NULL,
		amount_eur     TEXT NOT NULL,
		cash_delta_eur TEXT NOT NULL,
		fees_eur       TEXT NOT NULL,
		note           TEXT
	);`,
	"transactions_user_op_idx": `CREATE UNIQUE INDEX IF NOT EXISTS transactions_user_op_idx
		ON transactions (user_id, op_id) WHERE op_id IS NOT NULL;`,
	"transactions_user_ts_idx": `CREATE INDEX IF NOT EXISTS transactions_user_ts_idx
		ON transactions (user_id, ts);`,
	"allocation_targets": `CREATE TABLE IF NOT EXISTS allocation_targets (
		user_id    INTEGER PRIMARY KEY,
		stock_pct  REAL NOT NULL,
		etf_pct    REAL NOT NULL,
		crypto_pct REAL NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	"snapshots": `CREATE TABLE IF NOT EXISTS snapshots (
		user_id    INTEGER NOT NULL,
		date       TEXT NOT NULL,
		value_eur  TEXT NOT NULL,
		flows_eur  TEXT NOT NULL,
		daily_r    REAL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, date)
	);`,
	"op_cache": `CREATE TABLE IF NOT EXISTS op_cache (
		user_id    INTEGER NOT NULL,
		op_id      TEXT NOT NULL,
		op         TEXT NOT NULL,
		result     TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (user_id, op_id)
	);`,
}

// schemaPostgres only diverges where sqlite syntax does not port.
var schemaPostgres = func() map[string]string {
	m := make(map[string]string, len(schemaSQLite))
	for k, v := range schemaSQLite {
		m[k] = v
	}
	m["transactions"] = strings.Replace(schemaSQLite["transactions"],
		"INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY", 1)
	return m
}()

// Store persists the ledger. All methods taking a Queryer run against either
// the live connection or a transaction the caller controls.
type Store struct {
	db       *database.Instance
	postgres bool
}

// NewStore creates the schema for the configured driver and returns a ready
// store.
func NewStore(ctx context.Context, db *database.Instance) (*Store, error) {
	s := &Store{db: db, postgres: db.GetConfig().Driver == database.DBPostgres}
	ddl := schemaSQLite
	if s.postgres {
		ddl = schemaPostgres
	}
	if err := db.CreateTables(ctx, ddl); err != nil {
		return nil, err
	}
	return s, nil
}

// DB returns the live connection for single-statement reads.
func (s *Store) DB() Queryer {
	return s.db.GetSQL()
}

// WithTx runs fn inside a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.db.WithTx(ctx, fn)
}

// Ping reports connectivity for health checks.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// rebind rewrites ? placeholders to $n for postgres. Queries are written in
// sqlite form throughout.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// UpsertUser creates the user on first contact and refreshes display
// attributes afterwards.
func (s *Store) UpsertUser(ctx context.Context, q Queryer, u *User) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := q.ExecContext(ctx, s.rebind(
		`INSERT INTO users (id, first_name, last_name, username, language_code, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   first_name = excluded.first_name,
		   last_name = excluded.last_name,
		   username = excluded.username,
		   language_code = excluded.language_code,
		   updated_at = excluded.updated_at`),
		u.ID, u.FirstName, u.LastName, u.Username, u.LanguageCode, now, now)
	return err
}

// UserIDs lists every known user.
func (s *Store) UserIDs(ctx context.Context, q Queryer) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const positionColumns = `user_id, symbol, asset_class, market, currency, qty,
	avg_cost_eur, avg_cost_ccy, display_name, created_at, updated_at`

func scanPosition(row interface{ Scan(...any) error }) (*Position, error) {
	var p Position
	var class, createdAt, updatedAt string
	err := row.Scan(&p.UserID, &p.Symbol, &class, &p.Market, &p.Currency,
		&p.Qty, &p.AvgCostEUR, &p.AvgCostCCY, &p.DisplayName, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.AssetClass = asset.Class(class)
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

// Position loads one holding.
func (s *Store) Position(ctx context.Context, q Queryer, userID int64, symbol string) (*Position, error) {
	row := q.QueryRowContext(ctx, s.rebind(
		`SELECT `+positionColumns+` FROM positions WHERE user_id = ? AND symbol = ?`),
		userID, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	return p, err
}

// Positions loads every holding for a user, ordered by symbol.
func (s *Store) Positions(ctx context.Context, q Queryer, userID int64) ([]Position, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		`SELECT `+positionColumns+` FROM positions WHERE user_id = ? ORDER BY symbol`),
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpsertPosition writes a holding, replacing any prior row for the symbol.
func (s *Store) UpsertPosition(ctx context.Context, q Queryer, p *Position) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := q.ExecContext(ctx, s.rebind(
		`INSERT INTO positions (`+positionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, symbol) DO UPDATE SET
		   asset_class = excluded.asset_class,
		   market = excluded.market,
		   currency = excluded.currency,
		   qty = excluded.qty,
		   avg_cost_eur = excluded.avg_cost_eur,
		   avg_cost_ccy = excluded.avg_cost_ccy,
		   display_name = excluded.display_name,
		   updated_at = excluded.updated_at`),
		p.UserID, p.Symbol, p.AssetClass.String(), p.Market, p.Currency,
		p.Qty, p.AvgCostEUR, p.AvgCostCCY, p.DisplayName, now, now)
	return err
}

// DeletePosition removes a holding.
func (s *Store) DeletePosition(ctx context.Context, q Queryer, userID int64, symbol string) error {
	res, err := q.ExecContext(ctx, s.rebind(
		`DELETE FROM positions WHERE user_id = ? AND symbol = ?`), userID, symbol)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	return err
}

// Cash returns the user's balance; users without a row hold zero.
func (s *Store) Cash(ctx context.Context, q Queryer, userID int64) (decimal.Decimal, error) {
	row := q.QueryRowContext(ctx, s.rebind(
		`SELECT amount_eur FROM cash_balances WHERE user_id = ?`), userID)
	var amount decimal.Decimal
	if err := row.Scan(&amount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return amount, nil
}

// SetCash writes the user's balance.
func (s *Store) SetCash(ctx context.Context, q Queryer, userID int64, amount decimal.Decimal) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := q.ExecContext(ctx, s.rebind(
		`INSERT INTO cash_balances (user_id, amount_eur, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   amount_eur = excluded.amount_eur,
		   updated_at = excluded.updated_at`),
		userID, amount, now)
	return err
}

// AppendTransaction writes one ledger row.
func (s *Store) AppendTransaction(ctx context.Context, q Queryer, t *Transaction) error {
	_, err := q.ExecContext(ctx, s.rebind(
		`INSERT INTO transactions
		   (user_id, op_id, ts, type, symbol, asset_class, qty, price_eur, amount_eur, cash_delta_eur, fees_eur, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.UserID, t.OpID, t.TS.UTC().Format(time.RFC3339), string(t.Type),
		t.Symbol, t.AssetClass, t.Qty, t.PriceEUR, t.AmountEUR,
		t.CashDeltaEUR, t.FeesEUR, t.Note)
	return err
}

// RecentTransactions returns the newest rows first, bounded to [1,50].
func (s *Store) RecentTransactions(ctx context.Context, q Queryer, userID int64, limit int) ([]Transaction, error) {
	if limit < MinTxLimit {
		limit = DefaultTxLimit
	}
	if limit > MaxTxLimit {
		limit = MaxTxLimit
	}
	rows, err := q.QueryContext(ctx, s.rebind(
		`SELECT tx_id, user_id, op_id, ts, type, symbol, asset_class, qty,
		        price_eur, amount_eur, cash_delta_eur, fees_eur, note
		 FROM transactions WHERE user_id = ?
		 ORDER BY ts DESC, tx_id DESC LIMIT ?`),
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var ts, txType string
		if err := rows.Scan(&t.ID, &t.UserID, &t.OpID, &ts, &txType, &t.Symbol,
			&t.AssetClass, &t.Qty, &t.PriceEUR, &t.AmountEUR, &t.CashDeltaEUR,
			&t.FeesEUR, &t.Note); err != nil {
			return nil, err
		}
		t.Type = TxType(txType)
		t.TS, _ = time.Parse(time.RFC3339, ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// CashFlows sums the external cash flows (cash_add positive, cash_remove
// negative) inside [from, to).
func (s *Store) CashFlows(ctx context.Context, q Queryer, userID int64, from, to time.Time) (decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		`SELECT cash_delta_eur FROM transactions
		 WHERE user_id = ? AND type IN (?, ?) AND ts >= ? AND ts < ?`),
		userID, string(TxCashAdd), string(TxCashRemove),
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var delta decimal.Decimal
		if err := rows.Scan(&delta); err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(delta)
	}
	return sum, rows.Err()
}

// Allocation loads the user's target split.
func (s *Store) Allocation(ctx context.Context, q Queryer, userID int64) (*AllocationTarget, error) {
	row := q.QueryRowContext(ctx, s.rebind(
		`SELECT user_id, stock_pct, etf_pct, crypto_pct, updated_at
		 FROM allocation_targets WHERE user_id = ?`), userID)

	var t AllocationTarget
	var updated string
	if err := row.Scan(&t.UserID, &t.StockPct, &t.ETFPct, &t.CryptoPct, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoAllocationTarget
		}
		return nil, err
	}
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &t, nil
}

// SetAllocation replaces the user's target split.
func (s *Store) SetAllocation(ctx context.Context, q Queryer, t *AllocationTarget) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := q.ExecContext(ctx, s.rebind(
		`INSERT INTO allocation_targets (user_id, stock_pct, etf_pct, crypto_pct, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   stock_pct = excluded.stock_pct,
		   etf_pct = excluded.etf_pct,
		   crypto_pct = excluded.crypto_pct,
		   updated_at = excluded.updated_at`),
		t.UserID, t.StockPct, t.ETFPct, t.CryptoPct, now)
	return err
}

// OpCacheGet returns the stored result envelope for (user, op).
func (s *Store) OpCacheGet(ctx context.Context, q Queryer, userID int64, opID string) ([]byte, error) {
	row := q.QueryRowContext(ctx, s.rebind(
		`SELECT result FROM op_cache WHERE user_id = ? AND op_id = ?`), userID, opID)
	var result []byte
	if err := row.Scan(&result); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOpNotCached
		}
		return nil, err
	}
	return result, nil
}

// OpCachePut stores a mutation result for exact replay. Rows conflict only
// when two instances ran the same idempotent call; the later result wins.
func (s *Store) OpCachePut(ctx context.Context, q Queryer, userID int64, opID, op string, result []byte) error {
	_, err := q.ExecContext(ctx, s.rebind(
		`INSERT INTO op_cache (user_id, op_id, op, result, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, op_id) DO UPDATE SET
		   result = excluded.result,
		   created_at = excluded.created_at`),
		userID, opID, op, result, time.Now().UTC().Format(time.RFC3339))
	return err
}

// UpsertSnapshot writes the snapshot for (user, date), updating in place on
// re-runs.
func (s *Store) UpsertSnapshot(ctx context.Context, q Queryer, snap *Snapshot) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := q.ExecContext(ctx, s.rebind(
		`INSERT INTO snapshots (user_id, date, value_eur, flows_eur, daily_r, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, date) DO UPDATE SET
		   value_eur = excluded.value_eur,
		   flows_eur = excluded.flows_eur,
		   daily_r = excluded.daily_r,
		   updated_at = excluded.updated_at`),
		snap.UserID, snap.Date, snap.ValueEUR, snap.FlowsEUR, snap.DailyR, now)
	return err
}

func scanSnapshot(row interface{ Scan(...any) error }) (*Snapshot, error) {
	var snap Snapshot
	var updated string
	err := row.Scan(&snap.UserID, &snap.Date, &snap.ValueEUR, &snap.FlowsEUR,
		&snap.DailyR, &updated)
	if err != nil {
		return nil, err
	}
	snap.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &snap, nil
}

// SnapshotsBetween returns snapshots with from <= date <= to, oldest first.
func (s *Store) SnapshotsBetween(ctx context.Context, q Queryer, userID int64, from, to string) ([]Snapshot, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		`SELECT user_id, date, value_eur, flows_eur, daily_r, updated_at
		 FROM snapshots WHERE user_id = ? AND date >= ? AND date <= ?
		 ORDER BY date`),
		userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// LatestSnapshotBefore returns the newest snapshot strictly older than date.
func (s *Store) LatestSnapshotBefore(ctx context.Context, q Queryer, userID int64, date string) (*Snapshot, error) {
	row := q.QueryRowContext(ctx, s.rebind(
		`SELECT user_id, date, value_eur, flows_eur, daily_r, updated_at
		 FROM snapshots WHERE user_id = ? AND date < ?
		 ORDER BY date DESC LIMIT 1`),
		userID, date)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	return snap, err
}

// SnapshotStats summarizes coverage; userID 0 means all users.
func (s *Store) SnapshotStats(ctx context.Context, q Queryer, userID int64) (*SnapshotStats, error) {
	query := `SELECT COUNT(DISTINCT user_id), COUNT(*), COALESCE(MAX(date), '') FROM snapshots`
	args := []any{}
	if userID != 0 {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	row := q.QueryRowContext(ctx, s.rebind(query), args...)

	var stats SnapshotStats
	if err := row.Scan(&stats.Users, &stats.Snapshots, &stats.LatestDate); err != nil {
		return nil, err
	}
	return &stats, nil
}

// DeleteSnapshotsBefore prunes snapshots older than cutoff; userID 0 prunes
// every user. Returns the number of rows removed.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, q Queryer, userID int64, cutoff string) (int64, error) {
	query := `DELETE FROM snapshots WHERE date < ?`
	args := []any{cutoff}
	if userID != 0 {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	res, err := q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
