package fx

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/h8man13/h8man-finance-sub000/database"
)

// ErrEntryNotFound is returned when a cache key has no row.
var ErrEntryNotFound = errors.New("fx cache entry not found")

// schema holds the KV cache DDL keyed by object name so startup reruns are
// harmless.
var schema = map[string]string{
	"fx_cache": `CREATE TABLE IF NOT EXISTS fx_cache (
		key        TEXT PRIMARY KEY,
		rate       REAL NOT NULL,
		source     TEXT NOT NULL,
		fetched_at TEXT NOT NULL,
		ttl_sec    INTEGER NOT NULL
	);`,
}

// Store is the persistent KV rate cache shared across service instances.
type Store struct {
	db *database.Instance
}

// NewStore creates the schema and returns a ready store.
func NewStore(ctx context.Context, db *database.Instance) (*Store, error) {
	if err := db.CreateTables(ctx, schema); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Get loads the entry for key. Entries past their TTL are treated as absent;
// inspection via Peek still sees them.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := s.Peek(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry.Expired(time.Now().UTC()) {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// Peek loads the entry for key regardless of expiry.
func (s *Store) Peek(ctx context.Context, key string) (*Entry, error) {
	db := s.db.GetSQL()
	if db == nil {
		return nil, database.ErrNoDatabaseProvided
	}

	row := db.QueryRowContext(ctx,
		`SELECT key, rate, source, fetched_at, ttl_sec FROM fx_cache WHERE key = ?`, key)

	var e Entry
	var fetched string
	if err := row.Scan(&e.Pair, &e.Rate, &e.Source, &fetched, &e.TTLSec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	e.Pair = trimKeyPrefix(e.Pair)

	t, err := time.Parse(time.RFC3339, fetched)
	if err != nil {
		return nil, err
	}
	e.FetchedAt = t
	return &e, nil
}

// Set writes the entry through to the cache, replacing any prior row.
func (s *Store) Set(ctx context.Context, key string, e *Entry) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fx_cache (key, rate, source, fetched_at, ttl_sec)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
			   rate = excluded.rate,
			   source = excluded.source,
			   fetched_at = excluded.fetched_at,
			   ttl_sec = excluded.ttl_sec`,
			key, e.Rate, e.Source, e.FetchedAt.UTC().Format(time.RFC3339), e.TTLSec)
		return err
	})
}

func trimKeyPrefix(key string) string {
	if len(key) > len(KeyPrefix) && key[:len(KeyPrefix)] == KeyPrefix {
		return key[len(KeyPrefix):]
	}
	return key
}
