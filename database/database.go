package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SetConfig safely sets the database instance's config with some basic
// locks and checks
func (i *Instance) SetConfig(cfg *Config) error {
	if i == nil {
		return errNilInstance
	}
	if cfg == nil {
		return errNilConfig
	}
	i.m.Lock()
	i.config = cfg
	i.m.Unlock()
	return nil
}

// SetSQLiteConnection safely sets the database instance's connection to use
// SQLite. Connections are capped at one so that an in-memory database is
// shared and writes are serialized.
func (i *Instance) SetSQLiteConnection(con *sql.DB) {
	i.m.Lock()
	defer i.m.Unlock()
	i.SQL = con
	i.SQL.SetMaxOpenConns(1)
}

// SetPostgresConnection safely sets the database instance's connection to
// use Postgres
func (i *Instance) SetPostgresConnection(con *sql.DB) error {
	if err := con.Ping(); err != nil {
		return err
	}
	i.m.Lock()
	defer i.m.Unlock()
	i.SQL = con
	i.SQL.SetMaxOpenConns(2)
	i.SQL.SetMaxIdleConns(1)
	i.SQL.SetConnMaxLifetime(time.Hour)
	return nil
}

// SetConnected safely sets the database instance's connected status
func (i *Instance) SetConnected(v bool) {
	i.m.Lock()
	i.connected = v
	i.m.Unlock()
}

// CloseConnection safely disconnects the database instance
func (i *Instance) CloseConnection() error {
	i.m.Lock()
	defer i.m.Unlock()
	return i.SQL.Close()
}

// IsConnected safely checks the SQL connection status
func (i *Instance) IsConnected() bool {
	i.m.RLock()
	defer i.m.RUnlock()
	return i.connected
}

// GetConfig safely returns a copy of the config
func (i *Instance) GetConfig() *Config {
	i.m.RLock()
	defer i.m.RUnlock()
	cpy := i.config
	return cpy
}

// Ping pings the database
func (i *Instance) Ping() error {
	if i == nil {
		return errNilInstance
	}
	i.m.RLock()
	defer i.m.RUnlock()
	if i.SQL == nil {
		return errNilSQL
	}
	return i.SQL.Ping()
}

// GetSQL returns the database connection, or nil when not connected
func (i *Instance) GetSQL() *sql.DB {
	if i == nil || !i.IsConnected() {
		return nil
	}
	i.m.RLock()
	defer i.m.RUnlock()
	return i.SQL
}

// CreateTables executes every DDL statement in the supplied map inside one
// transaction. Statements are expected to be CREATE TABLE IF NOT EXISTS (or
// CREATE INDEX IF NOT EXISTS) so that startup reruns are harmless.
func (i *Instance) CreateTables(ctx context.Context, ddl map[string]string) error {
	return i.WithTx(ctx, func(tx *sql.Tx) error {
		for name, stmt := range ddl {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create table %s: %w", name, err)
			}
		}
		return nil
	})
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise
func (i *Instance) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if i == nil {
		return errNilInstance
	}
	i.m.RLock()
	db := i.SQL
	i.m.RUnlock()
	if db == nil {
		return errNilSQL
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
