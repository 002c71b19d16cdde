package sqlite

import (
	"database/sql"
	"path/filepath"

	// import sqlite3 driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/h8man13/h8man-finance-sub000/database"
)

// Connect opens a connection to a sqlite database and returns a connected
// instance. cfg.Database of ":memory:" opens an in-memory store, used by
// tests.
func Connect(cfg *database.Config) (*database.Instance, error) {
	if cfg == nil || cfg.Database == "" {
		return nil, database.ErrNoDatabaseProvided
	}

	path := cfg.Database
	if cfg.DataPath != "" && path != ":memory:" {
		path = filepath.Join(cfg.DataPath, cfg.Database)
	}

	dbConn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	i := new(database.Instance)
	if err := i.SetConfig(cfg); err != nil {
		return nil, err
	}
	i.SetSQLiteConnection(dbConn)
	i.SetConnected(true)

	return i, nil
}
