package database

import (
	"database/sql"
	"errors"
	"sync"
)

// Supported database drivers
const (
	DBSQLite3  = "sqlite3"
	DBPostgres = "postgres"
)

var (
	// ErrNoDatabaseProvided error to display when no database is provided
	ErrNoDatabaseProvided = errors.New("no database provided")
	// ErrFailedToConnect is returned when a database is unreachable
	ErrFailedToConnect = errors.New("database failed to connect")
	// ErrUnsupportedDriver is returned for drivers other than sqlite3 or
	// postgres
	ErrUnsupportedDriver = errors.New("unsupported database driver")

	errNilInstance = errors.New("nil database instance")
	errNilConfig   = errors.New("nil database config")
	errNilSQL      = errors.New("database SQL connection is nil")
)

// Instance holds a database connection along with its configuration and
// connection state
type Instance struct {
	SQL       *sql.DB
	config    *Config
	connected bool
	m         sync.RWMutex
}

// Config defines database connection settings. For sqlite3 only Database
// and DataPath apply; Database is the file name, or ":memory:" for an
// in-memory store.
type Config struct {
	Driver   string `json:"driver"`
	Database string `json:"database"`
	DataPath string `json:"dataPath"`
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	SSLMode  string `json:"sslmode"`
	Verbose  bool   `json:"verbose"`
}
