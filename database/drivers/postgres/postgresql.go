package postgres

import (
	"database/sql"
	"fmt"

	// import postgres driver
	_ "github.com/lib/pq"

	"github.com/h8man13/h8man-finance-sub000/database"
)

// Connect establishes a connection to a postgres database and returns a
// connected instance
func Connect(cfg *database.Config) (*database.Instance, error) {
	if cfg == nil || cfg.Database == "" {
		return nil, database.ErrNoDatabaseProvided
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.Username,
		cfg.Password,
		cfg.Database,
		sslMode)

	dbConn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	i := new(database.Instance)
	if err := i.SetConfig(cfg); err != nil {
		return nil, err
	}
	if err := i.SetPostgresConnection(dbConn); err != nil {
		return nil, fmt.Errorf("%w: %v", database.ErrFailedToConnect, err)
	}
	i.SetConnected(true)

	return i, nil
}
