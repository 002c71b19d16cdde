package main

import (
	"context"
	"fmt"
	"os"

	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/h8man13/h8man-finance-sub000/common/webserver"
	"github.com/h8man13/h8man-finance-sub000/config"
	"github.com/h8man13/h8man-finance-sub000/database"
	"github.com/h8man13/h8man-finance-sub000/database/drivers/postgres"
	sqlite "github.com/h8man13/h8man-finance-sub000/database/drivers/sqlite3"
	"github.com/h8man13/h8man-finance-sub000/portfolio"
	"github.com/h8man13/h8man-finance-sub000/portfolio/ledger"
	"github.com/h8man13/h8man-finance-sub000/signaler"
)

var cfg config.PortfolioCore

func main() {
	app := cli.NewApp()
	app.Name = "portfolio_core"
	app.Usage = "positions, cash and performance ledger"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "listen",
			Value:       ":8081",
			Usage:       "HTTP listen address",
			EnvVars:     []string{"CORE_LISTEN"},
			Destination: &cfg.Listen,
		},
		&cli.StringFlag{
			Name:        "db-driver",
			Value:       database.DBSQLite3,
			Usage:       "ledger database driver: sqlite3 or postgres",
			EnvVars:     []string{"DB_DRIVER"},
			Destination: &cfg.DBDriver,
		},
		&cli.StringFlag{
			Name:        "db-path",
			Value:       "portfolio.db",
			Usage:       "sqlite ledger file",
			EnvVars:     []string{"DB_PATH"},
			Destination: &cfg.DBPath,
		},
		&cli.StringFlag{
			Name:        "pg-host",
			Value:       "localhost",
			Usage:       "postgres host",
			EnvVars:     []string{"PG_HOST"},
			Destination: &cfg.PGHost,
		},
		&cli.UintFlag{
			Name:        "pg-port",
			Value:       5432,
			Usage:       "postgres port",
			EnvVars:     []string{"PG_PORT"},
			Destination: &cfg.PGPort,
		},
		&cli.StringFlag{
			Name:        "pg-user",
			Usage:       "postgres user",
			EnvVars:     []string{"PG_USER"},
			Destination: &cfg.PGUser,
		},
		&cli.StringFlag{
			Name:        "pg-password",
			Usage:       "postgres password",
			EnvVars:     []string{"PG_PASSWORD"},
			Destination: &cfg.PGPassword,
		},
		&cli.StringFlag{
			Name:        "pg-database",
			Value:       "portfolio",
			Usage:       "postgres database name",
			EnvVars:     []string{"PG_DATABASE"},
			Destination: &cfg.PGDatabase,
		},
		&cli.StringFlag{
			Name:        "pg-sslmode",
			Value:       "disable",
			Usage:       "postgres sslmode",
			EnvVars:     []string{"PG_SSLMODE"},
			Destination: &cfg.PGSSLMode,
		},
		&cli.StringFlag{
			Name:        "market-data-url",
			Value:       "http://localhost:8082",
			Usage:       "market data service base URL for valuations",
			EnvVars:     []string{"MARKET_DATA_URL"},
			Destination: &cfg.MarketDataURL,
		},
		&cli.DurationFlag{
			Name:        "request-timeout",
			Value:       config.DefaultRequestTimeout,
			Usage:       "timeout for market data calls",
			EnvVars:     []string{"REQUEST_TIMEOUT"},
			Destination: &cfg.RequestTimeout,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging",
			EnvVars:     []string{"DEBUG"},
			Destination: &cfg.Debug,
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(*cli.Context) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	db, err := openLedgerDB()
	if err != nil {
		return err
	}
	defer func() {
		if err := db.CloseConnection(); err != nil {
			logger.Error().Err(err).Msg("database close failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := ledger.NewStore(ctx, db)
	if err != nil {
		return err
	}

	quotes := portfolio.NewMarketDataClient(cfg.MarketDataURL, cfg.RequestTimeout)
	svc, err := portfolio.NewService(&cfg, store, quotes, logger)
	if err != nil {
		return err
	}

	go func() {
		sig := <-signaler.WaitForInterrupt()
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	handler := webserver.NewRouter("portfolio_core", logger, svc.Routes())
	return webserver.Run(ctx, logger, cfg.Listen, handler)
}

func openLedgerDB() (*database.Instance, error) {
	switch cfg.DBDriver {
	case database.DBPostgres:
		return postgres.Connect(&database.Config{
			Driver:   database.DBPostgres,
			Host:     cfg.PGHost,
			Port:     uint16(cfg.PGPort),
			Username: cfg.PGUser,
			Password: cfg.PGPassword,
			Database: cfg.PGDatabase,
			SSLMode:  cfg.PGSSLMode,
		})
	case database.DBSQLite3:
		return sqlite.Connect(&database.Config{
			Driver:   database.DBSQLite3,
			Database: cfg.DBPath,
		})
	default:
		return nil, fmt.Errorf("%w: %q", database.ErrUnsupportedDriver, cfg.DBDriver)
	}
}
