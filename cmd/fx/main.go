package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/h8man13/h8man-finance-sub000/common/webserver"
	"github.com/h8man13/h8man-finance-sub000/config"
	"github.com/h8man13/h8man-finance-sub000/database"
	sqlite "github.com/h8man13/h8man-finance-sub000/database/drivers/sqlite3"
	"github.com/h8man13/h8man-finance-sub000/fx"
	"github.com/h8man13/h8man-finance-sub000/fx/forexprovider/base"
	"github.com/h8man13/h8man-finance-sub000/fx/forexprovider/eodhd"
	"github.com/h8man13/h8man-finance-sub000/fx/forexprovider/exchangeratehost"
	"github.com/h8man13/h8man-finance-sub000/signaler"
)

var (
	cfg      config.FX
	fxTTLSec int
)

func main() {
	app := cli.NewApp()
	app.Name = "fx"
	app.Usage = "EUR-centric foreign exchange rate cache"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "listen",
			Value:       ":8083",
			Usage:       "HTTP listen address",
			EnvVars:     []string{"FX_LISTEN"},
			Destination: &cfg.Listen,
		},
		&cli.StringFlag{
			Name:        "db-path",
			Value:       "fx.db",
			Usage:       "sqlite file for the rate cache",
			EnvVars:     []string{"DB_PATH"},
			Destination: &cfg.DBPath,
		},
		&cli.StringFlag{
			Name:        "provider-token",
			Usage:       "EODHD API token",
			EnvVars:     []string{"EODHD_API_TOKEN"},
			Destination: &cfg.ProviderToken,
		},
		&cli.StringFlag{
			Name:        "provider-url",
			Usage:       "EODHD API base URL (empty uses the provider default)",
			EnvVars:     []string{"PROVIDER_URL"},
			Destination: &cfg.ProviderURL,
		},
		&cli.StringFlag{
			Name:        "rate-host-url",
			Usage:       "exchangerate.host base URL (empty uses the provider default)",
			EnvVars:     []string{"RATE_HOST_URL"},
			Destination: &cfg.RateHostURL,
		},
		&cli.IntFlag{
			Name:        "fx-ttl-sec",
			Value:       int(config.DefaultFXTTL / time.Second),
			Usage:       "rate cache time to live in seconds",
			EnvVars:     []string{"FX_TTL_SEC"},
			Destination: &fxTTLSec,
		},
		&cli.DurationFlag{
			Name:        "request-timeout",
			Value:       config.DefaultRequestTimeout,
			Usage:       "timeout for provider calls",
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
	cfg.TTL = time.Duration(fxTTLSec) * time.Second
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	db, err := sqlite.Connect(&database.Config{Driver: database.DBSQLite3, Database: cfg.DBPath})
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

	store, err := fx.NewStore(ctx, db)
	if err != nil {
		return err
	}

	synth := eodhd.New(base.Settings{
		Name:            "eodhd",
		Enabled:         cfg.ProviderToken != "",
		PrimaryProvider: true,
		APIKey:          cfg.ProviderToken,
		Endpoint:        cfg.ProviderURL,
		Timeout:         cfg.RequestTimeout,
		Verbose:         cfg.Debug,
	})
	generic := exchangeratehost.New(base.Settings{
		Name:     "exchangeratehost",
		Enabled:  true,
		Endpoint: cfg.RateHostURL,
		Timeout:  cfg.RequestTimeout,
		Verbose:  cfg.Debug,
	})

	svc, err := fx.NewService(&cfg, store, synth, generic, logger)
	if err != nil {
		return err
	}

	go func() {
		sig := <-signaler.WaitForInterrupt()
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	handler := webserver.NewRouter("fx", logger, svc.Routes())
	return webserver.Run(ctx, logger, cfg.Listen, handler)
}
