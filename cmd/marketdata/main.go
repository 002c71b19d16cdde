package main

import (
	"context"
	"fmt"
	"os"
	"time"

	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/h8man13/h8man-finance-sub000/common/webserver"
	"github.com/h8man13/h8man-finance-sub000/config"
	"github.com/h8man13/h8man-finance-sub000/marketdata"
	"github.com/h8man13/h8man-finance-sub000/marketdata/eodhd"
	"github.com/h8man13/h8man-finance-sub000/signaler"
)

var (
	cfg          config.MarketData
	quotesTTLSec int
	benchTTLSec  int
	metaTTLSec   int
)

func main() {
	app := cli.NewApp()
	app.Name = "market_data"
	app.Usage = "quotes, benchmarks and instrument metadata"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "listen",
			Value:       ":8082",
			Usage:       "HTTP listen address",
			EnvVars:     []string{"MD_LISTEN"},
			Destination: &cfg.Listen,
		},
		&cli.StringFlag{
			Name:        "provider-token",
			Usage:       "EODHD API token",
			EnvVars:     []string{"EODHD_API_TOKEN"},
			Destination: &cfg.ProviderToken,
		},
		&cli.StringFlag{
			Name:        "provider-url",
			Value:       "https://eodhd.com/api",
			Usage:       "EODHD API base URL",
			EnvVars:     []string{"PROVIDER_URL"},
			Destination: &cfg.ProviderURL,
		},
		&cli.StringFlag{
			Name:        "fx-url",
			Value:       "http://localhost:8083",
			Usage:       "fx service base URL for EUR conversion",
			EnvVars:     []string{"FX_URL"},
			Destination: &cfg.FXURL,
		},
		&cli.StringFlag{
			Name:        "portfolio-core-url",
			Usage:       "portfolio core base URL for user upserts (empty disables auth persistence)",
			EnvVars:     []string{"PORTFOLIO_CORE_URL"},
			Destination: &cfg.PortfolioCoreURL,
		},
		&cli.StringFlag{
			Name:        "telegram-token",
			Usage:       "bot token used to verify Telegram login signatures",
			EnvVars:     []string{"TELEGRAM_BOT_TOKEN"},
			Destination: &cfg.TelegramToken,
		},
		&cli.IntFlag{
			Name:        "quotes-ttl-sec",
			Value:       int(config.DefaultQuotesTTL / time.Second),
			Usage:       "quote cache time to live in seconds",
			EnvVars:     []string{"QUOTES_TTL_SEC"},
			Destination: &quotesTTLSec,
		},
		&cli.IntFlag{
			Name:        "bench-ttl-sec",
			Value:       int(config.DefaultBenchTTL / time.Second),
			Usage:       "benchmark cache time to live in seconds",
			EnvVars:     []string{"BENCH_TTL_SEC"},
			Destination: &benchTTLSec,
		},
		&cli.IntFlag{
			Name:        "meta-ttl-sec",
			Value:       int(config.DefaultMetaTTL / time.Second),
			Usage:       "metadata cache time to live in seconds",
			EnvVars:     []string{"META_TTL_SEC"},
			Destination: &metaTTLSec,
		},
		&cli.IntFlag{
			Name:        "max-symbols",
			Value:       config.DefaultMaxSymbols,
			Usage:       "maximum symbols per quote request",
			EnvVars:     []string{"MD_MAX_SYMBOLS"},
			Destination: &cfg.MaxSymbols,
		},
		&cli.DurationFlag{
			Name:        "request-timeout",
			Value:       config.DefaultRequestTimeout,
			Usage:       "timeout for upstream calls",
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
	cfg.QuotesTTL = time.Duration(quotesTTLSec) * time.Second
	cfg.BenchTTL = time.Duration(benchTTLSec) * time.Second
	cfg.MetaTTL = time.Duration(metaTTLSec) * time.Second
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	upstream := eodhd.NewClient(cfg.ProviderToken, cfg.ProviderURL, cfg.RequestTimeout)
	fxRates := marketdata.NewFXClient(cfg.FXURL, cfg.RequestTimeout)
	var users marketdata.UserUpserter
	if cfg.PortfolioCoreURL != "" {
		users = marketdata.NewCoreClient(cfg.PortfolioCoreURL, cfg.RequestTimeout)
	}
	svc := marketdata.NewService(&cfg, upstream, fxRates, users, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := <-signaler.WaitForInterrupt()
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	handler := webserver.NewRouter("market_data", logger, svc.Routes())
	return webserver.Run(ctx, logger, cfg.Listen, handler)
}
