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
	"github.com/h8man13/h8man-finance-sub000/router"
	"github.com/h8man13/h8man-finance-sub000/router/dispatch"
	"github.com/h8man13/h8man-finance-sub000/router/registry"
	"github.com/h8man13/h8man-finance-sub000/router/session"
	"github.com/h8man13/h8man-finance-sub000/router/telegram"
	"github.com/h8man13/h8man-finance-sub000/signaler"
)

var (
	cfg           config.Router
	ownerCSV      string
	stickyCSV     string
	sessionTTLSec int
)

func main() {
	app := cli.NewApp()
	app.Name = "router"
	app.Usage = "chat front end for the portfolio assistant"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "listen",
			Value:       ":8080",
			Usage:       "HTTP listen address",
			EnvVars:     []string{"ROUTER_LISTEN"},
			Destination: &cfg.Listen,
		},
		&cli.StringFlag{
			Name:        "db-path",
			Value:       "router.db",
			Usage:       "sqlite file for sessions and the update filter",
			EnvVars:     []string{"DB_PATH"},
			Destination: &cfg.DBPath,
		},
		&cli.StringFlag{
			Name:        "telegram-mode",
			Value:       config.ModePolling,
			Usage:       "update delivery: polling or webhook",
			EnvVars:     []string{"TELEGRAM_MODE"},
			Destination: &cfg.TelegramMode,
		},
		&cli.StringFlag{
			Name:        "telegram-token",
			Usage:       "Telegram bot token",
			EnvVars:     []string{"TELEGRAM_BOT_TOKEN"},
			Destination: &cfg.TelegramToken,
		},
		&cli.StringFlag{
			Name:        "webhook-secret",
			Usage:       "secret expected in the webhook secret-token header",
			EnvVars:     []string{"TELEGRAM_WEBHOOK_SECRET"},
			Destination: &cfg.WebhookSecret,
		},
		&cli.StringFlag{
			Name:        "webhook-url",
			Usage:       "public webhook URL to register with Telegram (empty keeps the current registration)",
			EnvVars:     []string{"TELEGRAM_WEBHOOK_URL"},
			Destination: &cfg.WebhookURL,
		},
		&cli.StringFlag{
			Name:        "owner-ids",
			Usage:       "comma separated chat owner ids (empty allows everyone)",
			EnvVars:     []string{"ROUTER_OWNER_IDS"},
			Destination: &ownerCSV,
		},
		&cli.IntFlag{
			Name:        "session-ttl-sec",
			Value:       int(config.DefaultSessionTTL / time.Second),
			Usage:       "chat session time to live in seconds",
			EnvVars:     []string{"ROUTER_SESSION_TTL_SEC"},
			Destination: &sessionTTLSec,
		},
		&cli.StringFlag{
			Name:        "registry-path",
			Value:       "commands.yaml",
			Usage:       "command registry file",
			EnvVars:     []string{"ROUTER_REGISTRY_PATH"},
			Destination: &cfg.RegistryPath,
		},
		&cli.StringFlag{
			Name:        "sticky-commands",
			Value:       "price,fx",
			Usage:       "comma separated commands whose session survives a reply",
			EnvVars:     []string{"ROUTER_STICKY_COMMANDS"},
			Destination: &stickyCSV,
		},
		&cli.IntFlag{
			Name:        "idempotency-cap",
			Value:       config.DefaultIdempotencyCap,
			Usage:       "update ids remembered per chat",
			EnvVars:     []string{"ROUTER_IDEMPOTENCY_CAP"},
			Destination: &cfg.IdempotencyCap,
		},
		&cli.StringFlag{
			Name:        "market-data-url",
			Value:       "http://localhost:8082",
			Usage:       "market data service base URL",
			EnvVars:     []string{"MARKET_DATA_URL"},
			Destination: &cfg.MarketDataURL,
		},
		&cli.StringFlag{
			Name:        "portfolio-core-url",
			Value:       "http://localhost:8081",
			Usage:       "portfolio core service base URL",
			EnvVars:     []string{"PORTFOLIO_CORE_URL"},
			Destination: &cfg.PortfolioCoreURL,
		},
		&cli.StringFlag{
			Name:        "fx-url",
			Value:       "http://localhost:8083",
			Usage:       "fx service base URL",
			EnvVars:     []string{"FX_URL"},
			Destination: &cfg.FXURL,
		},
		&cli.DurationFlag{
			Name:        "request-timeout",
			Value:       config.DefaultRequestTimeout,
			Usage:       "timeout for backend and Telegram API calls",
			EnvVars:     []string{"REQUEST_TIMEOUT"},
			Destination: &cfg.RequestTimeout,
		},
		&cli.DurationFlag{
			Name:        "send-timeout",
			Value:       config.DefaultSendTimeout,
			Usage:       "timeout for one outbound reply page",
			EnvVars:     []string{"SEND_TIMEOUT"},
			Destination: &cfg.SendTimeout,
		},
		&cli.IntFlag{
			Name:        "retry-count",
			Value:       config.DefaultRetryCount,
			Usage:       "extra attempts for idempotent backend GETs",
			EnvVars:     []string{"RETRY_COUNT"},
			Destination: &cfg.RetryCount,
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
	owners, err := config.ParseOwnerIDs(ownerCSV)
	if err != nil {
		return err
	}
	cfg.OwnerIDs = owners
	cfg.SessionTTL = time.Duration(sessionTTLSec) * time.Second
	cfg.StickyCommands = config.ParseStickyCommands(stickyCSV)
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

	sessions, err := session.NewStore(ctx, db, cfg.SessionTTL, cfg.StickyCommands)
	if err != nil {
		return err
	}
	seen, err := session.NewUpdateFilter(ctx, db, cfg.IdempotencyCap)
	if err != nil {
		return err
	}
	reg, err := registry.New(cfg.RegistryPath, logger)
	if err != nil {
		return err
	}

	bot := telegram.NewBot(telegram.DefaultAPIHost, cfg.TelegramToken, cfg.RequestTimeout)
	me, err := bot.Me(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	logger.Info().Str("bot", me.Username).Msg("telegram identity confirmed")

	disp := dispatch.New(dispatch.Endpoints{
		MarketData:    cfg.MarketDataURL,
		PortfolioCore: cfg.PortfolioCoreURL,
		FX:            cfg.FXURL,
	}, cfg.RequestTimeout, cfg.RetryCount, logger)

	sender := telegram.NewSender(bot, 128, cfg.SendTimeout, logger)
	sender.Start()
	defer sender.Stop()

	svc := router.NewService(&cfg, reg, sessions, seen, disp, sender, logger)

	go func() {
		sig := <-signaler.WaitForInterrupt()
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	switch cfg.TelegramMode {
	case config.ModePolling:
		if err := bot.DeleteWebhook(ctx); err != nil {
			logger.Warn().Err(err).Msg("webhook removal failed, polling may see no updates")
		}
		poller := telegram.NewPoller(bot, 30, svc.OnUpdate, logger)
		go func() {
			if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("poller stopped")
				cancel()
			}
		}()
	case config.ModeWebhook:
		if cfg.WebhookURL != "" {
			if err := bot.SetWebhook(ctx, cfg.WebhookURL, cfg.WebhookSecret); err != nil {
				return fmt.Errorf("telegram setWebhook: %w", err)
			}
			logger.Info().Str("url", cfg.WebhookURL).Msg("webhook registered")
		}
	}

	handler := webserver.NewRouter("router", logger, svc.Routes())
	return webserver.Run(ctx, logger, cfg.Listen, handler)
}
