package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lithium-bot/lithium/moderation/cases"
	"github.com/lithium-bot/lithium/moderation/heat"
	"github.com/lithium-bot/lithium/moderation/risk"
	"github.com/lithium-bot/lithium/moderation/store"
	"github.com/lithium-bot/lithium/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "lithium",
		Usage:   "guild moderation governance daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "postgres:// or sqlite:// database URL",
			Value:   "sqlite://data/lithium/lithium.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.BoolFlag{
			Name:    "db-tracing",
			Usage:   "emit OTEL spans for database queries",
			EnvVars: []string{"LITHIUM_DB_TRACING"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"LITHIUM_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format: text or json",
			EnvVars: []string{"LITHIUM_LOG_FMT", "LOG_FMT"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		policiesCmd,
		decayCmd,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context) (*slog.Logger, error) {
	logger, err := cliutil.SetupSlog(cliutil.LogOptions{
		LogLevel:  cctx.String("log-level"),
		LogFormat: cctx.String("log-format"),
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func openDatabase(cctx *cli.Context) (*gorm.DB, error) {
	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"), cctx.Bool("db-tracing"))
	if err != nil {
		return nil, err
	}
	if err := store.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return db, nil
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL; in-process state is used when unset",
			EnvVars: []string{"LITHIUM_REDIS_URL", "REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "gateway-url",
			Usage:   "websocket URL of the normalized event gateway; the HTTP ingest endpoint is the only event source when unset",
			EnvVars: []string{"LITHIUM_GATEWAY_URL"},
		},
		&cli.StringFlag{
			Name:    "gateway-token",
			EnvVars: []string{"LITHIUM_GATEWAY_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "bot-token",
			Usage:   "chat platform bot token for enforcement calls",
			EnvVars: []string{"LITHIUM_BOT_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "api-base",
			Usage:   "chat platform REST API base URL",
			Value:   "https://discord.com/api/v10",
			EnvVars: []string{"LITHIUM_API_BASE"},
		},
		&cli.Float64Flag{
			Name:    "api-rate-limit",
			Usage:   "max outbound platform API requests per second",
			Value:   40,
			EnvVars: []string{"LITHIUM_API_RATE_LIMIT"},
		},
		&cli.BoolFlag{
			Name:    "readonly",
			Usage:   "log enforcement actions instead of executing them",
			EnvVars: []string{"LITHIUM_READONLY", "READONLY"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3999",
			EnvVars: []string{"LITHIUM_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3998",
			EnvVars: []string{"LITHIUM_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token required on admin API requests",
			EnvVars: []string{"LITHIUM_ADMIN_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "sets-json-path",
			Usage:   "file path of JSON file containing keyword sets",
			EnvVars: []string{"LITHIUM_SETS_JSON_PATH"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "full URL of slack webhook for alerts",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "number of parallel pipeline workers",
			Value:   32,
			EnvVars: []string{"LITHIUM_WORKERS"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}

		shutdownOTEL := configOTEL("lithium")
		defer shutdownOTEL()

		db, err := openDatabase(cctx)
		if err != nil {
			return err
		}

		srv, err := NewServer(
			db,
			Config{
				Logger:          logger,
				RedisURL:        cctx.String("redis-url"),
				GatewayURL:      cctx.String("gateway-url"),
				GatewayToken:    cctx.String("gateway-token"),
				BotToken:        cctx.String("bot-token"),
				APIBase:         cctx.String("api-base"),
				APIRateLimit:    cctx.Float64("api-rate-limit"),
				ReadOnly:        cctx.Bool("readonly"),
				Bind:            cctx.String("bind"),
				AdminToken:      cctx.String("admin-token"),
				SetsFileJSON:    cctx.String("sets-json-path"),
				SlackWebhookURL: cctx.String("slack-webhook-url"),
				Workers:         cctx.Int("workers"),
			},
		)
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("failed to run lithium service: %w", err)
		}
		return nil
	},
}

var decayCmd = &cli.Command{
	Name:  "decay",
	Usage: "run one risk decay, heat decay and evidence cleanup sweep, then exit",
	Action: func(cctx *cli.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}
		db, err := openDatabase(cctx)
		if err != nil {
			return err
		}

		profiles, err := risk.NewEngine(db, logger).ApplyDecay(ctx)
		if err != nil {
			return err
		}
		channels, err := heat.NewTracker(db, logger).Decay(ctx)
		if err != nil {
			return err
		}
		evidence, err := cases.NewService(db, logger).CleanupExpiredEvidence(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("decayed %d risk profiles and %d channels; removed %d expired evidence rows\n", profiles, channels, evidence)
		return nil
	},
}
