package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lithium-bot/lithium/moderation/cachestore"
	"github.com/lithium-bot/lithium/moderation/cases"
	"github.com/lithium-bot/lithium/moderation/configbus"
	"github.com/lithium-bot/lithium/moderation/countstore"
	"github.com/lithium-bot/lithium/moderation/dispatch"
	"github.com/lithium-bot/lithium/moderation/engine"
	"github.com/lithium-bot/lithium/moderation/governance"
	"github.com/lithium-bot/lithium/moderation/heat"
	"github.com/lithium-bot/lithium/moderation/idempotency"
	"github.com/lithium-bot/lithium/moderation/periodic"
	"github.com/lithium-bot/lithium/moderation/policy"
	"github.com/lithium-bot/lithium/moderation/ratelimit"
	"github.com/lithium-bot/lithium/moderation/risk"
	"github.com/lithium-bot/lithium/moderation/scheduler"
	"github.com/lithium-bot/lithium/moderation/setstore"
	"github.com/lithium-bot/lithium/moderation/store"
	"github.com/lithium-bot/lithium/moderation/tickets"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Server struct {
	logger   *slog.Logger
	db       *gorm.DB
	engine   *engine.Engine
	policies *policy.Service
	tickets  *tickets.Service
	bus      configbus.Bus
	rdb      *redis.Client
	pool     *scheduler.Scheduler[*engine.Event]
	tasks    *periodic.Runner

	echo       *echo.Echo
	httpd      *http.Server
	adminToken string

	gatewayURL   string
	gatewayToken string
	lastSeq      int64
}

type Config struct {
	Logger          *slog.Logger
	RedisURL        string
	GatewayURL      string
	GatewayToken    string
	BotToken        string
	APIBase         string
	APIRateLimit    float64
	ReadOnly        bool
	Bind            string
	AdminToken      string
	SetsFileJSON    string
	SlackWebhookURL string
	Workers         int
}

func NewServer(db *gorm.DB, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	if config.GatewayURL != "" && !strings.HasPrefix(config.GatewayURL, "ws") {
		return nil, fmt.Errorf("specified gateway URL must include 'ws://' or 'wss://'")
	}

	sets := setstore.NewMemSetStore()
	if config.SetsFileJSON != "" {
		if err := sets.LoadFromFileJSON(config.SetsFileJSON); err != nil {
			return nil, fmt.Errorf("initializing in-process setstore: %v", err)
		} else {
			logger.Info("loaded set config from JSON", "path", config.SetsFileJSON)
		}
	}

	localCache := cachestore.NewMemCacheStore(100_000, idempotency.DefaultTTL)
	var primaryCache cachestore.CacheStore
	var counters countstore.CountStore
	var rates ratelimit.Governor
	var bus configbus.Bus
	var rdb *redis.Client
	if config.RedisURL != "" {
		// generic client, for rate windows, pub/sub and cursor state
		opt, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %v", err)
		}
		rdb = redis.NewClient(opt)
		// check redis connection
		_, err = rdb.Ping(context.TODO()).Result()
		if err != nil {
			return nil, fmt.Errorf("redis ping failed: %v", err)
		}

		cnt, err := countstore.NewRedisCountStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis countstore: %v", err)
		}
		counters = cnt

		csh, err := cachestore.NewRedisCacheStore(config.RedisURL, idempotency.DefaultTTL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis cachestore: %v", err)
		}
		primaryCache = csh

		rates = ratelimit.NewRedisGovernor(rdb, ratelimit.DefaultLimit, ratelimit.DefaultWindow)
		bus = configbus.NewRedisBus(rdb, logger)
	} else {
		counters = countstore.NewMemCountStore()
		rates = ratelimit.NewLocalGovernor(ratelimit.DefaultLimit, ratelimit.DefaultWindow)
		bus = configbus.NewMemBus()
	}

	var exec dispatch.Executor
	if config.ReadOnly || config.BotToken == "" {
		logger.Warn("enforcement actions will only be logged", "readonly", config.ReadOnly)
		exec = dispatch.NewLogExecutor(logger)
	} else {
		exec = dispatch.NewRESTExecutor(dispatch.RESTConfig{
			BaseURL:   config.APIBase,
			Token:     config.BotToken,
			UserAgent: fmt.Sprintf("lithium/%s", versioninfo.Short()),
			RateLimit: config.APIRateLimit,
		}, logger)
	}

	caseSvc := cases.NewService(db, logger)
	reg := governance.NewRegistry(db, caseSvc, bus, logger)
	riskEngine := risk.NewEngine(db, logger)
	policyEngine := policy.NewEngine(db, sets, logger)
	policyEngine.OnInvalid = func(ctx context.Context, guildID, ruleID string, err error) {
		if aerr := caseSvc.RecordAudit(ctx, &store.AuditEvent{
			GuildID:    guildID,
			EventType:  "policy_invalid",
			ActorType:  store.ActorSystem,
			ActorID:    store.ActorSystem,
			TargetType: "policy",
			TargetID:   ruleID,
			Action:     "skipped",
		}, map[string]any{"error": err.Error()}); aerr != nil {
			logger.Error("failed to audit invalid policy", "guild", guildID, "rule", ruleID, "err", aerr)
		}
	}
	disp := dispatch.NewDispatcher(exec, caseSvc, counters, logger)

	notifiers := []engine.Notifier{&engine.ModLogNotifier{Dispatch: disp}}
	if config.SlackWebhookURL != "" {
		notifiers = append(notifiers, engine.NewSlackNotifier(config.SlackWebhookURL, false))
	}

	eng := &engine.Engine{
		Logger:     logger,
		Guard:      idempotency.NewGuard(primaryCache, localCache, logger),
		Rates:      rates,
		Risk:       riskEngine,
		Policies:   policyEngine,
		Heat:       heat.NewTracker(db, logger),
		Governance: reg,
		Cases:      caseSvc,
		Dispatch:   disp,
		Counters:   counters,
		Notifiers:  notifiers,
	}

	workers := config.Workers
	if workers <= 0 {
		workers = 32
	}

	s := &Server{
		logger:       logger,
		db:           db,
		engine:       eng,
		policies:     policy.NewService(db, policyEngine, bus, logger),
		tickets:      tickets.NewService(db, reg, caseSvc, riskEngine, caseSvc, logger),
		bus:          bus,
		rdb:          rdb,
		adminToken:   config.AdminToken,
		gatewayURL:   config.GatewayURL,
		gatewayToken: config.GatewayToken,
	}
	s.pool = scheduler.New(workers, "pipeline", s.processEvent)
	s.tasks = periodic.NewRunner(logger, s.backgroundTasks(localCache, counters)...)
	s.setupAPI(config.Bind)

	return s, nil
}

func (s *Server) processEvent(ctx context.Context, evt *engine.Event) error {
	return s.engine.ProcessEvent(ctx, evt)
}

// Enqueue hands an event to the worker pool. Events for the same guild member are processed in arrival order.
func (s *Server) Enqueue(ctx context.Context, evt *engine.Event) error {
	if err := evt.Normalize(); err != nil {
		return err
	}
	eventsReceived.WithLabelValues(evt.Type).Inc()
	return s.pool.AddWork(ctx, evt.GuildID+"/"+evt.UserID, evt)
}

func (s *Server) backgroundTasks(localCache *cachestore.MemCacheStore, counters countstore.CountStore) []periodic.Task {
	e := s.engine
	return []periodic.Task{
		{
			Name:     "risk-decay",
			Interval: time.Hour,
			Run: func(ctx context.Context) error {
				_, err := e.Risk.ApplyDecay(ctx)
				return err
			},
		},
		{
			Name:     "state-cleanup",
			Interval: 5 * time.Minute,
			Run: func(ctx context.Context) error {
				limiters := e.Rates.Cleanup(ctx)
				entries := localCache.Len()
				buckets := 0
				if mc, ok := counters.(*countstore.MemCountStore); ok {
					buckets = mc.Prune()
				}
				s.logger.Debug("pruned idle state", "limiters", limiters, "cache_entries", entries, "count_buckets", buckets)
				return nil
			},
		},
		{
			Name:     "lockdown-expiry",
			Interval: time.Minute,
			Run: func(ctx context.Context) error {
				_, err := e.Governance.ExpireLockdowns(ctx)
				return err
			},
		},
		{
			Name:     "evidence-reaper",
			Interval: time.Hour,
			Run: func(ctx context.Context) error {
				_, err := e.Cases.CleanupExpiredEvidence(ctx)
				return err
			},
		},
		{
			Name:     "heat-decay",
			Interval: 5 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := e.Heat.Decay(ctx)
				return err
			},
		},
	}
}

func (s *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

// Run blocks until ctx is cancelled or a component fails, then shuts down: stop intake, drain the worker pool, stop background tasks.
func (s *Server) Run(ctx context.Context) error {
	if err := s.bus.Subscribe(ctx, s.engine.HandleConfigChange); err != nil {
		return fmt.Errorf("subscribing to config changes: %w", err)
	}

	tasksCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()
	s.tasks.Start(tasksCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting api server", "bind", s.httpd.Addr)
		if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	if s.gatewayURL != "" {
		g.Go(func() error {
			return s.RunConsumer(gctx)
		})
		g.Go(func() error {
			return s.RunPersistCursor(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpd.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.logger.Info("draining pipeline workers")
	s.pool.Shutdown()
	cancelTasks()
	s.tasks.Shutdown()
	if s.rdb != nil {
		if cerr := s.rdb.Close(); cerr != nil {
			s.logger.Warn("closing redis client", "err", cerr)
		}
	}
	s.logger.Info("graceful shutdown complete")
	return err
}

func newRedisBus(redisURL string, logger *slog.Logger) (*configbus.RedisBus, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %v", err)
	}
	return configbus.NewRedisBus(redis.NewClient(opt), logger), nil
}
