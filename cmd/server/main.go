package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	_ "github.com/lib/pq"
	"github.com/spf13/viper"

	"github.com/Proton-105/xo-arena/internal/admin"
	"github.com/Proton-105/xo-arena/internal/alert"
	"github.com/Proton-105/xo-arena/internal/bot"
	"github.com/Proton-105/xo-arena/internal/database"
	"github.com/Proton-105/xo-arena/internal/domain"
	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/internal/game"
	"github.com/Proton-105/xo-arena/internal/gateway"
	"github.com/Proton-105/xo-arena/internal/health"
	"github.com/Proton-105/xo-arena/internal/httpapi"
	"github.com/Proton-105/xo-arena/internal/i18n"
	"github.com/Proton-105/xo-arena/internal/idempotency"
	"github.com/Proton-105/xo-arena/internal/jobs"
	"github.com/Proton-105/xo-arena/internal/jobs/handlers"
	"github.com/Proton-105/xo-arena/internal/ledger"
	"github.com/Proton-105/xo-arena/internal/lifecycle"
	"github.com/Proton-105/xo-arena/internal/match"
	"github.com/Proton-105/xo-arena/internal/middleware"
	"github.com/Proton-105/xo-arena/internal/ratelimit"
	"github.com/Proton-105/xo-arena/internal/registry"
	"github.com/Proton-105/xo-arena/internal/repository"
	"github.com/Proton-105/xo-arena/internal/repository/memory"
	"github.com/Proton-105/xo-arena/internal/settlement"
	"github.com/Proton-105/xo-arena/internal/user"
	"github.com/Proton-105/xo-arena/internal/usercache"
	"github.com/Proton-105/xo-arena/pkg/config"
	"github.com/Proton-105/xo-arena/pkg/graceful"
	"github.com/Proton-105/xo-arena/pkg/logger"
	"github.com/Proton-105/xo-arena/pkg/metrics"
	appredis "github.com/Proton-105/xo-arena/pkg/redis"
)

const (
	presenceTTL       = 24 * time.Hour
	collectInterval   = 15 * time.Second
	limiterCleanup    = time.Minute
	limiterMaxAge     = time.Hour
	idempotencyMaxTTL = 25 * time.Hour
)

func main() {
	cfg, v, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(*cfg)
	slog.SetDefault(log)

	flush, err := logger.InitSentry(cfg.Sentry, cfg.AppEnv)
	if err != nil {
		log.Error("sentry disabled", slog.Any("error", err))
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, v, log); err != nil {
		log.Error("server stopped with error", slog.Any("error", err))
		flush()
		os.Exit(1)
	}
}

type storage struct {
	users        repository.UserRepository
	ledger       ledger.Store
	transactions repository.TransactionRepository
	games        repository.GameRepository
}

func run(ctx context.Context, cfg *config.Config, v *viper.Viper, log *slog.Logger) error {
	shutdown := lifecycle.NewShutdown(log)
	checker := health.NewChecker(log, 2*time.Second)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdown.Execute(shutdownCtx); err != nil {
			log.Error("shutdown finished with errors", slog.Any("error", err))
		}
	}()

	store, err := openStorage(ctx, cfg.Database, checker, shutdown, log)
	if err != nil {
		return err
	}

	var rdb *appredis.Client
	if cfg.Redis.Enabled {
		if rdb, err = appredis.New(ctx, cfg.Redis); err != nil {
			return err
		}
		checker.AddCheck("redis", health.NewRedisChecker(rdb))
		shutdown.Register(lifecycle.PhaseStorage, "redis", func(context.Context) error { return rdb.Close() })
	}

	var cache *usercache.Cache
	if rdb != nil {
		cache = usercache.NewCache(rdb.Client, cfg.UserCache.TTL)
	}
	users := user.NewService(store.users, cache, log)

	for _, seed := range cfg.SeedUsers {
		if _, err := users.EnsureUser(ctx, domain.User{
			ID:       seed.ID,
			Username: seed.Username,
			Balance:  seed.Balance,
			IsAdmin:  seed.IsAdmin,
			Status:   domain.UserStatusActive,
		}); err != nil {
			return fmt.Errorf("seed user %s: %w", seed.ID, err)
		}
	}

	l := ledger.New(store.ledger, cfg.Bot.UserID, log)

	var idemStore idempotency.Store
	if rdb != nil {
		idemStore = idempotency.NewRedisStore(rdb.Client, log)
	} else {
		mem := idempotency.NewMemoryStore()
		go mem.Run(ctx, limiterCleanup)
		idemStore = mem
	}
	idem := idempotency.NewManager(idemStore, log)

	settler := settlement.NewService(l, idem, settlement.Config{
		Fees: feeRates(cfg.Game),
		Retry: apperrors.RetryPolicy{
			MaxRetries:     cfg.Settlement.MaxRetries,
			InitialBackoff: cfg.Settlement.InitialBackoff,
			MaxBackoff:     cfg.Settlement.MaxBackoff,
		},
		IdempotencyTTL: cfg.Settlement.IdempotencyTTL,
	}, log)

	alerts, err := newNotifier(cfg.Telegram, checker, log)
	if err != nil {
		return err
	}

	var house *match.Player
	if cfg.Bot.Enabled {
		house = &match.Player{ID: cfg.Bot.UserID, Username: cfg.Bot.Username, IsBot: true}
	}

	matches := registry.New()
	games := game.NewService(game.Deps{
		Registry: matches,
		Users:    users,
		Wallet:   l,
		Settler:  settler,
		Games:    store.games,
		Alerts:   alerts,
		Bot:      house,
	}, gameConfig(cfg.Game), log)

	catalog, err := i18n.LoadFromDir(cfg.I18n.Dir, cfg.I18n.DefaultLang)
	if err != nil {
		return fmt.Errorf("load locales: %w", err)
	}

	errs := apperrors.NewHandler(log, cfg.Sentry.Enabled)

	fallback := ratelimit.NewMemoryLimiter()
	go fallback.Run(ctx, limiterCleanup, limiterMaxAge)

	var (
		primary  ratelimit.Limiter
		presence gateway.PresenceStore
	)
	if rdb != nil {
		primary = ratelimit.NewRedisLimiter(rdb.Client, log)
		presence = repository.NewPresenceRepository(rdb, presenceTTL)
	}
	limiter := ratelimit.NewAdaptiveLimiter(primary, fallback, log)

	hub := gateway.NewHub(gateway.Deps{
		Games:    games,
		Users:    users,
		Catalog:  catalog,
		Errors:   errs,
		Presence: presence,
		Middlewares: []middleware.Middleware{
			middleware.Recovery(log),
			middleware.Logging(log),
			middleware.Metrics(),
			middleware.RateLimit(limiter, ratelimit.NewRules(cfg.RateLimit), log),
		},
	}, gateway.Config{
		WriteBuffer:  cfg.Server.WriteBuffer,
		PingInterval: cfg.Server.PingInterval,
	}, log)
	games.Subscribe(hub)
	games.SetPresence(hub)
	shutdown.Register(lifecycle.PhaseIngress, "gateway", func(context.Context) error {
		hub.Close()
		return nil
	})

	strategy := bot.NewMixed(cfg.Bot.StrategicProbability)
	driver := bot.NewDriver(games, strategy, cfg.Bot.UserID, cfg.Bot.MoveDelay, log)
	if cfg.Bot.Enabled {
		games.Subscribe(driver)
		go driver.Run(ctx)
	}

	go game.NewJanitor(games, cfg.Game.SweepInterval, log).Run(ctx)
	go metrics.NewMatchCollector(matches, collectInterval).Run(ctx)

	if cfg.Jobs.Enabled {
		if err := startJobs(ctx, cfg, rdb, games, shutdown, log); err != nil {
			return err
		}
	} else {
		go reconcileOnce(ctx, games, cfg.Jobs.ReconcileBatchSize, log)
	}

	config.Watch(v, func(next *config.Config) {
		games.UpdateConfig(gameConfig(next.Game))
		settler.SetFeeRates(feeRates(next.Game))
		strategy.SetProbability(next.Bot.StrategicProbability)
		driver.SetDelay(next.Bot.MoveDelay)
		log.Info("configuration reloaded",
			slog.Int64("min_bet", next.Game.MinBet),
			slog.Int64("max_bet", next.Game.MaxBet),
			slog.Float64("fee_vs_player", next.Game.FeeVsPlayer),
			slog.Float64("fee_vs_bot", next.Game.FeeVsBot),
		)
	}, func(err error) {
		log.Warn("configuration change rejected", slog.Any("error", err))
	})

	probes := lifecycle.NewProbes(checker)
	router := httpapi.NewRouter(httpapi.Deps{
		Games:        games,
		Users:        users,
		Transactions: store.transactions,
		History:      store.games,
		Admin:        admin.NewService(l, users, idem, cfg.Settlement.IdempotencyTTL, log),
		Gateway:      hub,
		Upgrader:     gateway.NewUpgrader(cfg.Server.AllowedOrigins),
		Probes:       probes,
		Errors:       errs,
		Catalog:      catalog,
		Idempotency:  idem,
	}, httpapi.Config{
		WebhookSecret:  cfg.Payments.WebhookSecret,
		PingInterval:   cfg.Server.PingInterval,
		IdempotencyTTL: cfg.Settlement.IdempotencyTTL,
		ReconcileBatch: cfg.Jobs.ReconcileBatchSize,
	}, log)

	log.Info("xo-arena starting",
		slog.String("addr", cfg.Server.Addr),
		slog.String("storage", cfg.Database.Driver),
		slog.Bool("redis", rdb != nil),
		slog.Bool("bot", cfg.Bot.Enabled),
	)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-serveCtx.Done()
		probes.Drain()
	}()

	return graceful.NewServer(router, cfg.Server, log).ListenAndServe(serveCtx)
}

func openStorage(ctx context.Context, cfg config.DatabaseConfig, checker *health.Checker, shutdown *lifecycle.Shutdown, log *slog.Logger) (storage, error) {
	if cfg.Driver == "memory" {
		log.Warn("using in-memory storage, state is lost on restart")
		store := memory.NewStore()
		return storage{
			users:        store,
			ledger:       store,
			transactions: store.Transactions(),
			games:        memory.NewGameStore(),
		}, nil
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return storage{}, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return storage{}, fmt.Errorf("ping database: %w", err)
	}

	if err := database.NewMigrator(db, log).ApplyDir(ctx, cfg.MigrationsDir); err != nil {
		_ = db.Close()
		return storage{}, fmt.Errorf("apply migrations: %w", err)
	}

	checker.AddCheck("postgres", health.NewDBChecker(db))
	shutdown.Register(lifecycle.PhaseStorage, "postgres", func(context.Context) error { return db.Close() })

	return storage{
		users:        repository.NewUserRepository(db, log),
		ledger:       repository.NewLedgerStore(db, log),
		transactions: repository.NewTransactionRepository(db),
		games:        repository.NewGameRepository(db, log),
	}, nil
}

func newNotifier(cfg config.TelegramConfig, checker *health.Checker, log *slog.Logger) (alert.Notifier, error) {
	if !cfg.Enabled {
		return alert.NewLogNotifier(log), nil
	}

	tg, err := alert.NewTelegramBot(cfg)
	if err != nil {
		return nil, fmt.Errorf("telegram alerts: %w", err)
	}

	notifier := alert.NewTelegramNotifier(tg, cfg.AlertChatID, log)
	checker.AddCheck("alerts", health.NewAlertsChecker(notifier))
	return notifier, nil
}

func startJobs(ctx context.Context, cfg *config.Config, rdb *appredis.Client, games *game.Service, shutdown *lifecycle.Shutdown, log *slog.Logger) error {
	if rdb == nil {
		return errors.New("jobs require redis")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	worker := jobs.NewWorker(redisOpt, cfg.Jobs.Concurrency, log)
	worker.RegisterHandler(jobs.TaskTypeReconcile, handlers.NewReconcileHandler(games, log))
	worker.RegisterHandler(jobs.TaskTypeIdempotencySweep, handlers.NewSweepHandler(
		idempotency.NewCleaner(rdb.Client, log, idempotencyMaxTTL), log))
	worker.RegisterHandler(jobs.TaskTypeRateLimitSweep, handlers.NewSweepHandler(
		ratelimit.NewCleaner(rdb.Client, log, limiterMaxAge), log))
	if err := worker.Run(); err != nil {
		return fmt.Errorf("start jobs worker: %w", err)
	}
	shutdown.Register(lifecycle.PhaseWorkers, "jobs-worker", func(context.Context) error {
		worker.Shutdown()
		return nil
	})

	scheduler := jobs.NewScheduler(redisOpt, cfg.Jobs, log)
	if err := scheduler.RegisterTasks(); err != nil {
		return fmt.Errorf("register scheduled tasks: %w", err)
	}
	scheduler.Run()
	shutdown.Register(lifecycle.PhaseWorkers, "jobs-scheduler", func(context.Context) error {
		scheduler.Shutdown()
		return nil
	})

	queue := jobs.NewQueue(redisOpt, log)
	shutdown.Register(lifecycle.PhaseServices, "jobs-client", func(context.Context) error { return queue.Close() })

	if _, err := queue.RequestReconcile(ctx, cfg.Jobs.ReconcileBatchSize); err != nil {
		log.Warn("initial reconcile not queued", slog.Any("error", err))
	}

	return nil
}

// reconcileOnce retries settlements left failed by a previous run when no job queue is configured.
func reconcileOnce(ctx context.Context, games *game.Service, batch int, log *slog.Logger) {
	if batch <= 0 {
		batch = 100
	}
	if _, err := games.ReconcileFailed(ctx, batch); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("startup reconciliation failed", slog.Any("error", err))
	}
}

func gameConfig(cfg config.GameConfig) game.Config {
	return game.Config{
		Limits:         match.BetLimits{Min: cfg.MinBet, Max: cfg.MaxBet},
		WaitingTTL:     cfg.WaitingTTL,
		InviteTTL:      cfg.InviteTTL,
		ReconnectGrace: cfg.ReconnectGrace,
	}
}

func feeRates(cfg config.GameConfig) settlement.FeeRates {
	return settlement.FeeRates{VsPlayer: cfg.FeeVsPlayer, VsBot: cfg.FeeVsBot}
}
