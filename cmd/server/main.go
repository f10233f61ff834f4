package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/sim-engine/internal/api"
	"github.com/atmx/sim-engine/internal/config"
	"github.com/atmx/sim-engine/internal/content"
	"github.com/atmx/sim-engine/internal/engine"
	"github.com/atmx/sim-engine/internal/ledger"
	"github.com/atmx/sim-engine/internal/logging"
	"github.com/atmx/sim-engine/internal/market"
	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/notify"
	"github.com/atmx/sim-engine/internal/perps"
	"github.com/atmx/sim-engine/internal/price"
	"github.com/atmx/sim-engine/internal/risk"
	"github.com/atmx/sim-engine/internal/scheduler"
	"github.com/atmx/sim-engine/internal/store"
)

const serviceName = "sim-engine"

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML configuration")
	flag.Parse()

	bootstrap := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootstrap.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		bootstrap.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New(serviceName, cfg.Log)
	if err != nil {
		bootstrap.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer closeLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sim-engine exited with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("sim-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		logger.Info("connected to PostgreSQL")

		// Read-through cache in front of the durable store.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
		}
	} else {
		logger.Warn("postgres dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if err := seedAssets(ctx, st, cfg.Assets); err != nil {
		return err
	}

	// --- Event fan-out ---
	wsHub := notify.NewWSHub(logger)
	publishers := notify.Fanout{wsHub}
	if rdb != nil {
		publishers = append(publishers, notify.NewRedisPublisher(rdb, cfg.Redis.ChannelPrefix))
	}

	// --- Domain services ---
	led := ledger.New(st, cfg.LedgerConfig(), logger)
	markets, err := market.NewService(st, led, cfg.MarketConfig(), logger)
	if err != nil {
		return fmt.Errorf("market service: %w", err)
	}
	limiter := risk.NewExposureLimiter(
		decimal.NewFromFloat(cfg.Perps.MaxPerTicker),
		decimal.NewFromFloat(cfg.Perps.MaxCorrelated),
		cfg.AssetGroups(),
	)

	var gen content.Generator
	if cfg.Content.URL != "" {
		gen = content.NewHTTPGenerator(cfg.Content.URL, cfg.Content.Timeout.Duration)
		logger.Info("using remote content generator", "url", cfg.Content.URL)
	} else {
		gen = content.NewTemplateGenerator(cfg.Content.Seed)
	}

	eng, err := engine.New(engine.Deps{
		Store:     st,
		Ledger:    led,
		Markets:   markets,
		Prices:    price.NewProcess(st, cfg.PriceConfig(), logger),
		Perps:     perps.NewEngine(st, led, limiter, cfg.PerpsConfig(), logger),
		Scheduler: scheduler.New(st, gen, markets, cfg.SchedulerConfig(), logger),
		Publisher: publishers,
		Logger:    logger,
	}, cfg.EngineConfig())
	if err != nil {
		return err
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"sim-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	handler := api.NewHandler(eng, logger)
	r.Route("/api/v1", func(r chi.Router) {
		// Real-time ticks, prices, trades and points.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			handler.Routes(r)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		if err := eng.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		eng.Stop()
		return nil
	})

	g.Go(func() error {
		logger.Info("sim-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down sim-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// seedAssets creates configured assets that do not exist yet. Existing
// assets keep their evolved prices across restarts.
func seedAssets(ctx context.Context, st store.Store, assets []config.AssetConfig) error {
	now := time.Now().UTC()
	for _, a := range assets {
		p := decimal.NewFromFloat(a.Price)
		err := st.CreateAsset(ctx, &model.Asset{
			Ticker:       a.Ticker,
			Name:         a.Name,
			Price:        p,
			InitialPrice: p,
			UpdatedAt:    now,
		})
		if err != nil && !errors.Is(err, model.ErrAlreadyExists) {
			return fmt.Errorf("seed asset %s: %w", a.Ticker, err)
		}
	}
	return nil
}
