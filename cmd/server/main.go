package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/goldvault/gold-engine/internal/api"
	"github.com/goldvault/gold-engine/internal/config"
	"github.com/goldvault/gold-engine/internal/events"
	"github.com/goldvault/gold-engine/internal/inventory"
	"github.com/goldvault/gold-engine/internal/ledger"
	"github.com/goldvault/gold-engine/internal/limits"
	"github.com/goldvault/gold-engine/internal/logging"
	"github.com/goldvault/gold-engine/internal/order"
	"github.com/goldvault/gold-engine/internal/pricing"
	"github.com/goldvault/gold-engine/internal/store"
	"github.com/goldvault/gold-engine/internal/sweeper"
)

func main() {
	cfg, err := config.Load(os.Getenv("GOLD_CONFIG"), ".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName, cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool, logger)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Price oracle ---
	var feed pricing.Feed
	switch cfg.Pricing.Feed {
	case "yahoo":
		feed = pricing.NewYahooFeed(cfg.Pricing.BaseURL, cfg.Pricing.GoldSymbol, cfg.Pricing.FXSymbol, cfg.Pricing.FetchTimeout, logger)
	default:
		slog.Warn("using static price feed", "spot_usd", cfg.Pricing.StaticSpotUSD.String(), "fx", cfg.Pricing.StaticFX.String())
		feed = pricing.NewStaticFeed(cfg.Pricing.StaticSpotUSD, cfg.Pricing.StaticFX)
	}
	oracle := pricing.NewOracle(feed, st,
		pricing.Units{GramsPerOunce: cfg.Pricing.GramsPerOunce, GramsPerTola: cfg.Pricing.GramsPerTola},
		pricing.Margins{
			SafeguardPct:  cfg.Margins.SafeguardPct,
			SpreadPct:     cfg.Margins.SpreadPct,
			SellSpreadPct: cfg.Margins.SellSpreadPct,
		},
		pricing.Options{
			CacheTTL:     cfg.Pricing.CacheTTL,
			MaxStale:     cfg.Pricing.MaxStale,
			FetchTimeout: cfg.Pricing.FetchTimeout,
			Logger:       logger,
		},
	)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub(logger)
	go wsHub.Run(ctx)

	loc, err := time.LoadLocation(cfg.Pricing.Timezone)
	if err != nil {
		slog.Warn("unknown timezone, daily closes use UTC", "timezone", cfg.Pricing.Timezone, "err", err)
		loc = time.UTC
	}
	pricing.NewPoller(oracle, st, wsHub, cfg.Pricing.PollInterval, loc, logger).Start(ctx)

	// --- Ledger and inventory ---
	lg := ledger.New(st, logger)
	invPool := inventory.NewPool(st, logger)
	if cfg.Inventory.SeedGrams.IsPositive() {
		inv, err := invPool.Seed(ctx, cfg.Inventory.SeedGrams)
		if err != nil {
			slog.Error("inventory seed failed", "err", err)
			os.Exit(1)
		}
		slog.Info("inventory ready", "total_grams", inv.TotalGrams.String())
	}

	// --- Order events ---
	publishers := []events.Publisher{wsHub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			slog.Error("kafka producer failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { kp.Close() })
		publishers = append(publishers, kp)
		slog.Info("publishing order events to kafka", "topic", cfg.Kafka.Topic)
	}
	publisher := events.NewFanout(logger, publishers...)

	// --- Order engine ---
	limiter := limits.NewOrderLimiter(cfg.Limits.MaxOrderGrams, cfg.Limits.MaxPendingGrams)
	engine := order.NewEngine(st, lg, invPool, oracle, limiter, publisher, order.Config{
		LockDuration: cfg.Orders.LockDuration,
		BuyFeePct:    cfg.Orders.BuyFeePct,
		SellFeePct:   cfg.Orders.SellFeePct,
		MinBuyAmount: cfg.Orders.MinBuyAmount,
	}, logger)

	sweeper.New(st, engine, cfg.Sweeper.Interval, cfg.Sweeper.BatchSize, logger).Start(ctx)

	// --- HTTP ---
	svc := api.NewService(engine, lg, invPool, oracle, st, logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.NewRouter(svc, wsHub, cfg.ServiceName),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		slog.Info("gold-engine listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down gold-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	fmt.Println("gold-engine stopped")
}
