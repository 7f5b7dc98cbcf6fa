// Tradelot Position Engine — an event-sourced position keeper that turns a
// trade stream into tax-lot-level position state.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires stores and streams, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: consumes trades, routes to partition-owned hotpath/coldpath workers
//	hotpath/applier.go   — synchronous apply: validate → idempotency → classify → lot engine → event append + snapshot CAS
//	coldpath/recalc.go   — backdated recalculation: inject event, replay the full stream chronologically, correct the snapshot
//	lots/engine.go       — pure tax-lot math: FIFO/LIFO/HIFO consumption, realized PnL per slice
//	lots/codec.go        — snapshot lot payloads: row form for small positions, columnar above the threshold
//	eventstore/          — event log, snapshots, idempotency, UPI history over PostgreSQL (in-memory twin for dry-run)
//	poskey/poskey.go     — deterministic position key from account|instrument|currency|direction
//	classify/            — CURRENT_DATED / FORWARD_DATED / BACKDATED routing decision
//	rules/, iam/         — contract-rules and entitlement clients (redis-cached, circuit-broken)
//	regulatory/          — best-effort mirror of applied and corrected events
//	api/                 — read-only admin HTTP API: positions, event streams, UPI history, /metrics, /ws feed
//
// A trade either applies synchronously (current- or forward-dated) or, when
// it lands before the position's latest activity, applies provisionally and
// is routed to the backdated stream for a full chronological replay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tradelot/internal/api"
	"tradelot/internal/bus"
	"tradelot/internal/cache"
	"tradelot/internal/coldpath"
	"tradelot/internal/config"
	"tradelot/internal/engine"
	"tradelot/internal/eventstore"
	"tradelot/internal/hotpath"
	"tradelot/internal/iam"
	"tradelot/internal/metrics"
	"tradelot/internal/regulatory"
	"tradelot/internal/rules"
	"tradelot/internal/validate"
	"tradelot/pkg/types"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TLE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores and streams: real backends, or in-process twins in dry-run.
	var (
		store         eventstore.Store
		pub           bus.Publisher
		consumer      bus.Consumer
		adminConsumer bus.Consumer
		rdb           *redis.Client
	)
	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — in-memory store and bus, no external services")
		store = eventstore.NewMemoryStore()
		mem := bus.NewMemoryBus(cfg.Workers.QueueLen)
		pub, consumer, adminConsumer = mem, mem, mem
	} else {
		pg, err := eventstore.Open(ctx, cfg.Database.DSN, cfg.Database.QueryTimeout)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		store = pg

		kafkaPub, err := bus.NewKafkaPublisher(cfg.Kafka.Brokers, logger)
		if err != nil {
			logger.Error("failed to connect kafka producer", "error", err)
			os.Exit(1)
		}
		defer kafkaPub.Close()
		pub = kafkaPub
		consumer = bus.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
		adminConsumer = bus.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup+"-admin", logger)

		if cfg.Redis.Addr != "" {
			rdb = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()
		}
	}

	m := metrics.New()
	snapCache := cache.NewSnapshotCache(rdb, cfg.Cache.TTL, logger)
	defaultMethod := types.ParseMethod(cfg.TaxLot.DefaultMethod)
	resolver := rules.New(cfg.Rules.BaseURL, rdb, cfg.Cache.RulesTTL, defaultMethod, logger)
	var reg *regulatory.Sink
	if cfg.Regulatory.Enabled {
		reg = regulatory.New(cfg.Regulatory.BaseURL, logger)
	}

	var ent engine.Entitlements
	if cfg.IAM.Enabled {
		ent = iam.New(cfg.IAM.BaseURL, cfg.IAM.Token, rdb, cfg.IAM.CacheTTL, cfg.IAM.FailClosed, logger)
	}

	limits := validate.Limits{
		MaxPrice:       decimal.NewFromInt(cfg.Validator.MaxPrice),
		MaxFutureYears: cfg.Validator.MaxFutureYears,
	}

	applier := hotpath.New(store, resolver, pub, snapCache, reg, m,
		cfg.Hotpath, cfg.Topics, limits, cfg.Snapshot.ThresholdLots, logger)
	recalc := coldpath.New(store, resolver, pub, snapCache, reg, m,
		cfg.Coldpath, cfg.Topics, cfg.Snapshot.ThresholdLots, logger)

	eng := engine.New(cfg, applier, recalc, consumer, pub, ent, logger)

	// Start admin API server if enabled
	var apiServer *api.Server
	if cfg.Admin.Enabled {
		apiServer = api.NewServer(cfg.Admin, cfg.Topics, store, m, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("admin server failed", "error", err)
			}
		}()
		go func() {
			if err := apiServer.Feed(ctx, adminConsumer); err != nil {
				logger.Error("admin stream feed failed", "error", err)
			}
		}()
		logger.Info("admin api started", "url", fmt.Sprintf("http://localhost:%d", cfg.Admin.Port))
	}

	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("position engine started",
		"hotpath_workers", cfg.Workers.Hotpath,
		"coldpath_workers", cfg.Workers.Coldpath,
		"default_method", defaultMethod,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the admin surface first, then drain the pipelines.
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop admin server", "error", err)
		}
	}
	cancel()
	if err := eng.Stop(); err != nil {
		logger.Error("engine stopped with error", "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
