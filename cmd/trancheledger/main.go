package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TrancheLedger/internal/broadcast"
	"TrancheLedger/internal/config"
	"TrancheLedger/internal/core"
	"TrancheLedger/internal/ingestion"
	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/persistence"
	"TrancheLedger/internal/projection"
	"TrancheLedger/internal/query"
	"TrancheLedger/internal/scheduler"
	"TrancheLedger/internal/server"
	"TrancheLedger/internal/store"
	"TrancheLedger/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	warmKeys       = 100_000
	historyPerPool = 64
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("trancheledger", observability.ParseLogLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("trancheledger exited")
	}
	logger.Info().Msg("shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Engine store ---
	kv, err := store.Open(store.Config{Backend: cfg.Store.Backend, Path: cfg.Store.Path, InMemory: cfg.Store.InMemory})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(int(cfg.Postgres.MaxConns))
	db.SetMaxIdleConns(int(cfg.Postgres.MaxConns) / 2)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("parse pgx config: %w", err)
	}
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	pgPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	defer pgPool.Close()

	var source fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		source = os.DirFS(cfg.MigrationsDir)
	}
	applied, err := persistence.NewMigrator(db, source, logger).Up(ctx)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Recovery: snapshot restore + event log replay ---
	snapMgr := persistence.NewSnapshotManager(db, metrics, logger)
	if _, err := snapMgr.Restore(ctx, kv); err != nil {
		return fmt.Errorf("snapshot restore: %w", err)
	}
	eventLog := persistence.NewEventLogWriter(db)
	if _, err := persistence.Reconcile(ctx, kv, eventLog, snapMgr, logger); err != nil {
		return fmt.Errorf("reconcile store with event log: %w", err)
	}
	replayLogger := logger.With().Str("component", "replay").Logger()
	replayEngine, err := core.NewEngine(kv, nil, nil, core.Options{AllowMint: true, Logger: &replayLogger})
	if err != nil {
		return fmt.Errorf("replay engine: %w", err)
	}
	if _, err := persistence.Replay(ctx, eventLog, replayEngine, replayEngine.GetSequence(), logger); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	// --- Channels ---
	persistChan := make(chan core.CoreOutput, cfg.Channels.Persist)
	projectionChan := make(chan core.CoreOutput, cfg.Channels.Projection)
	publishChan := make(chan core.CoreOutput, cfg.Channels.Publish)
	submissions := make(chan ingestion.Submission, cfg.Channels.Ingest)
	rawEvents := make(chan ingestion.RawEvent, cfg.Channels.Ingest)

	var kafkaChan chan core.CoreOutput
	sinks := []chan<- core.CoreOutput{publishChan}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaChan = make(chan core.CoreOutput, cfg.Channels.Publish)
		sinks = append(sinks, kafkaChan)
	}

	// --- Engine ---
	engineLogger := logger.With().Str("component", "engine").Logger()
	engine, err := core.NewEngine(kv, persistChan, projectionChan, core.Options{
		AllowMint:           cfg.AllowMint,
		IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
		DBChecker:           persistence.NewPostgresIdempotencyChecker(db),
		Metrics:             metrics,
		Logger:              &engineLogger,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	keys, err := persistence.NewPostgresIdempotencyChecker(db).RecentKeys(ctx, warmKeys)
	if err != nil {
		logger.Warn().Err(err).Msg("idempotency warm-up skipped")
	} else {
		engine.WarmIdempotency(keys)
	}

	queryService := query.NewQueryService(pgPool)
	if seq, _, err := queryService.Watermark(ctx); err != nil || seq < engine.GetSequence()-1 {
		if err := projection.Rebuild(ctx, pgPool, engine, logger); err != nil {
			logger.Warn().Err(err).Msg("projection rebuild failed")
		}
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js, cfg.NATS.Stream); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}
	subscriber := ingestion.NewNATSSubscriber(js, cfg.NATS.Stream, rawEvents, logger)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	defer subscriber.Stop()

	// --- Workers ---
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Persist.BatchSize, cfg.Persist.FlushTimeout, metrics, logger)
	persistWorker.OnFlush(broadcast.Fanout(metrics, sinks...))

	history := projection.NewEpochHistory(historyPerPool)
	projWorker := projection.NewWorker(pgPool, projectionChan, history, metrics, logger)
	publisher := ingestion.NewOutboundPublisher(js, publishChan, logger)
	router := ingestion.NewRouter(ingestion.DefaultSubjects(), submissions, logger)

	srv := server.New(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, server.Deps{
		Backend: server.Backend{
			Ingest:  ingestion.NewGRPCIngestService(submissions),
			State:   engine,
			Query:   queryService,
			History: history,
		},
		Health:  health,
		Metrics: metrics,
		Logger:  logger,
	})

	errChan := make(chan error, 16)
	spawn := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	spawn("persistence", persistWorker.Run)
	spawn("projection", projWorker.Run)
	spawn("publisher", publisher.Run)
	spawn("router", func(ctx context.Context) error { return router.Run(ctx, rawEvents) })
	spawn("command loop", func(ctx context.Context) error {
		return ingestion.RunCommandLoop(ctx, submissions, engine, logger)
	})
	spawn("grpc", srv.StartGRPC)
	spawn("gateway", srv.StartHTTPGateway)
	spawn("snapshots", func(ctx context.Context) error {
		return snapMgr.RunPeriodic(ctx, kv, engine.GetSequence, cfg.Snapshot.Interval, cfg.Snapshot.Tick)
	})
	spawn("metrics", func(ctx context.Context) error { return serveMetrics(ctx, cfg.Server.MetricsAddr) })
	go sampleChannels(ctx, metrics, map[string]func() (int, int){
		"ingest":     func() (int, int) { return len(submissions), cap(submissions) },
		"nats":       func() (int, int) { return len(rawEvents), cap(rawEvents) },
		"persist":    func() (int, int) { return len(persistChan), cap(persistChan) },
		"projection": func() (int, int) { return len(projectionChan), cap(projectionChan) },
		"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
	})

	if kafkaChan != nil {
		feed := broadcast.NewOutcomeFeed(broadcast.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), kafkaChan, metrics, logger)
		spawn("kafka feed", feed.Run)
	}

	if cfg.Epoch.Schedule != "" {
		sched := scheduler.NewEpochScheduler(engine, submissions, metrics, logger)
		if err := sched.Register(cfg.Epoch.Schedule); err != nil {
			return fmt.Errorf("epoch schedule: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	health.SetReady(true)
	logger.Info().
		Int64("sequence", engine.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("trancheledger ready")

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("worker failed, shutting down")
	}

	health.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	snap, err := persistence.Capture(kv)
	if err != nil {
		logger.Error().Err(err).Msg("final snapshot capture failed")
	} else if err := snapMgr.Save(shutdownCtx, snap); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", snap.Sequence).Msg("final snapshot saved")
	}
	return runErr
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func sampleChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sample := range channels {
				size, capacity := sample()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}
