package main

import (
	"PerpSettle/internal/config"
	"PerpSettle/internal/core"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/market"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/projection"
	"PerpSettle/internal/query"
	"PerpSettle/internal/server"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// drainTimeout bounds how long workers may keep flushing after shutdown
const drainTimeout = 30 * time.Second

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var (
		configPath      string
		resetProjection bool
	)
	cmd := &cobra.Command{
		Use:           "perpsettle",
		Short:         "Runs the perpetual settlement processor",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := observability.NewLoggerWithLevel("perpsettle", observability.ParseLogLevel(cfg.LogLevel))
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, resetProjection, logger); err != nil {
				logger.Error().Err(err).Msg("perpsettle stopped with error")
				return err
			}
			logger.Info().Msg("perpsettle shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("PERP_CONFIG"), "path to the TOML config file")
	cmd.Flags().BoolVar(&resetProjection, "reset-projection", false, "clear the Redis read model and rebuild it during replay")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, resetProjection bool, logger zerolog.Logger) error {
	level := observability.ParseLogLevel(cfg.LogLevel)
	componentLogger := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime.Duration)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	if cfg.Postgres.RunMigrations {
		applied, err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, componentLogger("migrator")).Up(ctx)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Int("applied", applied).Msg("migrations up to date")
	}

	// --- Redis ---
	rdb, err := projection.NewRedisClient(ctx, cfg.Redis.Client())
	if err != nil {
		return err
	}
	defer rdb.Close()
	readModel := projection.NewRedisStore(rdb)
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, componentLogger("nats"))
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		return err
	}
	logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("redis", readModel.Ping)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if status := nc.Status(); status != nats.CONNECTED {
			return fmt.Errorf("nats %s", status)
		}
		return nil
	})

	// --- Processor ---
	persistChan := make(chan core.Output, cfg.Pipeline.PersistChanSize)
	projectionChan := make(chan core.Output, cfg.Pipeline.ProjectionChanSize)

	processor := core.NewProcessor(0, persistChan, projectionChan,
		persistence.NewPostgresIdempotencyChecker(db), metrics, componentLogger("core"))
	processor.SetLRUCapacity(cfg.Pipeline.IdempotencyLRUSize)

	for _, mc := range cfg.Markets {
		params, err := mc.Params()
		if err != nil {
			return err
		}
		m, err := market.New(params, mc.InsuranceAddress(), mc.TraderAddresses())
		if err != nil {
			return err
		}
		processor.AddMarket(m)
		if resetProjection {
			if err := readModel.Reset(ctx, m.ID()); err != nil {
				return fmt.Errorf("reset projection %s: %w", m.ID(), err)
			}
		}
		logger.Info().Str("market", m.ID()).Int("traders", len(mc.Traders)).Msg("market registered")
	}

	// --- Downstream workers ---
	// Workers outlive the ingest side so the persist channel can drain.
	drainCtx, cancelDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDrain()
	publishCtx, cancelPublish := context.WithCancel(drainCtx)
	defer cancelPublish()

	publisher := ingestion.NewOutboundPublisher(js, cfg.Pipeline.PublishChanSize, metrics, componentLogger("publisher"))
	persistWorker := persistence.NewPersistenceWorker(
		persistence.NewPostgresStore(db, metrics),
		persistChan,
		publisher,
		cfg.Pipeline.PersistBatchSize,
		cfg.Pipeline.PersistFlushTimeout.Duration,
		metrics,
		componentLogger("persistence"),
	)
	projWorker := projection.NewProjectionWorker(readModel, projectionChan, metrics, componentLogger("projection"))

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return ignoreCanceled(publisher.Run(publishCtx))
	})
	g.Go(func() error {
		defer cancelPublish()
		return ignoreCanceled(persistWorker.Run(drainCtx))
	})
	g.Go(func() error {
		return ignoreCanceled(projWorker.Run(drainCtx))
	})
	go func() {
		<-gctx.Done()
		select {
		case <-time.After(drainTimeout):
			logger.Warn().Dur("timeout", drainTimeout).Msg("drain timeout, abandoning workers")
			cancelDrain()
		case <-drainCtx.Done():
		}
	}()

	// --- Recovery: replay the command log ---
	watermark, err := readModel.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("read projection watermark: %w", err)
	}
	projWorker.ResumeFrom(watermark)

	logReader := persistence.NewCommandLogReader(db)
	records, err := logReader.Load(ctx, 0)
	if err != nil {
		return err
	}
	if err := processor.Replay(records); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	keys, err := logReader.RecentKeys(ctx, cfg.Pipeline.IdempotencyLRUSize)
	if err != nil {
		return err
	}
	processor.WarmLRU(keys)
	logger.Info().
		Int("replayed", len(records)).
		Int64("watermark", watermark).
		Int("warm_keys", len(keys)).
		Msg("recovery complete")

	// --- Ingest ---
	rawChan := make(chan ingestion.RawCommand, cfg.Pipeline.InboundChanSize)
	runner := ingestion.NewRunner(processor, rawChan, metrics, componentLogger("runner"))
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, componentLogger("nats"))

	srv, err := server.NewServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.Deps{
		Queries:       query.NewQueryService(readModel, db, metrics),
		Commands:      ingestion.NewAdminIngest(rawChan),
		HealthChecker: healthChecker,
		Logger:        componentLogger("server"),
	})
	if err != nil {
		return err
	}

	g.Go(func() error {
		// The processor is only touched from here, so closing the output
		// channels after Run returns is safe.
		defer close(projectionChan)
		defer close(persistChan)
		return ignoreCanceled(runner.Run(gctx))
	})
	g.Go(func() error {
		return srv.StartGRPC(gctx)
	})
	g.Go(func() error {
		return srv.StartHTTP(gctx)
	})
	g.Go(func() error {
		reportChannels(gctx, metrics, persistChan, projectionChan, rawChan)
		return nil
	})

	if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
		cancelRun()
		_ = shutdown(g, subscriber)
		return err
	}

	healthChecker.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Int64("sequence", processor.Sequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Msg("perpsettle ready")

	<-gctx.Done()
	logger.Info().Msg("shutting down")
	healthChecker.SetReady(false)
	srv.SetServing(false)
	return shutdown(g, subscriber)
}

// shutdown halts NATS delivery and waits for every goroutine to finish
func shutdown(g *errgroup.Group, subscriber *ingestion.NATSSubscriber) error {
	subscriber.Stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reportChannels samples channel depth for the backpressure gauges
func reportChannels(ctx context.Context, metrics *observability.Metrics,
	persistChan, projectionChan chan core.Output, rawChan chan ingestion.RawCommand) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
			metrics.SetChannelMetrics("projection", len(projectionChan), cap(projectionChan))
			metrics.SetChannelMetrics("inbound", len(rawChan), cap(rawChan))
		}
	}
}
