package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PerpStats/internal/config"
	"PerpStats/internal/core"
	"PerpStats/internal/event"
	"PerpStats/internal/ingestion"
	"PerpStats/internal/observability"
	"PerpStats/internal/persistence"
	"PerpStats/internal/server"
	"PerpStats/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("PERP_CONFIG"), "path to TOML config (optional)")
	verify := flag.Bool("verify", false, "replay the stored state hash chain and exit")
	flag.Parse()

	if err := run(*configPath, *verify); err != nil {
		fmt.Fprintf(os.Stderr, "perpstats: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, verify bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, _ := observability.ParseLogLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("perpstats", level)
	component := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := persistence.OpenDB(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime.Duration)
	logger.Info().Msg("Postgres connected")

	if cfg.Postgres.RunMigrations {
		n, err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger).Up(ctx)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")
	}

	entities := persistence.NewEntityStore(db)
	if verify {
		return verifyChain(ctx, entities, logger)
	}

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()
	srv := server.New(server.Config{
		HTTPAddr:        cfg.Server.HTTPAddr,
		GRPCAddr:        cfg.Server.GRPCAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration,
	}, health, reg, component("server"))

	// --- Store ---
	var st store.Store = entities
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL.Duration, metrics, component("cache"))
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Redis cache enabled")
	}

	// --- NATS ---
	var js jetstream.JetStream
	if cfg.Source == config.SourceNATS || cfg.NATS.PublishFeed {
		nc, stream, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		js = stream
		logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
	}

	var feed chan *store.ChangeSet
	if cfg.NATS.PublishFeed {
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return err
		}
		feed = make(chan *store.ChangeSet, cfg.Processor.FeedBuffer)
	}

	// --- Processor ---
	proc, err := core.NewProcessor(ctx, st, core.RetryPolicy{
		Initial: cfg.Processor.RetryInitial.Duration,
		Max:     cfg.Processor.RetryMax.Duration,
	}, feed, metrics, component("processor"))
	if err != nil {
		return fmt.Errorf("start processor: %w", err)
	}
	proc.SetHealthChecker(health)

	deliveries := make(chan event.Delivery, cfg.Processor.DeliveryBuffer)

	// All sources are built before any goroutine starts, so a setup error
	// never leaves workers running.
	g, ctx := errgroup.WithContext(ctx)
	var workers []func() error

	switch cfg.Source {
	case config.SourceChain:
		client, err := ingestion.DialChain(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return err
		}
		defer client.Close()
		src, err := ingestion.NewChainSource(client, ingestion.ChainSourceConfig{
			Contract:      common.HexToAddress(cfg.Chain.Contract),
			StartBlock:    cfg.Chain.StartBlock,
			Confirmations: cfg.Chain.Confirmations,
			BatchSize:     cfg.Chain.BatchSize,
			PollInterval:  cfg.Chain.PollInterval.Duration,
		}, metrics, component("chain"))
		if err != nil {
			return err
		}
		if cur, ok := proc.Cursor(); ok {
			src.ResumeFrom(cur)
		}
		logger.Info().Uint64("from_block", src.NextBlock()).Msg("chain source starting")
		workers = append(workers, func() error {
			return src.Run(ctx, deliveries)
		})

	case config.SourceNATS:
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return err
		}
		sub := ingestion.NewNATSSubscriber(js, deliveries, metrics, component("nats"))
		subCfg := ingestion.DefaultSubscriberConfig()
		subCfg.Consumer = cfg.NATS.Consumer
		subCfg.AckWait = cfg.NATS.AckWait.Duration
		if err := sub.Subscribe(ctx, subCfg); err != nil {
			return err
		}
		workers = append(workers, func() error {
			<-ctx.Done()
			sub.Stop()
			return nil
		})
	}

	if feed != nil {
		pub := ingestion.NewOutboundPublisher(js, feed, metrics, component("feed"))
		workers = append(workers, func() error {
			return pub.Run(ctx)
		})
	}

	workers = append(workers,
		func() error {
			return srv.Run(ctx)
		},
		func() error {
			err := proc.Run(ctx, deliveries)
			if errors.Is(err, core.ErrFatalInconsistency) || errors.Is(err, core.ErrHalted) {
				// Stay up, not ready, so operators can inspect.
				logger.Error().Err(err).Msg("processor halted")
				<-ctx.Done()
				return nil
			}
			return err
		},
		func() error {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					metrics.SetChannelMetrics("deliveries", len(deliveries), cap(deliveries))
					if feed != nil {
						metrics.SetChannelMetrics("feed", len(feed), cap(feed))
					}
				}
			}
		},
	)

	tip := proc.StateHash()

	// Ready before the processor starts; a halt flips it back.
	health.SetReady(true)
	for _, w := range workers {
		g.Go(w)
	}

	logger.Info().
		Str("source", cfg.Source).
		Str("state_hash", hex.EncodeToString(tip[:])).
		Msg("PerpStats ready")

	err = g.Wait()
	health.SetReady(false)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info().Err(err).Msg("PerpStats stopped")
	return err
}

// verifyChain recomputes every stored state hash and checks the tip
// against the cursor.
func verifyChain(ctx context.Context, st *persistence.EntityStore, logger zerolog.Logger) error {
	tip, checked, err := core.VerifyLog(ctx, st, 1000)
	if err != nil {
		return fmt.Errorf("verify after %d change sets: %w", checked, err)
	}

	cur, err := st.Cursor(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if checked > 0 {
			return fmt.Errorf("%w: %d change sets logged but no cursor", core.ErrChainBroken, checked)
		}
	case err != nil:
		return err
	case cur.StateHash != tip:
		return fmt.Errorf("%w: cursor %s does not match replayed tip %x", core.ErrChainBroken, cur.StateHashHex(), tip)
	}

	logger.Info().Int("change_sets", checked).Str("tip", hex.EncodeToString(tip[:])).Msg("state hash chain verified")
	return nil
}
