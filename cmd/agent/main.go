package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"claim-swarm/internal/audit"
	"claim-swarm/internal/browser"
	"claim-swarm/internal/capacity"
	"claim-swarm/internal/claim"
	"claim-swarm/internal/config"
	"claim-swarm/internal/detect"
	"claim-swarm/internal/dispatch"
	"claim-swarm/internal/events"
	"claim-swarm/internal/feed"
	"claim-swarm/internal/filter"
	"claim-swarm/internal/kafka"
	"claim-swarm/internal/logging"
	"claim-swarm/internal/metrics"
	"claim-swarm/internal/preflight"
	"claim-swarm/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))
	logger.Info("agent starting",
		zap.Ints("accounts", cfg.AccountIDs()),
		zap.String("strategy", cfg.ClaimStrategy),
		zap.String("detection", cfg.DetectionMode),
		zap.Bool("check_only", cfg.CheckOnly),
		zap.Duration("run_duration", cfg.RunDuration),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)
	if cfg.MetricsAddr != "" {
		metrics.StartServer(ctx, cfg.MetricsAddr, reg, logger)
	}

	hostname, _ := os.Hostname()
	pool, err := browser.Start(cfg.Accounts, browser.Options{
		TargetURL:   cfg.TargetURL,
		LoginURL:    cfg.LoginURL,
		CapacityURL: cfg.CapacityURL,
		FeedURL:     cfg.FeedURL,
		SessionDir:  cfg.SessionDir,
		Headless:    cfg.Headless,
		ProxyURL:    cfg.ProxyURL,
		ProxyPool:   cfg.ProxyPool,
		Hostname:    hostname,
		UserAgent:   feed.DefaultUserAgent,
	}, logger.Named("browser"))
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.LoginAll(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	firstAccount := cfg.AccountIDs()[0]
	results := preflight.RunAll(ctx, 15*time.Second, preflight.Target(pool.HTTPClient(firstAccount), cfg.TargetURL))
	if err := preflight.FirstError(results); err != nil {
		return err
	}

	tracker := capacity.NewTracker(capacityReader(cfg, pool), cfg.AccountIDs(), cfg.Caps, logger.Named("capacity"))
	seedCtx, cancelSeed := context.WithTimeout(ctx, cfg.ReconcileTimeout)
	seed := tracker.Reconcile(seedCtx)
	cancelSeed()
	for _, f := range seed.Failures {
		logger.Warn("initial capacity read failed", zap.Int("account_id", f.AccountID), zap.Error(f.Err))
	}

	engine, err := filter.NewEngine(cfg.Filter)
	if err != nil {
		return err
	}

	var statusStore store.StatusStore = store.NewMemoryStatusStore()
	if cfg.RedisAddr != "" {
		redisStore := store.NewRedisStatusStore(cfg.RedisAddr, store.StatusPrefix, cfg.StatusTTL)
		defer func() {
			if err := redisStore.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		statusStore = redisStore
	}
	reporter := newStatusReporter(statusStore, runID, len(cfg.Accounts), collector, logger)

	sinks := []events.Sink{events.NewLogSink(logger.Named("events")), collector, reporter}

	if cfg.Kafka.Broker != "" {
		publisher := kafka.NewPublisher(cfg.Kafka.Broker, kafka.Topics{
			Outcomes: cfg.Kafka.OutcomesTopic,
			Events:   cfg.Kafka.EventsTopic,
		}, runID, logger.Named("kafka"))
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("kafka writer close error", zap.Error(err))
			}
		}()
		sinks = append(sinks, publisher)
	}

	auditCtx, stopAudit := context.WithCancel(context.Background())
	auditDone := make(chan struct{})
	close(auditDone)
	var auditLog *audit.Log
	if cfg.Audit.DSN != "" {
		var closeAudit func()
		auditLog, closeAudit, err = openAudit(ctx, cfg, logger.Named("audit"))
		if err != nil {
			stopAudit()
			return err
		}
		defer closeAudit()
		sinks = append(sinks, auditLog)
		auditDone = make(chan struct{})
		go func() {
			defer close(auditDone)
			auditLog.Run(auditCtx, cfg.ShutdownGrace)
		}()
	}

	emitter := events.NewEmitter(runID, cfg.EventBuffer, logger.Named("emitter"), sinks...)

	var det *detect.Detector
	sched := dispatch.NewScheduler(tracker, collector.InstrumentStrategy(buildStrategy(cfg, pool, logger)), emitter, dispatch.Options{
		FanOut:           cfg.FanOut,
		AttemptTimeout:   cfg.AttemptTimeout,
		ReconcileTimeout: cfg.ReconcileTimeout,
		DeferReconcile:   func() bool { return det != nil && det.DeferReconcile() },
	}, logger.Named("dispatch"))

	det, err = detect.New(detectionSource(cfg, pool, logger), engine, sched, tracker, emitter, detect.Options{
		Accounts:      cfg.AccountIDs(),
		PollInterval:  cfg.PollInterval,
		BurstInterval: cfg.BurstInterval,
		BurstGrace:    cfg.BurstGrace,
		FloodCeiling:  cfg.FloodCeiling,
		CheckOnly:     cfg.CheckOnly,
	}, logger.Named("detect"))
	if err != nil {
		stopAudit()
		return err
	}
	reporter.attach(det)

	runCtx, cancelRun := context.WithTimeout(ctx, cfg.RunDuration)
	defer cancelRun()
	reporter.publish(runCtx, "")
	go reporter.run(runCtx, cfg.StatusEvery)
	go reportDropped(runCtx, emitter, collector)

	runErr := det.Run(runCtx)
	fatal := runErr != nil && !errors.Is(runErr, context.DeadlineExceeded) && !errors.Is(runErr, context.Canceled)

	graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelGrace()
	if !fatal {
		if err := sched.Wait(graceCtx); err != nil {
			logger.Warn("in-flight batch did not settle before shutdown", zap.Error(err))
		}
	}
	if err := emitter.Close(graceCtx); err != nil {
		logger.Warn("event sinks not drained", zap.Error(err), zap.Uint64("dropped", emitter.Dropped()))
	}
	stopAudit()
	<-auditDone
	if auditLog != nil && (auditLog.Pending() > 0 || auditLog.Dropped() > 0) {
		logger.Warn("audit records not persisted",
			zap.Int("pending", auditLog.Pending()),
			zap.Int("dropped", auditLog.Dropped()),
		)
	}

	state := stateFinished
	if fatal {
		state = stateFailed
	}
	statusCtx, cancelStatus := context.WithTimeout(context.Background(), 2*time.Second)
	reporter.publish(statusCtx, state)
	cancelStatus()

	if fatal {
		return runErr
	}
	logger.Info("run finished", zap.Int("dispatch_passes", sched.Passes()))
	return nil
}

func capacityReader(cfg config.Config, pool *browser.Pool) capacity.Reader {
	if cfg.CapacitySource == config.CapacityHTML {
		return capacity.NewHTMLReader(pool, cfg.CapacityURL, capacity.DefaultSelectors, feed.DefaultUserAgent)
	}
	return browser.NewCapacityReader(pool, browser.DefaultCapacitySelectors)
}

func buildStrategy(cfg config.Config, pool *browser.Pool, logger *zap.Logger) claim.Strategy {
	if cfg.ClaimStrategy == config.StrategyDirect {
		tokens := claim.NewTokenCache(pool, cfg.TargetURL, cfg.TokenTTL, feed.DefaultUserAgent)
		return claim.NewDirectStrategy(pool, tokens, claim.DirectOptions{
			ClaimURL:  cfg.ClaimURL,
			Timeout:   cfg.AttemptTimeout,
			RPS:       cfg.DirectRPS,
			UserAgent: feed.DefaultUserAgent,
		}, logger.Named("claim"))
	}
	return claim.NewUIStrategy(pool, claim.UIOptions{Timeout: cfg.AttemptTimeout}, logger.Named("claim"))
}

func detectionSource(cfg config.Config, pool *browser.Pool, logger *zap.Logger) detect.Feed {
	if cfg.DetectionMode == config.DetectionPage {
		return browser.NewPageFeed(pool, cfg.ListingURL(), cfg.NoJobsText, logger.Named("page-feed"))
	}
	return feed.NewClient(pool, cfg.FeedURL, cfg.ListingURL(), cfg.FeedMaxPages).WithLoginURL(cfg.LoginURL)
}

// openAudit connects to Postgres, creates the audit table and picks the dedupe store.
func openAudit(ctx context.Context, cfg config.Config, logger *zap.Logger) (*audit.Log, func(), error) {
	pgCfg, err := pgxpool.ParseConfig(cfg.Audit.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("parse PG_DSN: %w", err)
	}
	pgCfg.MaxConns = 4
	pgPool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	var dedupe store.Deduper = store.NewMemoryDeduper()
	if cfg.RedisAddr != "" {
		dedupe = store.NewRedisDeduper(cfg.RedisAddr, store.AuditPrefix)
	}

	log := audit.NewLog(pgPool, dedupe, audit.Options{
		Table:         cfg.Audit.Table,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		DedupeWindow:  cfg.Audit.DedupeWindow,
	}, logger)
	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := log.EnsureSchema(schemaCtx); err != nil {
		pgPool.Close()
		_ = dedupe.Close()
		return nil, nil, err
	}
	closeFn := func() {
		if err := dedupe.Close(); err != nil {
			logger.Warn("dedupe close error", zap.Error(err))
		}
		pgPool.Close()
	}
	return log, closeFn, nil
}

func reportDropped(ctx context.Context, emitter *events.Emitter, collector *metrics.Collector) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.EventsDropped.Set(float64(emitter.Dropped()))
		}
	}
}
