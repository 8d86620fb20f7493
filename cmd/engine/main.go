package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telemetry-engine/internal/cache"
	"telemetry-engine/internal/config"
	"telemetry-engine/internal/control"
	"telemetry-engine/internal/db"
	"telemetry-engine/internal/fetch"
	"telemetry-engine/internal/metrics"
	"telemetry-engine/internal/observability"
	"telemetry-engine/internal/provider"
	"telemetry-engine/internal/publisher"
	"telemetry-engine/internal/sched"
	"telemetry-engine/internal/segment"
	"telemetry-engine/internal/session"
	"telemetry-engine/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := observability.NewLogger(cfg.LogLevel)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("engine stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.ForegroundInterval, cfg.BackgroundInterval, cfg.TripGap)
		srv := mcol.Serve(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	em := wrapMetrics(mcol)

	var pub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		var pm publisher.PublisherMetrics
		if em != nil {
			pm = em
		}
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, pm, logger)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer pub.Close()
	}

	tc := cache.New(store,
		cache.WithMaxAge(cfg.CacheMaxAge),
		cache.WithRetention(cfg.TripRetention),
		cache.WithPrefix(cfg.CachePrefix),
	)

	// the sign-out hook needs the scheduler, which needs the session
	var scheduler *sched.Scheduler
	sessOpts := []session.Option{session.WithSignOutHook(func() { scheduler.Post(sched.EventLogout) })}
	if pub != nil {
		sessOpts = append(sessOpts, session.WithEmitter(pub))
	}
	if em != nil {
		sessOpts = append(sessOpts, session.WithMetrics(em))
	}
	sess := session.New(logger, sessOpts...)

	cycle := fetch.NewCycle(
		provider.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout),
		tc,
		sess,
		segment.New(cfg.TripGap, cfg.DisplayPoints),
		cfg.FetchWindow,
		logger,
	)
	cycle.Loading = func(on bool) { logger.Debug("loading indicator", "visible", on) }

	bg := sched.NewTickerBackground(logger)
	defer bg.Close()

	opts := sched.Options{
		ForegroundInterval: cfg.ForegroundInterval,
		BackgroundInterval: cfg.BackgroundInterval,
		Logger:             logger,
	}
	if pub != nil {
		opts.Emitter = pub
	}
	if em != nil {
		opts.Metrics = em
	}
	scheduler = sched.New(cycle, bg, sess, opts)

	app := control.NewApp(scheduler, sess, tc)
	go func() {
		if err := app.Listen(cfg.ControlAddr); err != nil {
			logger.Error("control server error", "err", err)
		}
	}()
	logger.Info("engine started", "control", cfg.ControlAddr, "backend", cfg.CacheBackend, "nats", cfg.NATSURL != "")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown", "err", err)
	}
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("control shutdown", "err", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// openStore builds the durable store for the configured backend.
func openStore(ctx context.Context, cfg *config.Config) (cache.Store, func(), error) {
	switch cfg.CacheBackend {
	case config.BackendMemory:
		return db.NewMemoryStore(), func() {}, nil
	case config.BackendRedis:
		rdb, err := db.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		return db.NewRedisStore(rdb), func() { _ = rdb.Close() }, nil
	}

	driver, dsn := db.DriverSQLite, cfg.SQLitePath
	if cfg.CacheBackend == config.BackendPostgres {
		driver, dsn = db.DriverPostgres, cfg.DatabaseURL
	}
	sqlDB, err := db.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	s, err := db.NewSQLStore(ctx, sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return s, func() { _ = sqlDB.Close() }, nil
}

// engineMetrics adapts the Collector to the component metrics interfaces.
type engineMetrics struct{ c *metrics.Collector }

func wrapMetrics(c *metrics.Collector) *engineMetrics {
	if c == nil {
		return nil
	}
	return &engineMetrics{c: c}
}

var allStates = []string{sched.Idle.String(), sched.BackgroundRegistered.String(), sched.ForegroundPolling.String()}

func (m *engineMetrics) CycleObserve(source telemetry.Source, failed bool, d time.Duration) {
	m.c.Cycles.WithLabelValues(string(source), fmt.Sprint(failed)).Inc()
	m.c.CycleDuration.Observe(d.Seconds())
}
func (m *engineMetrics) TriggerSkipped(trigger string) { m.c.SkippedTriggers.WithLabelValues(trigger).Inc() }
func (m *engineMetrics) ClosedTripsAdd(n int)          { m.c.ClosedTrips.Add(float64(n)) }
func (m *engineMetrics) StateSet(s sched.State)        { m.c.SetMode(s.String(), allStates...) }
func (m *engineMetrics) SignOutInc(reason string)      { m.c.SignOuts.WithLabelValues(reason).Inc() }

func (m *engineMetrics) NATSPublishedInc()              { m.c.NATSPublished.Inc() }
func (m *engineMetrics) NATSPublishErrInc()             { m.c.NATSPublishErrs.Inc() }
func (m *engineMetrics) PublishObserve(d time.Duration) { m.c.PublishDuration.Observe(d.Seconds()) }
func (m *engineMetrics) NATSSetConnected(b bool) {
	if b {
		m.c.NATSConnected.Set(1)
	} else {
		m.c.NATSConnected.Set(0)
	}
}
