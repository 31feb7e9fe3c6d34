package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/claimgate/internal/config"
	"github.com/ehr/claimgate/internal/domain/adapter"
	"github.com/ehr/claimgate/internal/domain/bundle"
	"github.com/ehr/claimgate/internal/domain/claim"
	"github.com/ehr/claimgate/internal/domain/pipeline"
	"github.com/ehr/claimgate/internal/domain/poller"
	"github.com/ehr/claimgate/internal/domain/rejection"
	"github.com/ehr/claimgate/internal/domain/submission"
	"github.com/ehr/claimgate/internal/domain/validation"
	"github.com/ehr/claimgate/internal/platform/audit"
	"github.com/ehr/claimgate/internal/platform/credentials"
	"github.com/ehr/claimgate/internal/platform/db"
	"github.com/ehr/claimgate/internal/platform/exchange"
	"github.com/ehr/claimgate/internal/platform/lock"
	"github.com/ehr/claimgate/internal/platform/logging"
	"github.com/ehr/claimgate/internal/platform/metrics"
	"github.com/ehr/claimgate/internal/platform/middleware"
	"github.com/ehr/claimgate/internal/platform/notification"
)

// stores groups the repositories of one storage backend.
type stores struct {
	pool       *pgxpool.Pool
	claims     claim.Repository
	subs       submission.Repository
	rejections rejection.Repository
	audit      audit.Logger
	tx         submission.TxFunc
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	if cfg.InMemory() {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory storage")
		return &stores{
			claims:     claim.NewMemoryRepository(),
			subs:       submission.NewMemoryRepository(),
			rejections: rejection.NewMemoryRepository(),
			audit:      audit.NewMemoryLogger(),
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to database")
	return &stores{
		pool:       pool,
		claims:     claim.NewRepoPG(pool),
		subs:       submission.NewRepoPG(pool),
		rejections: rejection.NewRepoPG(pool),
		audit:      audit.NewPGLogger(pool),
		tx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		},
	}, nil
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func loadTables(cfg *config.Config) (*validation.RuleTable, *rejection.ReasonTable, error) {
	var (
		rules   *validation.RuleTable
		reasons *rejection.ReasonTable
		err     error
	)
	if cfg.ValidationRulesFile != "" {
		rules, err = validation.LoadRules(cfg.ValidationRulesFile)
	} else {
		rules, err = validation.DefaultRules()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("validation rules: %w", err)
	}
	if cfg.ReasonCodesFile != "" {
		reasons, err = rejection.LoadReasons(cfg.ReasonCodesFile)
	} else {
		reasons, err = rejection.DefaultReasons()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reason codes: %w", err)
	}
	return rules, reasons, nil
}

func newValidator(cfg *config.Config, rules *validation.RuleTable) *validation.Validator {
	return validation.New(rules, validation.Config{
		PassThreshold:      cfg.ValidationPassThreshold,
		WarnThreshold:      cfg.ValidationWarnThreshold,
		WeightCompleteness: cfg.ValidationWeightComplete,
		WeightEncoding:     cfg.ValidationWeightEncoding,
		WeightBusiness:     cfg.ValidationWeightBusiness,
		FilingWindow:       time.Duration(cfg.FilingWindowDays) * 24 * time.Hour,
	})
}

// openNotifier publishes to RabbitMQ when AMQP_URL is set and logs
// otherwise. The returned func releases the broker connection.
func openNotifier(cfg *config.Config, logger zerolog.Logger) (*notification.Notifier, func(), error) {
	if cfg.AMQPURL == "" {
		return notification.NewNotifier(notification.NewLogDispatcher(logger), nil, logger), func() {}, nil
	}
	conn, err := notification.DialAMQP(cfg.AMQPURL)
	if err != nil {
		return nil, nil, err
	}
	d, err := notification.NewAMQPDispatcher(conn, cfg.AMQPQueue, logger)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	logger.Info().Str("queue", cfg.AMQPQueue).Msg("publishing notifications to rabbitmq")
	release := func() {
		d.Close()
		conn.Close()
	}
	return notification.NewNotifier(d, nil, logger), release, nil
}

func openLocker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (lock.Locker, func(), error) {
	if cfg.RedisURL == "" {
		return lock.NewLocalLocker(), func() {}, nil
	}
	client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Dur("ttl", cfg.LockTTL).Msg("using redis claim locks")
	return lock.NewRedisLocker(client, cfg.LockTTL, logger), func() { client.Close() }, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Env, cfg.LogLevel)
	ctx := context.Background()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()

	locker, releaseLocker, err := openLocker(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer releaseLocker()

	notifier, releaseNotifier, err := openNotifier(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to rabbitmq")
	}
	defer releaseNotifier()

	rules, reasons, err := loadTables(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()

	creds := credentials.NewManager(&credentials.StaticSource{
		Secret:   cfg.ExchangeClientSecret,
		CertFile: cfg.TLSCertFile,
		KeyFile:  cfg.TLSKeyFile,
		TTL:      cfg.CredentialTTL,
	}, time.Minute)
	if err := creds.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to load exchange credentials")
	}
	defer creds.Close()

	client := exchange.NewClient(exchange.Config{
		BaseURL:         cfg.ExchangeBaseURL,
		Timeout:         cfg.ExchangeTimeout,
		ProviderLicense: cfg.ExchangeProviderLicense,
		OrganizationID:  cfg.ExchangeOrganizationID,
		ProviderID:      cfg.ExchangeProviderID,
	}, creds, exchange.NewBudget(cfg.ExchangeRPS, cfg.ExchangeBurst, int64(cfg.WorkerPoolSize)),
		exchange.WithMetrics(m),
		exchange.WithLogger(logger),
	)

	queue := rejection.NewQueue(st.rejections,
		rejection.WithAudit(st.audit),
		rejection.WithNotifier(notifier),
		rejection.WithMetrics(m),
		rejection.WithLogger(logger),
	)
	analyzer := rejection.NewAnalyzer(reasons, st.rejections, queue, st.claims,
		rejection.WithAudit(st.audit),
		rejection.WithNotifier(notifier),
		rejection.WithMetrics(m),
		rejection.WithLogger(logger),
	)

	coord := submission.NewCoordinator(st.claims, st.subs, client, locker, st.audit, submission.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Multiplier:  cfg.RetryMultiplier,
		Jitter:      cfg.RetryJitter,
	},
		submission.WithRejectionSink(analyzer),
		submission.WithNotifier(notifier),
		submission.WithMetrics(m),
		submission.WithTx(st.tx),
		submission.WithWorkers(cfg.WorkerPoolSize),
		submission.WithLogger(logger),
	)

	pollCfg := poller.DefaultConfig()
	pollCfg.InitialDelay = cfg.PollInitialDelay
	pollCfg.Interval = cfg.PollInterval
	pollCfg.MaxWindow = cfg.PollMaxWindow
	pollCfg.MaxAttempts = cfg.PollMaxAttempts
	poll := poller.New(pollCfg, client, coord, poller.WithMetrics(m), poller.WithLogger(logger))
	defer poll.Stop()
	coord.SetPollScheduler(poll)

	svc := pipeline.NewService(pipeline.Deps{
		Adapters:    adapter.Default(),
		Validator:   newValidator(cfg, rules),
		Builder:     bundle.NewBuilder(bundle.Config{BaseURL: cfg.BundleBaseURL, ProfileVersion: cfg.ProfileVersion, Location: loc}, logger),
		Claims:      st.claims,
		Coordinator: coord,
		Analyzer:    analyzer,
		Queue:       queue,
		Audit:       st.audit,
		Tx:          st.tx,
		Metrics:     m,
		Logger:      logger,
		Workers:     cfg.WorkerPoolSize,
	})
	defer svc.Close()

	report, err := svc.Recover(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("startup recovery incomplete")
	} else {
		logger.Info().
			Int("reconciled", report.Reconciled).
			Int("resumed", report.Resumed).
			Int("rescheduled", report.Rescheduled).
			Int("redispatched", report.Redispatched).
			Int("failed", report.Failed).
			Msg("startup recovery finished")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", db.HealthHandler(st.pool))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	apiV1 := e.Group("/api/v1")
	pipeline.NewHandler(svc).RegisterRoutes(apiV1)

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go runResubmissions(bgCtx, svc, cfg.ResubmitInterval, cfg.ResubmitBatch, logging.Component(logger, "resubmission"))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// runResubmissions drains ready correction tasks every interval.
func runResubmissions(ctx context.Context, svc *pipeline.Service, interval time.Duration, batch int, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			submitted, failed, err := svc.ProcessResubmissions(ctx, batch)
			if err != nil {
				logger.Error().Err(err).Msg("resubmission sweep failed")
				continue
			}
			if submitted > 0 || failed > 0 {
				logger.Info().Int("submitted", submitted).Int("failed", failed).Msg("resubmission sweep")
			}
		}
	}
}
