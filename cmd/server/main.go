package main

import (
	"context"
	"errors"
	"log"
	"time"

	redislib "github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	apiHandler "github.com/fastygo/attribution/api/handler"
	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/internal/config"
	"github.com/fastygo/attribution/internal/infrastructure/buffer"
	kafkaInfra "github.com/fastygo/attribution/internal/infrastructure/kafka"
	"github.com/fastygo/attribution/internal/infrastructure/monitor"
	"github.com/fastygo/attribution/internal/infrastructure/partnerconfig"
	pgInfra "github.com/fastygo/attribution/internal/infrastructure/postgres"
	redisInfra "github.com/fastygo/attribution/internal/infrastructure/redis"
	"github.com/fastygo/attribution/internal/middleware"
	"github.com/fastygo/attribution/internal/router"
	"github.com/fastygo/attribution/internal/services"
	"github.com/fastygo/attribution/internal/services/lifecycle"
	"github.com/fastygo/attribution/pkg/httpcontext"
	"github.com/fastygo/attribution/pkg/logger"
	"github.com/fastygo/attribution/pkg/metrics"
	"github.com/fastygo/attribution/repository"
	"github.com/fastygo/attribution/repository/memory"
	"github.com/fastygo/attribution/repository/postgres"
	redisRepo "github.com/fastygo/attribution/repository/redis"
	clickUC "github.com/fastygo/attribution/usecase/click"
	"github.com/fastygo/attribution/usecase/commission"
	"github.com/fastygo/attribution/usecase/conversion"
	"github.com/fastygo/attribution/usecase/payout"
	"github.com/fastygo/attribution/usecase/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{
		Level:    cfg.Logger.Level,
		Encoding: cfg.Logger.Encoding,
		Service:  cfg.AppName,
		Instance: cfg.InstanceID,
	})
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer zapLogger.Sync()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := lifecycle.New(cfg.Context.ShutdownTimeout, zapLogger)
	manager.Listen(cancel)

	provider, err := metrics.Install(appCtx, metrics.ProviderConfig{
		Exporter:    cfg.Metrics.Exporter,
		Service:     cfg.AppName,
		Instance:    cfg.InstanceID,
		Environment: cfg.Environment,
		Endpoint:    cfg.Metrics.Endpoint,
		Insecure:    cfg.Metrics.Insecure,
		Headers:     cfg.Metrics.Headers,
		Interval:    cfg.Metrics.Interval,
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("metrics exporter setup failed", zap.Error(err))
	}
	manager.Register(lifecycle.StageTelemetry, "metrics", provider.Shutdown)

	appMetrics, err := metrics.New()
	if err != nil {
		zapLogger.Fatal("metrics setup failed", zap.Error(err))
	}

	if err := pgInfra.RunMigrations(cfg, zapLogger); err != nil {
		zapLogger.Fatal("migrations failed", zap.Error(err))
	}

	pool, err := pgInfra.NewPool(appCtx, cfg.Database, zapLogger)
	if err != nil {
		zapLogger.Fatal("postgres connection failed", zap.Error(err))
	}
	manager.Register(lifecycle.StageStorage, "postgres", func(ctx context.Context) error {
		pgInfra.Close(pool, zapLogger)
		return nil
	})

	var (
		redisClient redislib.UniversalClient
		clickRepo   repository.ClickRepository
		locker      repository.PeriodLocker
	)
	switch cfg.Clicks.Store {
	case "memory":
		zapLogger.Warn("clicks are kept in process; run a single instance")
		clickRepo = memory.NewClickArena(cfg.Clicks.BucketWidth)
		locker = memory.NewStore().Locks()
	default:
		client, err := redisInfra.NewClient(cfg.Redis, zapLogger)
		if err != nil {
			zapLogger.Fatal("redis connection failed", zap.Error(err))
		}
		manager.Register(lifecycle.StageStorage, "redis", func(ctx context.Context) error {
			return client.Close()
		})
		redisClient = client
		clickRepo = redisRepo.NewClickRepository(client)
		locker = redisRepo.NewPeriodLocker(client)
	}

	spoolStore, err := buffer.Open(cfg.Spool.Path, "clicks", cfg.Spool.MaxSize)
	if err != nil {
		zapLogger.Fatal("failed to open click spool", zap.Error(err))
	}
	manager.Register(lifecycle.StageStorage, "click_spool_store", func(ctx context.Context) error {
		return spoolStore.Close()
	})

	mon := monitor.New(pool, redisClient, spoolStore, 10*time.Second, zapLogger)
	mon.Start()
	manager.Register(lifecycle.StageClients, "monitor", func(ctx context.Context) error {
		mon.Stop()
		return nil
	})

	claimRepo := postgres.NewClaimRepository(pool)
	ledgerRepo := postgres.NewLedgerRepository(pool)
	payoutRepo := postgres.NewPayoutRepository(pool)
	archiveRepo := postgres.NewClickArchiveRepository(pool)

	var terms commission.TermsSource = commission.StaticTerms{
		Default: commission.PartnerTerms{BaseRate: cfg.PartnerConfig.DefaultBaseRate},
	}
	if cfg.PartnerConfig.URL != "" {
		terms = partnerconfig.NewClient(cfg.PartnerConfig.URL, cfg.PartnerConfig.Token, cfg.PartnerConfig.Timeout)
	} else {
		zapLogger.Warn("PARTNER_CONFIG_URL not set, using the default base rate for every partner",
			zap.String("base_rate", cfg.PartnerConfig.DefaultBaseRate.String()))
	}

	clickUseCase := clickUC.New(clickRepo, spoolStore, cfg.Clicks.TTL, appMetrics, zapLogger)
	correlator := session.New(clickRepo, cfg.Attribution.Window, zapLogger)
	calculator := commission.New(commission.NewSnapshotProvider(terms), zapLogger, appMetrics)
	matcher := conversion.New(
		claimRepo,
		ledgerRepo,
		correlator,
		calculator,
		cfg.Programs,
		conversion.Options{Owner: cfg.InstanceID, Lease: cfg.Claims.Lease},
		appMetrics,
		zapLogger,
	)

	var executor payout.Executor = unavailableExecutor{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := kafkaInfra.NewPayoutPublisher(cfg.Kafka.Brokers, cfg.Kafka.PayoutTopic)
		if err != nil {
			zapLogger.Fatal("payout publisher setup failed", zap.Error(err))
		}
		manager.Register(lifecycle.StageClients, "payout_publisher", func(ctx context.Context) error {
			return publisher.Close()
		})
		executor = publisher
	} else {
		zapLogger.Warn("KAFKA_BROKERS not set, payout batches will stay open")
	}
	aggregator := payout.New(
		ledgerRepo,
		payoutRepo,
		locker,
		executor,
		payout.Options{LeaseTTL: cfg.Payout.LeaseTTL, Concurrency: cfg.Payout.Concurrency},
		appMetrics,
		zapLogger,
	)

	startJob(manager, zapLogger, "click_spool", func() (job, error) {
		return services.NewClickSpool(spoolStore, mon, clickRepo, appMetrics, zapLogger, services.SpoolConfig{
			Interval:   cfg.Spool.SyncInterval,
			BatchSize:  cfg.Spool.BatchSize,
			MaxRetries: cfg.Spool.MaxRetry,
		})
	})
	startJob(manager, zapLogger, "click_eviction", func() (job, error) {
		return services.NewEvictionSweeper(clickRepo, archiveRepo, appMetrics, zapLogger, services.SweepConfig{
			Interval:       cfg.Clicks.EvictInterval,
			BatchSize:      cfg.Clicks.EvictBatch,
			AuditRetention: cfg.Clicks.AuditRetention,
		})
	})
	startJob(manager, zapLogger, "claim_reconciler", func() (job, error) {
		return services.NewReconciler(claimRepo, matcher, zapLogger, services.ReconcileConfig{
			Interval:       cfg.Claims.ReconcileInterval,
			BatchSize:      cfg.Claims.ReconcileBatch,
			AttemptTimeout: cfg.Context.RequestTimeout,
		})
	})
	if cfg.Payout.Enabled {
		cadence, err := payout.ParseCadence(cfg.Payout.Period)
		if err != nil {
			zapLogger.Fatal("invalid payout period", zap.Error(err))
		}
		startJob(manager, zapLogger, "payout_aggregation", func() (job, error) {
			return services.NewPayoutScheduler(aggregator, zapLogger, services.PayoutScheduleConfig{
				Schedule:   cfg.Payout.Schedule,
				Cadence:    cadence,
				RunTimeout: cfg.Payout.RunTimeout,
			})
		})
	}

	if len(cfg.Kafka.Brokers) > 0 && !cfg.Kafka.ConsumerDisabled {
		consumer, err := kafkaInfra.NewConversionConsumer(
			cfg.Kafka.Brokers,
			cfg.Kafka.ConsumerGroup,
			cfg.Kafka.ConversionTopic,
			func(ctx context.Context, event domain.ConversionEvent) error {
				_, err := matcher.Match(ctx, event)
				return err
			},
			cfg.Context.RequestTimeout,
			zapLogger,
		)
		if err != nil {
			zapLogger.Fatal("conversion consumer setup failed", zap.Error(err))
		}
		consumerCtx, stopConsumer := context.WithCancel(appCtx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := consumer.Run(consumerCtx); err != nil {
				zapLogger.Error("conversion consumer stopped", zap.Error(err))
			}
		}()
		manager.Register(lifecycle.StageIngress, "conversion_consumer", func(ctx context.Context) error {
			stopConsumer()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return consumer.Close()
		})
	}

	ctxAdapter := httpcontext.NewAdapter(appCtx, cfg.Context.RequestTimeout)

	handlers := router.Handlers{
		Click:      apiHandler.NewClickHandler(clickUseCase, ctxAdapter, zapLogger),
		Conversion: apiHandler.NewConversionHandler(matcher, ctxAdapter, zapLogger),
		Payout:     apiHandler.NewPayoutHandler(aggregator, ctxAdapter, zapLogger),
		Health:     apiHandler.NewHealthHandler(mon, ctxAdapter, zapLogger),
	}

	authMiddleware := middleware.JWTAuth(cfg.JWT.Secret, cfg.JWT.Issuer, zapLogger)
	r := router.New(handlers, authMiddleware)

	server := &fasthttp.Server{
		Handler:            r.Handler,
		ReadTimeout:        cfg.HTTP.ReadTimeout,
		WriteTimeout:       cfg.HTTP.WriteTimeout,
		IdleTimeout:        cfg.HTTP.IdleTimeout,
		Concurrency:        cfg.HTTP.MaxConn,
		Name:               cfg.AppName,
		MaxRequestBodySize: 1 << 20,
	}

	go func() {
		zapLogger.Info("server started",
			zap.String("address", cfg.Address()),
			zap.String("click_store", cfg.Clicks.Store),
			zap.Strings("programs", cfg.Programs.IDs()))
		if err := server.ListenAndServe(cfg.Address()); err != nil {
			zapLogger.Fatal("server crashed", zap.Error(err))
		}
	}()

	manager.Register(lifecycle.StageIngress, "http_server", func(ctx context.Context) error {
		return server.ShutdownWithContext(ctx)
	})

	<-appCtx.Done()

	if err := manager.Shutdown(context.Background()); err != nil {
		zapLogger.Error("graceful shutdown error", zap.Error(err))
	}
}

type job interface {
	Start()
	Stop(ctx context.Context) error
}

func startJob(manager *lifecycle.Manager, zapLogger *zap.Logger, name string, build func() (job, error)) {
	j, err := build()
	if err != nil {
		zapLogger.Fatal("job setup failed", zap.String("job", name), zap.Error(err))
	}
	j.Start()
	manager.Register(lifecycle.StageWorkers, name, j.Stop)
}

// unavailableExecutor keeps batches open until a payout executor is configured.
type unavailableExecutor struct{}

func (unavailableExecutor) Submit(context.Context, domain.PayoutBatch) error {
	return errors.New("no payout executor configured")
}
