package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/voicecrm/auditcore/internal/config"
	"github.com/voicecrm/auditcore/internal/db"
	"github.com/voicecrm/auditcore/internal/events"
	apphttp "github.com/voicecrm/auditcore/internal/http"
	"github.com/voicecrm/auditcore/internal/http/dto"
	"github.com/voicecrm/auditcore/internal/http/handlers"
	"github.com/voicecrm/auditcore/internal/ledger"
	"github.com/voicecrm/auditcore/internal/metrics"
	"github.com/voicecrm/auditcore/internal/middleware"
	"github.com/voicecrm/auditcore/internal/repositories"
	"github.com/voicecrm/auditcore/internal/services"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	log, _ := zap.NewProduction()
	if cfg.IsDevelopment() {
		log, _ = zap.NewDevelopment()
	}
	defer log.Sync()

	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Audit store
	var store repositories.AuditStore
	if cfg.UsesMemoryStore() {
		log.Warn("using in-memory audit store; records are lost on restart")
		store = repositories.NewMemoryAuditRepo()
	} else {
		pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, db.PoolOptionsForWorkers(cfg.AuditWorkers), log)
		if err != nil {
			log.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pool.Close()

		if err := db.RunMigrations(ctx, pool, cfg.MigrationsDir, log); err != nil {
			log.Fatal("failed to run migrations", zap.Error(err))
		}
		store = repositories.NewAuditRepo(pool)
	}

	// Redis is optional with the memory store
	var rdb *redis.Client
	if client, err := db.NewRedisClient(ctx, cfg.RedisURL, log); err != nil {
		if !cfg.UsesMemoryStore() {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		log.Warn("redis unavailable; live tail and rate limiting disabled", zap.Error(err))
	} else {
		rdb = client
		defer rdb.Close()
	}

	m := metrics.New()

	// Ledger and exports
	if err := ledger.EnsureScaffold(cfg.AuditLogsRoot); err != nil {
		log.Warn("failed to scaffold logs root", zap.String("root", cfg.AuditLogsRoot), zap.Error(err))
	}
	textLedger := ledger.NewLedger(cfg.AuditLogsRoot)
	exportOpts := []ledger.Option{ledger.WithSource(store), ledger.WithMetrics(m)}
	if cfg.ExportS3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			log.Fatal("failed to load aws config", zap.Error(err))
		}
		exportOpts = append(exportOpts, ledger.WithArchiver(ledger.NewS3Archiver(awsCfg, cfg.ExportS3Bucket, log)))
	}
	exporter := ledger.NewExporter(cfg.AuditLogsRoot, textLedger, log, exportOpts...)

	// Services
	auditOpts := []services.AuditServiceOption{services.WithSink(textLedger), services.WithAuditMetrics(m)}
	if rdb != nil {
		auditOpts = append(auditOpts, services.WithPublisher(events.NewRedisPublisher(rdb, log)))
	}
	auditService := services.NewAuditService(store, log, services.AuditServiceConfig{
		QueueSize:     cfg.AuditQueueSize,
		Workers:       cfg.AuditWorkers,
		SinkBatchSize: cfg.LedgerBatchSize,
		SinkFlush:     cfg.LedgerFlushInterval,
		RecordTimeout: cfg.AuditRecordTimeout,
	}, auditOpts...)
	if err := auditService.Start(); err != nil {
		log.Fatal("failed to start audit service", zap.Error(err))
	}
	authAudit := services.NewAuthAuditLogger(auditService)
	reports := services.NewReportService(store, exporter, log)

	// Handlers
	auditHandler := handlers.NewAuditHandler(reports, auditService, cfg.AuditRetentionDays, log)
	var tailHub *handlers.AuditTailHub
	if rdb != nil {
		tailHub = handlers.NewAuditTailHub(cfg, events.NewRedisSubscriber(rdb, log), log)
		if err := tailHub.Start(ctx); err != nil {
			log.Error("failed to start audit tail", zap.Error(err))
			tailHub = nil
		}
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(dto.ErrorResponse{Error: err.Error(), RequestID: middleware.GetRequestID(c)})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, auditService, authAudit, auditHandler, tailHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr), zap.String("store", cfg.AuditStore))
	if err := app.Listen(addr); err != nil {
		log.Error("server error", zap.Error(err))
	}

	cancel()
	if err := auditService.Stop(cfg.ShutdownTimeout); err != nil {
		log.Warn("audit service did not drain cleanly", zap.Error(err))
	}
	log.Info("api stopped")
}
