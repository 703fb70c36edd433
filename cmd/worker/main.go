package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/voicecrm/auditcore/internal/config"
	"github.com/voicecrm/auditcore/internal/db"
	"github.com/voicecrm/auditcore/internal/ledger"
	"github.com/voicecrm/auditcore/internal/metrics"
	"github.com/voicecrm/auditcore/internal/repositories"
	"github.com/voicecrm/auditcore/internal/services"
	"go.uber.org/zap"
)

// The worker owns the scheduled side of the audit trail: the daily
// spreadsheet export and retention pruning of export buckets.
func main() {
	cfg := config.Load()

	log, _ := zap.NewProduction()
	if cfg.IsDevelopment() {
		log, _ = zap.NewDevelopment()
	}
	defer log.Sync()

	cfg.Validate(log)
	if cfg.UsesMemoryStore() {
		log.Fatal("worker requires the postgres audit store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4, MinConns: 1}, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, cfg.MigrationsDir, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	store := repositories.NewAuditRepo(pool)
	if err := ledger.EnsureScaffold(cfg.AuditLogsRoot); err != nil {
		log.Warn("failed to scaffold logs root", zap.Error(err))
	}

	exportOpts := []ledger.Option{ledger.WithSource(store), ledger.WithMetrics(metrics.New())}
	if cfg.ExportS3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			log.Fatal("failed to load aws config", zap.Error(err))
		}
		exportOpts = append(exportOpts, ledger.WithArchiver(ledger.NewS3Archiver(awsCfg, cfg.ExportS3Bucket, log)))
	}
	exporter := ledger.NewExporter(cfg.AuditLogsRoot, ledger.NewLedger(cfg.AuditLogsRoot), log, exportOpts...)
	reports := services.NewReportService(store, exporter, log)

	log.Info("worker started",
		zap.Duration("export_interval", cfg.DailyExportInterval),
		zap.Int("retention_days", cfg.AuditRetentionDays),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Catch up on the day that may have closed while the worker was down,
	// then write today's partial file.
	now := time.Now()
	runExportDay(ctx, reports, now.AddDate(0, 0, -1), log)
	runExportDay(ctx, reports, now, log)
	runPrune(reports, cfg.AuditRetentionDays, log)

	// The refresh ticker keeps today's file current; the day timer closes
	// each day once it is over.
	refreshTicker := time.NewTicker(cfg.DailyExportInterval)
	dayTimer := time.NewTimer(untilDayClose(now))
	defer refreshTicker.Stop()
	defer dayTimer.Stop()

	for {
		select {
		case <-refreshTicker.C:
			runExportDay(ctx, reports, time.Now(), log)
		case <-dayTimer.C:
			now := time.Now()
			runExportDay(ctx, reports, closedDay(now), log)
			runPrune(reports, cfg.AuditRetentionDays, log)
			dayTimer.Reset(untilDayClose(now))
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

// dayCloseDelay gives in-flight audit writes time to land before a finished
// day is exported.
const dayCloseDelay = 5 * time.Minute

// untilDayClose is the wait from now until shortly after the next local
// midnight.
func untilDayClose(now time.Time) time.Duration {
	return ledger.NextDayBoundary(now).Add(dayCloseDelay).Sub(now)
}

// closedDay is the day a day-close run exports: the one before the current
// local day.
func closedDay(now time.Time) time.Time {
	return now.AddDate(0, 0, -1)
}

func runExportDay(ctx context.Context, reports *services.ReportService, day time.Time, log *zap.Logger) {
	res, err := reports.ExportDay(ctx, day)
	if err != nil {
		log.Error("daily export failed", zap.String("date", day.Format(ledger.DayLayout)), zap.Error(err))
		return
	}
	if res == nil {
		return
	}
	log.Info("daily export written",
		zap.String("file", res.FileName),
		zap.Int("records", res.RecordCount),
		zap.String("archive", res.ArchiveURI),
	)
}

func runPrune(reports *services.ReportService, days int, log *zap.Logger) {
	removed, err := reports.Prune(days)
	if err != nil {
		log.Error("export pruning failed", zap.Error(err))
	}
	if removed > 0 {
		log.Info("pruned export buckets", zap.Int("removed", removed), zap.Int("retention_days", days))
	}
}
