package services

import (
	"context"
	"fmt"
	"time"

	"github.com/voicecrm/auditcore/internal/ledger"
	"github.com/voicecrm/auditcore/internal/models"
	"github.com/voicecrm/auditcore/internal/repositories"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ReportService is the read and maintenance side of the audit trail. Unlike
// the writer, its errors go back to the caller.
type ReportService struct {
	store    repositories.AuditStore
	exporter *ledger.Exporter
	log      *zap.Logger
	now      func() time.Time
	group    singleflight.Group
}

func NewReportService(store repositories.AuditStore, exporter *ledger.Exporter, log *zap.Logger) *ReportService {
	return &ReportService{store: store, exporter: exporter, log: log, now: time.Now}
}

type Page struct {
	Items  []models.AuditRecord `json:"items"`
	Total  int                  `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

func (s *ReportService) List(ctx context.Context, f repositories.AuditFilter) (*Page, error) {
	items, err := s.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	total, err := s.store.Count(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("count audit records: %w", err)
	}
	return &Page{Items: items, Total: total, Limit: f.PageLimit(), Offset: max(f.Offset, 0)}, nil
}

func (s *ReportService) Get(ctx context.Context, id int64) (*models.AuditRecord, error) {
	return s.store.GetByID(ctx, id)
}

func (s *ReportService) Summary(ctx context.Context, f repositories.AuditFilter) (*ledger.Summary, error) {
	records, err := s.store.ListAll(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("load audit records: %w", err)
	}
	summary := ledger.Summarize(records, f.Describe(), s.now())
	return &summary, nil
}

// Export writes every record matching f to a new workbook.
func (s *ReportService) Export(ctx context.Context, f repositories.AuditFilter) (*ledger.ExportResult, error) {
	records, err := s.store.ListAll(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("load audit records: %w", err)
	}
	res, err := s.exporter.ExportToSpreadsheet(ctx, records, f.Describe())
	if err != nil {
		return nil, err
	}
	s.log.Info("audit export created", zap.String("file", res.FileName), zap.Int("records", res.RecordCount))
	return res, nil
}

func (s *ReportService) ListExports(date string) ([]ledger.FileInfo, error) {
	return s.exporter.ListExportsForDate(date)
}

func (s *ReportService) ExportPath(date, name string) (string, error) {
	return s.exporter.ResolveExportPath(date, name)
}

func (s *ReportService) Prune(days int) (int, error) {
	return s.exporter.PruneOlderThan(days)
}

// RunDailyExport collapses concurrent triggers (scheduler, admin endpoint)
// into one run.
func (s *ReportService) RunDailyExport(ctx context.Context) (*ledger.ExportResult, error) {
	return s.ExportDay(ctx, s.now())
}

// ExportDay writes the daily workbook for the local day containing day.
// Concurrent calls for the same date share one run.
func (s *ReportService) ExportDay(ctx context.Context, day time.Time) (*ledger.ExportResult, error) {
	key := "daily-export:" + day.Format(ledger.DayLayout)
	v, err, shared := s.group.Do(key, func() (any, error) {
		return s.exporter.ExportDay(ctx, day)
	})
	if shared {
		s.log.Debug("daily export shared with concurrent caller", zap.String("key", key))
	}
	if err != nil {
		return nil, err
	}
	res, _ := v.(*ledger.ExportResult)
	return res, nil
}
