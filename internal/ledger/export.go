package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/voicecrm/auditcore/internal/metrics"
	"github.com/voicecrm/auditcore/internal/models"
	"go.uber.org/zap"
)

// RecordSource supplies the records of a time window, oldest first.
type RecordSource interface {
	RecordsBetween(ctx context.Context, from, to time.Time) ([]models.AuditRecord, error)
}

type FileInfo struct {
	Name       string    `json:"name"`
	Date       string    `json:"date"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

type ExportResult struct {
	FileName     string `json:"file_name"`
	FilePath     string `json:"-"`
	Date         string `json:"date"`
	RecordCount  int    `json:"record_count"`
	Size         int64  `json:"size"`
	ArchiveURI   string `json:"archive_uri,omitempty"`
	ArchiveError string `json:"archive_error,omitempty"`
}

type Exporter struct {
	root     string
	ledger   *Ledger
	source   RecordSource
	archiver Archiver
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time

	// serializes final file naming
	mu sync.Mutex
}

type Option func(*Exporter)

func WithSource(s RecordSource) Option { return func(e *Exporter) { e.source = s } }

func WithArchiver(a Archiver) Option { return func(e *Exporter) { e.archiver = a } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Exporter) { e.metrics = m } }

func WithClock(now func() time.Time) Option { return func(e *Exporter) { e.now = now } }

func NewExporter(root string, l *Ledger, log *zap.Logger, opts ...Option) *Exporter {
	e := &Exporter{root: root, ledger: l, log: log, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Exporter) Root() string { return e.root }

// ExportToSpreadsheet writes records to a new workbook in today's bucket and
// appends the same batch to the ledger.
func (e *Exporter) ExportToSpreadsheet(ctx context.Context, records []models.AuditRecord, filters map[string]string) (*ExportResult, error) {
	now := e.now()
	suffix := fmt.Sprintf("%s_%03d", now.Format("20060102_150405"), now.Nanosecond()/int(time.Millisecond))
	return e.export(ctx, records, filters, now.Format(DayLayout), suffix, false)
}

// RunDailyExport exports everything recorded since local midnight. With
// nothing recorded it writes no file and returns nil, nil. A rerun on the
// same day replaces that day's file.
func (e *Exporter) RunDailyExport(ctx context.Context) (*ExportResult, error) {
	return e.ExportDay(ctx, e.now())
}

// ExportDay exports the local calendar day containing day into that day's
// bucket as audit_logs_<YYYY-MM-DD>.xlsx, replacing an earlier run.
func (e *Exporter) ExportDay(ctx context.Context, day time.Time) (*ExportResult, error) {
	if e.source == nil {
		return nil, errors.New("daily export: no record source configured")
	}
	from := startOfDay(day.In(e.now().Location()))
	to := from.AddDate(0, 0, 1)
	date := from.Format(DayLayout)

	records, err := e.source.RecordsBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("daily export: load records: %w", err)
	}
	if len(records) == 0 {
		e.log.Info("no audit records for day, daily export skipped", zap.String("date", date))
		return nil, nil
	}
	return e.export(ctx, records, map[string]string{"date": date, "type": "daily"}, date, date, true)
}

func (e *Exporter) export(ctx context.Context, records []models.AuditRecord, filters map[string]string, day, suffix string, replace bool) (*ExportResult, error) {
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	started := e.now()
	dir := filepath.Join(e.root, day)
	if err := ensureDir(dir); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(dir, ".export-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp export: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	summary := Summarize(records, filters, started)
	werr := writeWorkbook(tmp, records, summary)
	cerr := tmp.Close()
	if werr != nil {
		return nil, werr
	}
	if cerr != nil {
		return nil, fmt.Errorf("close temp export: %w", cerr)
	}

	name, path, err := e.place(tmpPath, dir, suffix, replace)
	if err != nil {
		return nil, err
	}

	result := &ExportResult{FileName: name, FilePath: path, Date: day, RecordCount: len(records)}
	if info, err := os.Stat(path); err == nil {
		result.Size = info.Size()
	}

	if e.ledger != nil {
		if err := e.ledger.Append(records); err != nil {
			e.metrics.IncLedgerFailures()
			e.log.Warn("failed to append exported batch to ledger", zap.Error(err))
		} else {
			e.metrics.AddLedgerLines(len(records))
		}
	}

	if e.archiver != nil {
		uri, err := e.archiver.Archive(ctx, path, day, name)
		if err != nil {
			result.ArchiveError = err.Error()
			e.log.Warn("failed to archive export", zap.String("file", name), zap.Error(err))
		} else {
			result.ArchiveURI = uri
		}
	}

	e.metrics.ObserveExport(e.now().Sub(started).Seconds())
	e.log.Info("audit export written",
		zap.String("file", path),
		zap.Int("records", len(records)),
	)
	return result, nil
}

// place renames the finished temp file to its final name. Unless replace is
// set, a numeric suffix avoids clobbering an existing export.
func (e *Exporter) place(tmpPath, dir, suffix string, replace bool) (string, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := ExportPrefix + suffix + ExportExt
	if !replace {
		for i := 2; ; i++ {
			if _, err := os.Stat(filepath.Join(dir, name)); errors.Is(err, os.ErrNotExist) {
				break
			}
			name = fmt.Sprintf("%s%s_%d%s", ExportPrefix, suffix, i, ExportExt)
		}
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, path); err != nil {
		return "", "", fmt.Errorf("finalize export: %w", err)
	}
	return name, path, nil
}

// ListExportsForDate lists the workbooks in a day bucket by name. A missing
// bucket yields an empty list.
func (e *Exporter) ListExportsForDate(date string) ([]FileInfo, error) {
	if _, err := ParseDay(date, time.Local); err != nil {
		return nil, err
	}
	dir := filepath.Join(e.root, date)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []FileInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read export bucket %s: %w", date, err)
	}

	files := []FileInfo{}
	for _, entry := range entries {
		if entry.IsDir() || !validExportName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:       entry.Name(),
			Date:       date,
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// ResolveExportPath maps a bucket and file name to a path inside root,
// rejecting anything that could escape it.
func (e *Exporter) ResolveExportPath(date, name string) (string, error) {
	if _, err := ParseDay(date, time.Local); err != nil {
		return "", err
	}
	if !validExportName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	path := filepath.Join(e.root, date, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("export %s/%s: %w", date, name, err)
	}
	return path, nil
}

// PruneOlderThan removes day buckets dated before today minus days. Entries
// that are not YYYY-MM-DD directories are left alone.
func (e *Exporter) PruneOlderThan(days int) (int, error) {
	if days < 0 {
		return 0, fmt.Errorf("prune: negative retention %d", days)
	}
	now := e.now()
	cutoff := startOfDay(now).AddDate(0, 0, -days)

	entries, err := os.ReadDir(e.root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read logs root: %w", err)
	}

	var (
		removed int
		errs    []error
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		day, err := ParseDay(entry.Name(), now.Location())
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(e.root, entry.Name())); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", entry.Name(), err))
			continue
		}
		removed++
		e.log.Info("pruned export bucket", zap.String("date", entry.Name()))
	}
	e.metrics.AddPruned(removed)
	return removed, errors.Join(errs...)
}

// IsClientError reports whether err stems from bad caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidDate) || errors.Is(err, ErrInvalidFileName) || errors.Is(err, ErrNoRecords)
}
