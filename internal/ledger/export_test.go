package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voicecrm/auditcore/internal/models"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, 10, 19, 15, 4, 5, 123*int(time.Millisecond), time.Local)

type sourceFunc func(ctx context.Context, from, to time.Time) ([]models.AuditRecord, error)

func (f sourceFunc) RecordsBetween(ctx context.Context, from, to time.Time) ([]models.AuditRecord, error) {
	return f(ctx, from, to)
}

func newTestExporter(t *testing.T, opts ...Option) (*Exporter, string) {
	t.Helper()
	root := t.TempDir()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewExporter(root, NewLedger(root), zap.NewNop(), opts...), root
}

func exportRecords() []models.AuditRecord {
	before, _ := models.ParseDocument([]byte(`{"name":"old","phone":"1"}`))
	after, _ := models.ParseDocument([]byte(`{"name":"new","phone":"1"}`))
	login := sampleRecord(models.OpLogin, "u@x.io", 200)
	update := sampleRecord(models.OpUpdate, "admin@x.io", 200)
	update.ID = 2
	update.TableName = "contacts"
	update.RecordID = "17"
	update.OldValues = before
	update.NewValues = after
	update.ChangedFields = []string{"name"}
	return []models.AuditRecord{login, update}
}

func TestExportToSpreadsheet(t *testing.T) {
	e, root := newTestExporter(t)

	res, err := e.ExportToSpreadsheet(context.Background(), exportRecords(), map[string]string{"table_name": "contacts"})
	require.NoError(t, err)

	assert.Equal(t, "audit_logs_20261019_150405_123.xlsx", res.FileName)
	assert.Equal(t, "2026-10-19", res.Date)
	assert.Equal(t, 2, res.RecordCount)
	assert.Equal(t, filepath.Join(root, "2026-10-19", res.FileName), res.FilePath)

	wb, err := excelize.OpenFile(res.FilePath)
	require.NoError(t, err)
	defer wb.Close()

	assert.Equal(t, []string{DetailSheet, SummarySheet}, wb.GetSheetList())

	rows, err := wb.GetRows(DetailSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Operation", rows[0][2])
	assert.Equal(t, "UPDATE", rows[2][2])
	assert.Equal(t, `["name"]`, rows[2][8])
	assert.Equal(t, `{"name":"old","phone":"1"}`, rows[2][9])

	total, err := wb.GetCellValue(SummarySheet, "B3")
	require.NoError(t, err)
	assert.Equal(t, "2", total)

	ledger, err := os.ReadFile(filepath.Join(root, LedgerFileName))
	require.NoError(t, err)
	assert.Contains(t, string(ledger), "UPDATE on contacts by admin@x.io (17) - Status: 200")
}

func TestExportNamesDoNotCollide(t *testing.T) {
	e, _ := newTestExporter(t)
	first, err := e.ExportToSpreadsheet(context.Background(), exportRecords(), nil)
	require.NoError(t, err)
	second, err := e.ExportToSpreadsheet(context.Background(), exportRecords(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.FileName, second.FileName)
	assert.Equal(t, "audit_logs_20261019_150405_123_2.xlsx", second.FileName)
}

func TestExportWithNoRecords(t *testing.T) {
	e, root := newTestExporter(t)

	_, err := e.ExportToSpreadsheet(context.Background(), nil, nil)
	require.ErrorIs(t, err, ErrNoRecords)
	assert.NoDirExists(t, filepath.Join(root, "2026-10-19"))
}

func TestRunDailyExportSkipsEmptyDay(t *testing.T) {
	var gotFrom, gotTo time.Time
	src := sourceFunc(func(_ context.Context, from, to time.Time) ([]models.AuditRecord, error) {
		gotFrom, gotTo = from, to
		return nil, nil
	})
	e, root := newTestExporter(t, WithSource(src))

	res, err := e.RunDailyExport(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.NoDirExists(t, filepath.Join(root, "2026-10-19"))

	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.Local), gotFrom)
	assert.Equal(t, 24*time.Hour, gotTo.Sub(gotFrom))
}

func TestRunDailyExportReplacesDayFile(t *testing.T) {
	src := sourceFunc(func(context.Context, time.Time, time.Time) ([]models.AuditRecord, error) {
		return exportRecords(), nil
	})
	e, root := newTestExporter(t, WithSource(src))

	first, err := e.RunDailyExport(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "audit_logs_2026-10-19.xlsx", first.FileName)

	_, err = e.RunDailyExport(context.Background())
	require.NoError(t, err)

	files, err := e.ListExportsForDate("2026-10-19")
	require.NoError(t, err)
	assert.Len(t, files, 1)
	assert.FileExists(t, filepath.Join(root, "2026-10-19", first.FileName))
}

func TestExportDayClosesPreviousDay(t *testing.T) {
	var gotFrom, gotTo time.Time
	src := sourceFunc(func(_ context.Context, from, to time.Time) ([]models.AuditRecord, error) {
		gotFrom, gotTo = from, to
		return exportRecords(), nil
	})
	e, root := newTestExporter(t, WithSource(src))

	res, err := e.ExportDay(context.Background(), fixedNow.AddDate(0, 0, -1))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, time.Date(2026, 10, 18, 0, 0, 0, 0, time.Local), gotFrom)
	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.Local), gotTo)
	assert.Equal(t, "2026-10-18", res.Date)
	assert.Equal(t, "audit_logs_2026-10-18.xlsx", res.FileName)
	assert.FileExists(t, filepath.Join(root, "2026-10-18", res.FileName))
	assert.NoDirExists(t, filepath.Join(root, "2026-10-19"))
}

func TestDailyExportAcrossMidnightStaysInItsBucket(t *testing.T) {
	ticks := []time.Time{
		time.Date(2026, 10, 18, 23, 59, 59, 900*int(time.Millisecond), time.Local),
		time.Date(2026, 10, 19, 0, 0, 1, 0, time.Local),
	}
	var calls int
	clock := func() time.Time {
		now := ticks[min(calls, len(ticks)-1)]
		calls++
		return now
	}
	src := sourceFunc(func(context.Context, time.Time, time.Time) ([]models.AuditRecord, error) {
		return exportRecords(), nil
	})
	root := t.TempDir()
	e := NewExporter(root, NewLedger(root), zap.NewNop(), WithSource(src), WithClock(clock))

	res, err := e.RunDailyExport(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "2026-10-18", res.Date)
	assert.FileExists(t, filepath.Join(root, "2026-10-18", "audit_logs_2026-10-18.xlsx"))
	assert.NoDirExists(t, filepath.Join(root, "2026-10-19"))
}

func TestNextDayBoundary(t *testing.T) {
	assert.Equal(t, time.Date(2026, 10, 20, 0, 0, 0, 0, time.Local), NextDayBoundary(fixedNow))
	midnight := time.Date(2026, 10, 19, 0, 0, 0, 0, time.Local)
	assert.Equal(t, midnight.AddDate(0, 0, 1), NextDayBoundary(midnight))
}

func TestRunDailyExportSourceError(t *testing.T) {
	boom := errors.New("db down")
	src := sourceFunc(func(context.Context, time.Time, time.Time) ([]models.AuditRecord, error) {
		return nil, boom
	})
	e, _ := newTestExporter(t, WithSource(src))

	_, err := e.RunDailyExport(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestListExportsForDate(t *testing.T) {
	e, root := newTestExporter(t)

	files, err := e.ListExportsForDate("2026-10-18")
	require.NoError(t, err)
	assert.Empty(t, files)

	_, err = e.ExportToSpreadsheet(context.Background(), exportRecords(), nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "2026-10-19", "notes.txt"), []byte("x"), 0o644))

	files, err = e.ListExportsForDate("2026-10-19")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "audit_logs_20261019_150405_123.xlsx", files[0].Name)
	assert.Positive(t, files[0].Size)

	_, err = e.ListExportsForDate("19-10-2026")
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestResolveExportPath(t *testing.T) {
	e, _ := newTestExporter(t)
	res, err := e.ExportToSpreadsheet(context.Background(), exportRecords(), nil)
	require.NoError(t, err)

	path, err := e.ResolveExportPath("2026-10-19", res.FileName)
	require.NoError(t, err)
	assert.Equal(t, res.FilePath, path)

	_, err = e.ResolveExportPath("2026-10-19", "../combined.txt")
	assert.ErrorIs(t, err, ErrInvalidFileName)
	_, err = e.ResolveExportPath("2026-10-19", "audit_logs_../../x.xlsx")
	assert.ErrorIs(t, err, ErrInvalidFileName)
	_, err = e.ResolveExportPath("..", res.FileName)
	assert.ErrorIs(t, err, ErrInvalidDate)
	_, err = e.ResolveExportPath("2026-10-19", "audit_logs_missing.xlsx")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(fmt.Errorf("list: %w", ErrInvalidDate)))
	assert.True(t, IsClientError(ErrInvalidFileName))
	assert.True(t, IsClientError(ErrNoRecords))
	assert.False(t, IsClientError(os.ErrNotExist))
	assert.False(t, IsClientError(nil))
}

func TestPruneOlderThan(t *testing.T) {
	e, root := newTestExporter(t)

	mk := func(name string) string {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(p, 0o755))
		return p
	}
	today := mk(fixedNow.Format(DayLayout))
	recent := mk(fixedNow.AddDate(0, 0, -10).Format(DayLayout))
	old := mk(fixedNow.AddDate(0, 0, -40).Format(DayLayout))
	other := mk("archive")
	require.NoError(t, os.WriteFile(filepath.Join(root, LedgerFileName), []byte("x"), 0o644))

	removed, err := e.PruneOlderThan(30)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.DirExists(t, today)
	assert.DirExists(t, recent)
	assert.NoDirExists(t, old)
	assert.DirExists(t, other)
	assert.FileExists(t, filepath.Join(root, LedgerFileName))

	_, err = e.PruneOlderThan(-1)
	assert.Error(t, err)
}

func TestPruneMissingRoot(t *testing.T) {
	e := NewExporter(filepath.Join(t.TempDir(), "absent"), nil, zap.NewNop())
	removed, err := e.PruneOlderThan(30)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	if in.Body != nil {
		f.body, _ = io.ReadAll(in.Body)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestExportArchivesToS3(t *testing.T) {
	putter := &fakePutter{}
	e, _ := newTestExporter(t, WithArchiver(newS3Archiver(putter, "audit-bucket", zap.NewNop())))

	res, err := e.ExportToSpreadsheet(context.Background(), exportRecords(), nil)
	require.NoError(t, err)

	assert.Equal(t, "s3://audit-bucket/audit-exports/2026-10-19/"+res.FileName, res.ArchiveURI)
	require.NotNil(t, putter.input)
	assert.Equal(t, "audit-exports/2026-10-19/"+res.FileName, *putter.input.Key)
	assert.Equal(t, xlsxContentType, *putter.input.ContentType)
	assert.NotEmpty(t, putter.body)
}

func TestArchiveFailureIsReported(t *testing.T) {
	putter := &fakePutter{err: errors.New("access denied")}
	e, _ := newTestExporter(t, WithArchiver(newS3Archiver(putter, "audit-bucket", zap.NewNop())))

	res, err := e.ExportToSpreadsheet(context.Background(), exportRecords(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.ArchiveURI)
	assert.Contains(t, res.ArchiveError, "access denied")
	assert.FileExists(t, res.FilePath)
}

func TestSummarize(t *testing.T) {
	recs := exportRecords()
	failed := 500
	recs = append(recs, sampleRecord(models.OpLogin, "z@x.io", failed))

	s := Summarize(recs, nil, fixedNow)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, []Count{{"LOGIN", 2}, {"UPDATE", 1}}, s.ByOperation)
	assert.Equal(t, []Count{{"auth_sessions", 2}, {"contacts", 1}}, s.ByTable)
	assert.NotNil(t, s.Filters)
}

func TestJSONCellFallsBack(t *testing.T) {
	assert.Equal(t, "", jsonCell(nil))
	assert.Equal(t, "", jsonCell((*models.Document)(nil)))
	assert.Equal(t, `["a"]`, jsonCell([]string{"a"}))

	ch := make(chan int)
	assert.NotEmpty(t, jsonCell(ch))
}
