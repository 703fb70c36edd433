package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	LedgerFileName = "combined.txt"
	DayLayout      = "2006-01-02"
	ExportPrefix   = "audit_logs_"
	ExportExt      = ".xlsx"
)

var (
	ErrNoRecords       = errors.New("no audit records to export")
	ErrInvalidDate     = errors.New("invalid export date")
	ErrInvalidFileName = errors.New("invalid export file name")
)

var dayDirPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ensureDir creates dir if missing. Concurrent callers racing on the same
// directory all succeed.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// ParseDay validates a YYYY-MM-DD bucket name.
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	if !dayDirPattern.MatchString(s) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	d, err := time.ParseInLocation(DayLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return d, nil
}

func validExportName(name string) bool {
	return name == filepath.Base(name) &&
		!strings.ContainsAny(name, `/\`) &&
		strings.HasPrefix(name, ExportPrefix) &&
		strings.HasSuffix(name, ExportExt) &&
		len(name) > len(ExportPrefix)+len(ExportExt)
}

// NextDayBoundary returns the next local midnight after t.
func NextDayBoundary(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

const readmeBody = `# Audit logs

This directory is managed by the audit service.

- combined.txt: append-only text ledger, one line per audit record:
  [<timestamp>] <OPERATION> on <table> by <email|System> (<record id>) - Status: <status|N/A>
- YYYY-MM-DD/: spreadsheet exports generated on that day (audit_logs_<suffix>.xlsx).
  Day directories older than the configured retention are pruned automatically.

Do not edit files here by hand.
`

// EnsureScaffold creates root with a README and a .gitkeep. Existing files
// are left untouched.
func EnsureScaffold(root string) error {
	if err := ensureDir(root); err != nil {
		return err
	}
	files := map[string]string{
		"README.md": readmeBody,
		".gitkeep":  "",
	}
	for name, body := range files {
		path := filepath.Join(root, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		_, werr := f.WriteString(body)
		cerr := f.Close()
		if werr != nil {
			return fmt.Errorf("write %s: %w", path, werr)
		}
		if cerr != nil {
			return fmt.Errorf("close %s: %w", path, cerr)
		}
	}
	return nil
}
