package ledger

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/voicecrm/auditcore/internal/models"
)

// Ledger is the append-only text rendition of the audit trail.
type Ledger struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewLedger(root string) *Ledger {
	return &Ledger{path: filepath.Join(root, LedgerFileName), now: time.Now}
}

func (l *Ledger) Path() string { return l.path }

// Append writes one line per record. The batch goes out in a single write on
// an O_APPEND descriptor while holding the ledger lock, so batches never
// interleave. The header block is written when the file is empty.
func (l *Ledger) Append(records []models.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	var lines bytes.Buffer
	for i := range records {
		lines.WriteString(FormatLine(&records[i]))
		lines.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ensureDir(filepath.Dir(l.path)); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger: %w", err)
	}

	payload := lines.Bytes()
	if info.Size() == 0 {
		payload = append([]byte(l.header()), payload...)
	}
	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

func (l *Ledger) header() string {
	return "# Audit Log Ledger\n" +
		"# Created: " + l.now().UTC().Format(time.RFC3339) + "\n" +
		"# Format: [timestamp] OPERATION on table by user (record id) - Status: status\n" +
		"# ------------------------------------------------------------------\n"
}

// FormatLine renders the one-line ledger form of a record.
func FormatLine(r *models.AuditRecord) string {
	actor := r.Email()
	if actor == "" {
		actor = "System"
	}
	status := "N/A"
	if r.ResponseStatus != nil {
		status = strconv.Itoa(*r.ResponseStatus)
	}
	return fmt.Sprintf("[%s] %s on %s by %s (%s) - Status: %s",
		r.CreatedAt.UTC().Format(time.RFC3339), lineField(string(r.OperationType)),
		lineField(r.TableName), lineField(actor), lineField(r.RecordID), status)
}

// lineField escapes control characters so a value can never break or forge a
// ledger line.
func lineField(s string) string {
	if strings.IndexFunc(s, unicode.IsControl) < 0 {
		return s
	}
	q := strconv.Quote(s)
	return q[1 : len(q)-1]
}
