package repositories

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/voicecrm/auditcore/internal/models"
)

// MemoryAuditRepo is an in-process AuditStore for local runs and tests.
// Records are lost on restart.
type MemoryAuditRepo struct {
	mu      sync.RWMutex
	records []models.AuditRecord
	nextID  int64
	now     func() time.Time
}

func NewMemoryAuditRepo() *MemoryAuditRepo {
	return &MemoryAuditRepo{nextID: 1, now: time.Now}
}

// WithClock overrides the creation timestamp source.
func (r *MemoryAuditRepo) WithClock(now func() time.Time) *MemoryAuditRepo {
	r.now = now
	return r
}

func (r *MemoryAuditRepo) Insert(_ context.Context, rec *models.AuditRecord) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec.ID = r.nextID
	r.nextID++
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}
	if rec.ChangedFields == nil {
		rec.ChangedFields = []string{}
	}
	r.records = append(r.records, *rec)
	return rec.ID, nil
}

func (r *MemoryAuditRepo) GetByID(_ context.Context, id int64) (*models.AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.records {
		if r.records[i].ID == id {
			rec := r.records[i]
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryAuditRepo) List(_ context.Context, f AuditFilter) ([]models.AuditRecord, error) {
	matched := r.match(f)
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	offset := max(f.Offset, 0)
	if offset >= len(matched) {
		return []models.AuditRecord{}, nil
	}
	end := min(offset+f.PageLimit(), len(matched))
	return matched[offset:end], nil
}

func (r *MemoryAuditRepo) Count(_ context.Context, f AuditFilter) (int, error) {
	return len(r.match(f)), nil
}

func (r *MemoryAuditRepo) ListAll(_ context.Context, f AuditFilter) ([]models.AuditRecord, error) {
	matched := r.match(f)
	if len(matched) > MaxExportRows {
		matched = matched[:MaxExportRows]
	}
	return matched, nil
}

func (r *MemoryAuditRepo) RecordsBetween(ctx context.Context, from, to time.Time) ([]models.AuditRecord, error) {
	return r.ListAll(ctx, AuditFilter{From: &from, To: &to})
}

// match returns copies of matching records in insertion order.
func (r *MemoryAuditRepo) match(f AuditFilter) []models.AuditRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []models.AuditRecord{}
	for _, rec := range r.records {
		if f.From != nil && rec.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !rec.CreatedAt.Before(*f.To) {
			continue
		}
		if f.UserID != nil && (rec.UserID == nil || *rec.UserID != *f.UserID) {
			continue
		}
		if f.UserEmail != nil && !strings.EqualFold(rec.Email(), *f.UserEmail) {
			continue
		}
		if f.OperationType != nil && rec.OperationType != *f.OperationType {
			continue
		}
		if f.TableName != nil && rec.TableName != *f.TableName {
			continue
		}
		if f.RecordID != nil && rec.RecordID != *f.RecordID {
			continue
		}
		out = append(out, rec)
	}
	return out
}
