package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voicecrm/auditcore/internal/clientinfo"
	"github.com/voicecrm/auditcore/internal/models"
)

var ErrNotFound = errors.New("audit record not found")

const (
	DefaultLimit = 50
	MaxLimit     = 500
	// MaxExportRows bounds unpaginated reads used for exports and summaries.
	MaxExportRows = 100000
)

// AuditStore is the write-once record store. There is intentionally no
// update or delete.
type AuditStore interface {
	Insert(ctx context.Context, rec *models.AuditRecord) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.AuditRecord, error)
	List(ctx context.Context, f AuditFilter) ([]models.AuditRecord, error)
	Count(ctx context.Context, f AuditFilter) (int, error)
	ListAll(ctx context.Context, f AuditFilter) ([]models.AuditRecord, error)
	RecordsBetween(ctx context.Context, from, to time.Time) ([]models.AuditRecord, error)
}

type AuditFilter struct {
	From          *time.Time // inclusive
	To            *time.Time // exclusive
	UserID        *string
	UserEmail     *string
	OperationType *models.OperationType
	TableName     *string
	RecordID      *string
	Limit         int
	Offset        int
}

func (f AuditFilter) PageLimit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	if f.Limit > MaxLimit {
		return MaxLimit
	}
	return f.Limit
}

// Describe renders the active filters for export summaries.
func (f AuditFilter) Describe() map[string]string {
	out := map[string]string{}
	if f.From != nil {
		out["from"] = f.From.UTC().Format(time.RFC3339)
	}
	if f.To != nil {
		out["to"] = f.To.UTC().Format(time.RFC3339)
	}
	if f.UserID != nil {
		out["user_id"] = *f.UserID
	}
	if f.UserEmail != nil {
		out["user_email"] = *f.UserEmail
	}
	if f.OperationType != nil {
		out["operation_type"] = string(*f.OperationType)
	}
	if f.TableName != nil {
		out["table_name"] = *f.TableName
	}
	if f.RecordID != nil {
		out["record_id"] = *f.RecordID
	}
	return out
}

const auditColumns = `id, user_id, user_email, user_name, operation_type, table_name, record_id,
		       old_values, new_values, changed_fields, ip_address, user_agent,
		       request_method, request_url, request_body, response_status,
		       execution_time_ms, error_message, session_id, transaction_id, created_at`

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// Insert persists rec and fills in the store-assigned id and timestamp.
func (r *AuditRepo) Insert(ctx context.Context, rec *models.AuditRecord) (int64, error) {
	oldValues, err := encodeDocument(rec.OldValues)
	if err != nil {
		return 0, fmt.Errorf("encode old_values: %w", err)
	}
	newValues, err := encodeDocument(rec.NewValues)
	if err != nil {
		return 0, fmt.Errorf("encode new_values: %w", err)
	}
	body, err := encodeDocument(rec.RequestBody)
	if err != nil {
		return 0, fmt.Errorf("encode request_body: %w", err)
	}
	changed := rec.ChangedFields
	if changed == nil {
		changed = []string{}
	}
	changedJSON, err := json.Marshal(changed)
	if err != nil {
		return 0, fmt.Errorf("encode changed_fields: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		INSERT INTO audit_logs (user_id, user_email, user_name, operation_type, table_name, record_id,
		                        old_values, new_values, changed_fields, ip_address, user_agent,
		                        request_method, request_url, request_body, response_status,
		                        execution_time_ms, error_message, session_id, transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id, created_at
	`, rec.UserID, rec.UserEmail, rec.UserName, string(rec.OperationType), rec.TableName, rec.RecordID,
		oldValues, newValues, changedJSON, rec.IPAddress, rec.UserAgent,
		rec.RequestMethod, rec.RequestURL, body, rec.ResponseStatus,
		rec.ExecutionTimeMs, rec.ErrorMessage, rec.SessionID, rec.TransactionID,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert audit record: %w", err)
	}
	return rec.ID, nil
}

func (r *AuditRepo) GetByID(ctx context.Context, id int64) (*models.AuditRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_logs WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *AuditRepo) List(ctx context.Context, f AuditFilter) ([]models.AuditRecord, error) {
	where, args := buildWhere(f)
	argIdx := len(args) + 1
	query := `SELECT ` + auditColumns + ` FROM audit_logs` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, f.PageLimit(), max(f.Offset, 0))
	return r.query(ctx, query, args...)
}

func (r *AuditRepo) Count(ctx context.Context, f AuditFilter) (int, error) {
	where, args := buildWhere(f)
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM audit_logs`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return n, nil
}

// ListAll ignores pagination and returns matching records oldest first,
// capped at MaxExportRows.
func (r *AuditRepo) ListAll(ctx context.Context, f AuditFilter) ([]models.AuditRecord, error) {
	where, args := buildWhere(f)
	query := `SELECT ` + auditColumns + ` FROM audit_logs` + where +
		fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d", len(args)+1)
	args = append(args, MaxExportRows)
	return r.query(ctx, query, args...)
}

func (r *AuditRepo) RecordsBetween(ctx context.Context, from, to time.Time) ([]models.AuditRecord, error) {
	return r.ListAll(ctx, AuditFilter{From: &from, To: &to})
}

func (r *AuditRepo) query(ctx context.Context, query string, args ...any) ([]models.AuditRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	records := []models.AuditRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// buildWhere returns a leading " WHERE ..." clause (or "") and its arguments.
func buildWhere(f AuditFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if f.UserEmail != nil {
		add("lower(user_email) = lower($%d)", *f.UserEmail)
	}
	if f.OperationType != nil {
		add("operation_type = $%d", string(*f.OperationType))
	}
	if f.TableName != nil {
		add("table_name = $%d", *f.TableName)
	}
	if f.RecordID != nil {
		add("record_id = $%d", *f.RecordID)
	}

	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func scanRecord(row pgx.Row) (*models.AuditRecord, error) {
	var (
		rec                             models.AuditRecord
		op                              string
		oldRaw, newRaw, bodyRaw, chgRaw []byte
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.UserEmail, &rec.UserName, &op, &rec.TableName, &rec.RecordID,
		&oldRaw, &newRaw, &chgRaw, &rec.IPAddress, &rec.UserAgent,
		&rec.RequestMethod, &rec.RequestURL, &bodyRaw, &rec.ResponseStatus,
		&rec.ExecutionTimeMs, &rec.ErrorMessage, &rec.SessionID, &rec.TransactionID, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.OperationType = models.OperationType(op)

	var err error
	if rec.OldValues, err = decodeDocument(oldRaw); err != nil {
		return nil, fmt.Errorf("decode old_values of record %d: %w", rec.ID, err)
	}
	if rec.NewValues, err = decodeDocument(newRaw); err != nil {
		return nil, fmt.Errorf("decode new_values of record %d: %w", rec.ID, err)
	}
	if rec.RequestBody, err = decodeDocument(bodyRaw); err != nil {
		return nil, fmt.Errorf("decode request_body of record %d: %w", rec.ID, err)
	}
	rec.ChangedFields = []string{}
	if len(chgRaw) > 0 {
		if err := json.Unmarshal(chgRaw, &rec.ChangedFields); err != nil {
			return nil, fmt.Errorf("decode changed_fields of record %d: %w", rec.ID, err)
		}
	}

	info := clientinfo.ResolveBrowserInfo(rec.UserAgent)
	rec.Browser, rec.Engine = info.Browser, info.Engine
	return &rec, nil
}

func encodeDocument(d *models.Document) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

func decodeDocument(raw []byte) (*models.Document, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return models.ParseDocument(raw)
}
