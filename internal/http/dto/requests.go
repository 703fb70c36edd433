package dto

import (
	"strings"
	"time"

	"github.com/voicecrm/auditcore/internal/models"
	"github.com/voicecrm/auditcore/internal/repositories"
)

// AuditQuery carries the audit log filters, from the query string on reads
// and from the JSON body on export.
type AuditQuery struct {
	From          string `query:"from" json:"from" validate:"omitempty,timestamp"`
	To            string `query:"to" json:"to" validate:"omitempty,timestamp"`
	UserID        string `query:"user_id" json:"user_id" validate:"omitempty,max=64"`
	UserEmail     string `query:"user_email" json:"user_email" validate:"omitempty,email"`
	OperationType string `query:"operation_type" json:"operation_type" validate:"omitempty,operation"`
	TableName     string `query:"table_name" json:"table_name" validate:"omitempty,max=64"`
	RecordID      string `query:"record_id" json:"record_id" validate:"omitempty,max=128"`
	Limit         int    `query:"limit" json:"limit" validate:"omitempty,min=1,max=500"`
	Offset        int    `query:"offset" json:"offset" validate:"omitempty,min=0"`
}

// ToFilter validates q and converts it. A bare date in "to" covers that
// whole day.
func (q AuditQuery) ToFilter() (repositories.AuditFilter, error) {
	if err := ValidateStruct(q); err != nil {
		return repositories.AuditFilter{}, err
	}

	f := repositories.AuditFilter{Limit: q.Limit, Offset: q.Offset}
	if q.From != "" {
		from, _ := parseTime(q.From, false)
		f.From = &from
	}
	if q.To != "" {
		to, _ := parseTime(q.To, true)
		f.To = &to
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return repositories.AuditFilter{}, fieldError("to", "to must not be before from")
	}

	f.UserID = nonEmpty(q.UserID)
	f.UserEmail = nonEmpty(q.UserEmail)
	f.TableName = nonEmpty(q.TableName)
	f.RecordID = nonEmpty(q.RecordID)
	if op, ok := models.ParseOperationType(q.OperationType); ok {
		f.OperationType = &op
	}
	return f, nil
}

type PruneRequest struct {
	Days int `json:"days" validate:"required,min=1,max=3650"`
}

func parseTime(s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
