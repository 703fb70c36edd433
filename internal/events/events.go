package events

import (
	"context"
	"time"

	"github.com/voicecrm/auditcore/internal/clientinfo"
	"github.com/voicecrm/auditcore/internal/models"
)

const (
	EventAuditRecorded = "audit_recorded"

	// StreamAudit carries one event per persisted audit record.
	StreamAudit = "events:audit"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}

// AuditRecorded builds the live-tail event for a persisted record. Snapshots
// and request bodies stay out of the event; subscribers fetch the full record
// by id when they need it.
func AuditRecorded(rec *models.AuditRecord) Event {
	payload := map[string]any{
		"id":             rec.ID,
		"operation_type": string(rec.OperationType),
		"table_name":     rec.TableName,
		"record_id":      rec.RecordID,
		"user_email":     rec.Email(),
		"changed_fields": rec.ChangedFields,
		"ip_address":     rec.IPAddress,
		"browser":        rec.Browser,
		"device":         clientinfo.ParseDevice(rec.UserAgent),
		"failed":         rec.Failed(),
		"created_at":     rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.ResponseStatus != nil {
		payload["response_status"] = *rec.ResponseStatus
	}
	return Event{Type: EventAuditRecorded, Payload: payload}
}
