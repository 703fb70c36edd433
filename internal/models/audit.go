package models

import (
	"strings"
	"time"
)

type OperationType string

const (
	OpCreate              OperationType = "CREATE"
	OpRead                OperationType = "READ"
	OpUpdate              OperationType = "UPDATE"
	OpDelete              OperationType = "DELETE"
	OpLogin               OperationType = "LOGIN"
	OpLogout              OperationType = "LOGOUT"
	OpRegister            OperationType = "REGISTER"
	OpVerifyOTP           OperationType = "VERIFY_OTP"
	OpResendOTP           OperationType = "RESEND_OTP"
	OpPasswordChange      OperationType = "PASSWORD_CHANGE"
	OpPasswordReset       OperationType = "PASSWORD_RESET"
	OpAccountActivation   OperationType = "ACCOUNT_ACTIVATION"
	OpAccountDeactivation OperationType = "ACCOUNT_DEACTIVATION"
	OpSessionExpired      OperationType = "SESSION_EXPIRED"
)

var operationTypes = []OperationType{
	OpCreate, OpRead, OpUpdate, OpDelete,
	OpLogin, OpLogout, OpRegister, OpVerifyOTP, OpResendOTP,
	OpPasswordChange, OpPasswordReset,
	OpAccountActivation, OpAccountDeactivation, OpSessionExpired,
}

// OperationTypes lists every supported kind in declaration order.
func OperationTypes() []OperationType {
	return append([]OperationType(nil), operationTypes...)
}

func (o OperationType) Valid() bool {
	for _, op := range operationTypes {
		if op == o {
			return true
		}
	}
	return false
}

// ParseOperationType accepts any letter case.
func ParseOperationType(s string) (OperationType, bool) {
	op := OperationType(strings.ToUpper(strings.TrimSpace(s)))
	return op, op.Valid()
}

const (
	// AuthSessionsTable is the entity collection shared by all authentication events.
	AuthSessionsTable = "auth_sessions"
	UnknownTable      = "unknown"
	UnknownRecordID   = "N/A"
)

// AuditRecord is one immutable row of the audit trail.
type AuditRecord struct {
	ID              int64         `json:"id"`
	UserID          *string       `json:"user_id,omitempty"`
	UserEmail       *string       `json:"user_email,omitempty"`
	UserName        *string       `json:"user_name,omitempty"`
	OperationType   OperationType `json:"operation_type"`
	TableName       string        `json:"table_name"`
	RecordID        string        `json:"record_id"`
	OldValues       *Document     `json:"old_values,omitempty"`
	NewValues       *Document     `json:"new_values,omitempty"`
	ChangedFields   []string      `json:"changed_fields"`
	IPAddress       string        `json:"ip_address"`
	UserAgent       string        `json:"user_agent"`
	Browser         string        `json:"browser"`
	Engine          string        `json:"engine"`
	RequestMethod   string        `json:"request_method,omitempty"`
	RequestURL      string        `json:"request_url,omitempty"`
	RequestBody     *Document     `json:"request_body,omitempty"`
	ResponseStatus  *int          `json:"response_status,omitempty"`
	ExecutionTimeMs *int64        `json:"execution_time_ms,omitempty"`
	ErrorMessage    *string       `json:"error_message,omitempty"`
	SessionID       string        `json:"session_id"`
	TransactionID   string        `json:"transaction_id"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Email returns the actor email or an empty string for system actions.
func (r *AuditRecord) Email() string {
	if r.UserEmail == nil {
		return ""
	}
	return *r.UserEmail
}

// Failed reports whether the audited operation ended with an error or a
// non-2xx status.
func (r *AuditRecord) Failed() bool {
	if r.ErrorMessage != nil && *r.ErrorMessage != "" {
		return true
	}
	return r.ResponseStatus != nil && (*r.ResponseStatus < 200 || *r.ResponseStatus >= 300)
}
