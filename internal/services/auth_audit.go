package services

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/voicecrm/auditcore/internal/models"
)

// AuditSubmitter is the fire-and-forget side of AuditService.
type AuditSubmitter interface {
	Submit(in AuditInput)
}

// AuthAuditLogger records authentication lifecycle events. All events go to
// the auth_sessions collection and are keyed by user id, falling back to the
// email when no id exists yet.
type AuthAuditLogger struct {
	audit AuditSubmitter
}

func NewAuthAuditLogger(audit AuditSubmitter) *AuthAuditLogger {
	return &AuthAuditLogger{audit: audit}
}

func (l *AuthAuditLogger) Login(actor Actor, hc *HTTPContext) {
	l.log(models.OpLogin, actor, hc, nil, session(true), http.StatusOK, nil)
}

func (l *AuthAuditLogger) LoginFailed(email string, hc *HTTPContext, reason error) {
	l.log(models.OpLogin, Actor{Email: email}, hc, nil, nil, http.StatusUnauthorized, reason)
}

func (l *AuthAuditLogger) Logout(actor Actor, hc *HTTPContext) {
	l.log(models.OpLogout, actor, hc, session(true), session(false), http.StatusOK, nil)
}

func (l *AuthAuditLogger) Register(actor Actor, hc *HTTPContext, err error) {
	after := models.NewDocument().Set("email", actor.Email).Set("name", actor.Name).Set("is_active", false)
	l.log(models.OpRegister, actor, hc, nil, after, http.StatusCreated, err)
}

func (l *AuthAuditLogger) VerifyOTP(actor Actor, hc *HTTPContext, err error) {
	l.log(models.OpVerifyOTP, actor, hc, nil, models.NewDocument().Set("otp_verified", err == nil), http.StatusOK, err)
}

func (l *AuthAuditLogger) ResendOTP(actor Actor, hc *HTTPContext, err error) {
	l.log(models.OpResendOTP, actor, hc, nil, nil, http.StatusOK, err)
}

func (l *AuthAuditLogger) PasswordChange(actor Actor, hc *HTTPContext, err error) {
	l.log(models.OpPasswordChange, actor, hc, nil, models.NewDocument().Set("password_changed", err == nil), http.StatusOK, err)
}

func (l *AuthAuditLogger) PasswordReset(email string, hc *HTTPContext, err error) {
	l.log(models.OpPasswordReset, Actor{Email: email}, hc, nil, models.NewDocument().Set("password_reset", err == nil), http.StatusOK, err)
}

func (l *AuthAuditLogger) AccountActivation(actor Actor, hc *HTTPContext, err error) {
	l.log(models.OpAccountActivation, actor, hc, active(false), active(true), http.StatusOK, err)
}

func (l *AuthAuditLogger) AccountDeactivation(actor Actor, hc *HTTPContext, err error) {
	l.log(models.OpAccountDeactivation, actor, hc, active(true), active(false), http.StatusOK, err)
}

func (l *AuthAuditLogger) SessionExpired(actor Actor, hc *HTTPContext) {
	l.submit(models.OpSessionExpired, actor, hc, session(true), session(false), Outcome{
		Status:       http.StatusUnauthorized,
		ErrorMessage: sessionExpiredMessage,
	})
}

// log submits one event. A non-nil err marks the attempt as failed: after is
// dropped and a success status becomes 400.
func (l *AuthAuditLogger) log(op models.OperationType, actor Actor, hc *HTTPContext, before, after *models.Document, status int, err error) {
	outcome := Outcome{Status: status}
	if err != nil {
		after = nil
		if status < 300 {
			outcome.Status = http.StatusBadRequest
		}
		outcome.ErrorMessage = err.Error()
	}
	l.submit(op, actor, hc, before, after, outcome)
}

// submit fills in a failure message for non-2xx outcomes that lack one.
func (l *AuthAuditLogger) submit(op models.OperationType, actor Actor, hc *HTTPContext, before, after *models.Document, outcome Outcome) {
	if outcome.Status >= 300 && outcome.ErrorMessage == "" {
		outcome.ErrorMessage = defaultFailureMessage(outcome.Status)
	}

	recordID := actor.UserID
	if recordID == "" {
		recordID = actor.Email
	}

	var who *Actor
	if actor != (Actor{}) {
		who = &actor
	}

	l.audit.Submit(AuditInput{
		Actor:     who,
		Operation: op,
		TableName: models.AuthSessionsTable,
		RecordID:  recordID,
		Before:    before,
		After:     after,
		HTTP:      hc,
		Outcome:   outcome,
	})
}

const sessionExpiredMessage = "session expired"

func defaultFailureMessage(status int) string {
	if text := http.StatusText(status); text != "" {
		return strings.ToLower(text)
	}
	return fmt.Sprintf("request failed with status %d", status)
}

func session(active bool) *models.Document {
	return models.NewDocument().Set("session_active", active)
}

func active(v bool) *models.Document {
	return models.NewDocument().Set("is_active", v)
}
