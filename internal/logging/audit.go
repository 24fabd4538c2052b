package logging

import (
	"context"

	"github.com/google/uuid"
)

// AuditEventType names a security-relevant change.
type AuditEventType string

const (
	AuthFailure        AuditEventType = "AUTH_FAILURE"
	KeyRotated         AuditEventType = "KEY_ROTATED"
	AccountLinked      AuditEventType = "ACCOUNT_LINKED"
	AccountUpdated     AuditEventType = "ACCOUNT_UPDATED"
	AccountRemoved     AuditEventType = "ACCOUNT_REMOVED"
	AccountVerified    AuditEventType = "ACCOUNT_VERIFIED"
	PreferencesChanged AuditEventType = "PREFERENCES_CHANGED"
	StrictModeChanged  AuditEventType = "STRICT_MODE_CHANGED"
)

type AuditStatus string

const (
	StatusSuccess AuditStatus = "success"
	StatusFailure AuditStatus = "failure"
)

// AuditEvent records a change to connector state or a rejected credential.
// Events are written as ordinary log entries with the message "audit".
type AuditEvent struct {
	ID        string
	Type      AuditEventType
	Status    AuditStatus
	AccountID string
	Provider  string
	Details   map[string]any
	Err       string
}

func NewAuditEvent(eventType AuditEventType, status AuditStatus) *AuditEvent {
	return &AuditEvent{ID: uuid.NewString(), Type: eventType, Status: status}
}

func (e *AuditEvent) WithAccount(accountID, provider string) *AuditEvent {
	e.AccountID = accountID
	e.Provider = provider
	return e
}

func (e *AuditEvent) WithDetails(details map[string]any) *AuditEvent {
	e.Details = details
	return e
}

// WithError marks the event failed and keeps a redacted copy of err.
func (e *AuditEvent) WithError(err error) *AuditEvent {
	e.Err = RedactError(err)
	e.Status = StatusFailure
	return e
}

// fields flattens the event into log fields. Details never overwrite the
// identifying keys.
func (e *AuditEvent) fields() map[string]any {
	out := make(map[string]any, len(e.Details)+6)
	for k, v := range e.Details {
		out[k] = redactValue(v)
	}
	out["audit_id"] = e.ID
	out["event_type"] = string(e.Type)
	out["status"] = string(e.Status)
	if e.AccountID != "" {
		out["account_id"] = e.AccountID
	}
	if e.Provider != "" {
		out["provider"] = e.Provider
	}
	if e.Err != "" {
		out["error"] = e.Err
	}
	return out
}

// Audit writes event at info level, or warn when it failed.
func (l *Logger) Audit(event *AuditEvent) {
	l.AuditWithContext(context.Background(), event)
}

// AuditWithContext is Audit with the correlation id taken from ctx.
func (l *Logger) AuditWithContext(ctx context.Context, event *AuditEvent) {
	level := LevelInfo
	if event.Status == StatusFailure {
		level = LevelWarn
	}
	l.emit(level, GetCorrelationID(ctx), "audit", event.fields())
}
