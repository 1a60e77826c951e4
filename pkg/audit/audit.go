// Package audit is the gateway's single-writer security audit stream. Every
// security-relevant action flows through Logger.Log: first to the
// structured process logger at a severity-appropriate level, then to the
// persistent audit table, then — for Critical events — to an alerting sink.
// A storage failure never blocks the operation that triggered the event; it
// is itself logged at Error so the gap is visible without being fatal.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fitsync/gateway/pkg/domain"
	"github.com/fitsync/gateway/pkg/logger"
	"github.com/fitsync/gateway/pkg/store"
)

// AlertSink receives Critical-severity events after they've been logged and
// persisted. The default sink does nothing; a production deployment can
// register a sink that pages on-call or posts to a channel.
type AlertSink interface {
	Alert(ctx context.Context, e *domain.AuditEvent)
}

// AlertSinkFunc adapts a plain function to AlertSink.
type AlertSinkFunc func(ctx context.Context, e *domain.AuditEvent)

// Alert implements AlertSink.
func (f AlertSinkFunc) Alert(ctx context.Context, e *domain.AuditEvent) { f(ctx, e) }

// noopSink is installed when no alert sink is configured; critical events
// still reach the structured logger and the audit table, just not a page.
var noopSink = AlertSinkFunc(func(context.Context, *domain.AuditEvent) {})

// Logger is the process-wide audit writer.
type Logger struct {
	store store.Store
	sink  AlertSink
	clock func() time.Time
}

// NewLogger builds a Logger over st. Pass nil for sink to use the no-op
// sink (structured logs and the audit table still receive every event).
func NewLogger(st store.Store, sink AlertSink) *Logger {
	if sink == nil {
		sink = noopSink
	}
	return &Logger{store: st, sink: sink, clock: func() time.Time { return time.Now().UTC() }}
}

// Event describes a single audit occurrence. Builder-style optional fields
// mirror the event shape used across the gateway (authentication, OAuth
// credential access, admin-token lifecycle, rate limiting).
type Event struct {
	Type        domain.AuditEventType
	Severity    domain.AuditSeverity
	Description string
	Action      string
	Result      domain.AuditResult
	UserID      *string
	TenantID    *string
	SessionID   *string
	IP          string
	UserAgent   string
	Resource    string
	Metadata    map[string]any
}

// criticalEventTypes are always escalated to Critical severity and routed
// to the alert sink regardless of the Severity the caller passed, matching
// spec's fixed critical set (decryption failure, encryption failure, tenant
// mismatch, admin-token tampering, provider-credential deletion); the
// escalated severity is also what the structured log and the audit row
// record.
var criticalEventTypes = map[domain.AuditEventType]bool{
	domain.EventDecryptionFailed:        true,
	domain.EventEncryptionFailed:        true,
	domain.EventTenantMismatch:          true,
	domain.EventAdminTokenTampered:      true,
	domain.EventOAuthCredentialsDeleted: true,
}

// Log writes ev to the structured logger, then the persistent audit table,
// then (if Critical) the alert sink. It never returns an error: callers
// should not have to unwind their own operation because the audit trail
// could not be written.
func (l *Logger) Log(ctx context.Context, ev Event) {
	record := &domain.AuditEvent{
		ID:          uuid.NewString(),
		EventType:   ev.Type,
		Severity:    ev.Severity,
		Timestamp:   l.clock(),
		UserID:      ev.UserID,
		TenantID:    ev.TenantID,
		SessionID:   ev.SessionID,
		IP:          ev.IP,
		UserAgent:   ev.UserAgent,
		Description: ev.Description,
		Metadata:    ev.Metadata,
		Resource:    ev.Resource,
		Action:      ev.Action,
		Result:      ev.Result,
	}
	if criticalEventTypes[record.EventType] {
		record.Severity = domain.SeverityCritical
	}

	l.logStructured(record)

	if err := l.store.CreateAuditEvent(ctx, record); err != nil {
		logger.Errorw("failed to persist audit event", "event_id", record.ID, "event_type", record.EventType, "error", err)
	}

	if record.Severity == domain.SeverityCritical {
		l.sink.Alert(ctx, record)
	}
}

func (l *Logger) logStructured(e *domain.AuditEvent) {
	fields := []any{
		"event_id", e.ID,
		"event_type", e.EventType,
		"user_id", derefString(e.UserID),
		"tenant_id", derefString(e.TenantID),
		"resource", e.Resource,
		"action", e.Action,
		"result", e.Result,
	}
	switch e.Severity {
	case domain.SeverityInfo:
		logger.Infow(e.Description, fields...)
	case domain.SeverityWarning:
		logger.Warnw(e.Description, fields...)
	case domain.SeverityError, domain.SeverityCritical:
		logger.Errorw(e.Description, fields...)
	default:
		logger.Infow(e.Description, fields...)
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
