// Package audit writes security-relevant central repository events as
// structured log entries for SIEM consumption.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SecurityEventType categorizes events for filtering and alerting.
type SecurityEventType string

const (
	// EventSQLInjectionAttempt is logged when libinjection flags a bound argument.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventStatementRejected is logged when a raw statement fails validation.
	EventStatementRejected SecurityEventType = "statement_rejected"
	// EventStatementExecution is logged for every accepted raw statement.
	EventStatementExecution SecurityEventType = "statement_execution"
	// EventSchemaChange is logged when the repository schema is created or upgraded.
	EventSchemaChange SecurityEventType = "schema_change"
	// EventRepositoryDisabled is logged when startup switches the repository off.
	EventRepositoryDisabled SecurityEventType = "repository_disabled"
)

// SecurityEvent is the JSON payload attached to every audit entry.
type SecurityEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	EventID    uuid.UUID         `json:"event_id"`
	EventType  SecurityEventType `json:"event_type"`
	Repository string            `json:"repository"`
	Actor      string            `json:"actor,omitempty"`
	Details    any               `json:"details"`
	Severity   string            `json:"severity"` // info, warning, critical
}

// SQLInjectionDetails describes a flagged argument of a raw statement.
type SQLInjectionDetails struct {
	Position    int    `json:"position"`
	Value       string `json:"value"`
	Fingerprint string `json:"fingerprint"`
	Statement   string `json:"statement"`
}

type actorKey struct{}

// WithActor attaches the examiner login performing repository work.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor set by WithActor, or "".
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// SecurityAuditor logs security events under the "security_audit" logger name.
type SecurityAuditor struct {
	logger     *zap.Logger
	repository string
}

// NewSecurityAuditor creates an auditor for one repository, identified by
// its SQLite path or Postgres host/database.
func NewSecurityAuditor(logger *zap.Logger, repository string) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit"), repository: repository}
}

func (a *SecurityAuditor) event(ctx context.Context, typ SecurityEventType, severity string, details any) (SecurityEvent, []zap.Field) {
	event := SecurityEvent{
		Timestamp:  time.Now().UTC(),
		EventID:    uuid.New(),
		EventType:  typ,
		Repository: a.repository,
		Actor:      ActorFromContext(ctx),
		Details:    details,
		Severity:   severity,
	}
	// Marshaling known types cannot fail.
	eventJSON, _ := json.Marshal(event)
	return event, []zap.Field{
		zap.String("event_json", string(eventJSON)),
		zap.String("event_id", event.EventID.String()),
		zap.String("repository", a.repository),
		zap.String("actor", event.Actor),
		zap.String("severity", severity),
	}
}

// LogInjectionAttempt records a flagged argument at ERROR level.
func (a *SecurityAuditor) LogInjectionAttempt(ctx context.Context, details SQLInjectionDetails) {
	_, fields := a.event(ctx, EventSQLInjectionAttempt, "critical", details)
	a.logger.Error("SQL injection attempt detected", append(fields,
		zap.Int("position", details.Position),
		zap.String("fingerprint", details.Fingerprint),
	)...)
}

// LogStatementRejected records a raw statement that failed validation.
func (a *SecurityAuditor) LogStatementRejected(ctx context.Context, statement, reason string) {
	_, fields := a.event(ctx, EventStatementRejected, "warning", map[string]string{
		"statement": statement,
		"reason":    reason,
	})
	a.logger.Warn("Raw statement rejected", append(fields, zap.String("reason", reason))...)
}

// LogStatementExecution records an accepted raw statement at INFO level.
func (a *SecurityAuditor) LogStatementExecution(ctx context.Context, statement string) {
	_, fields := a.event(ctx, EventStatementExecution, "info", map[string]string{"statement": statement})
	a.logger.Info("Raw statement executed", fields...)
}

// LogSchemaChange records schema creation or an upgrade between versions.
func (a *SecurityAuditor) LogSchemaChange(ctx context.Context, from, to string) {
	_, fields := a.event(ctx, EventSchemaChange, "info", map[string]string{"from": from, "to": to})
	a.logger.Info("Schema changed", append(fields, zap.String("from", from), zap.String("to", to))...)
}

// LogRepositoryDisabled records a fail-safe disable. The repository is
// off until an operator re-enables it.
func (a *SecurityAuditor) LogRepositoryDisabled(ctx context.Context, reason string) {
	_, fields := a.event(ctx, EventRepositoryDisabled, "warning", map[string]string{"reason": reason})
	a.logger.Warn("Central repository disabled", append(fields, zap.String("reason", reason))...)
}
