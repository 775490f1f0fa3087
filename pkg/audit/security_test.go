package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, recorded := observer.New(zapcore.DebugLevel)
	return zap.New(core), recorded
}

func decodeEvent(t *testing.T, entry observer.LoggedEntry) SecurityEvent {
	t.Helper()
	raw, ok := entry.ContextMap()["event_json"].(string)
	require.True(t, ok, "event_json field missing")
	var event SecurityEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &event))
	return event
}

func TestLogInjectionAttempt(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger, "/tmp/central_repository.db")

	ctx := WithActor(context.Background(), "examiner1")
	auditor.LogInjectionAttempt(ctx, SQLInjectionDetails{
		Position:    2,
		Value:       "1' OR '1'='1",
		Fingerprint: "s&sos",
		Statement:   "SELECT * FROM cases WHERE case_uid = ?",
	})

	entries := recorded.All()
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, "security_audit", entry.LoggerName)
	assert.Equal(t, "examiner1", entry.ContextMap()["actor"])
	assert.Equal(t, "s&sos", entry.ContextMap()["fingerprint"])

	event := decodeEvent(t, entry)
	assert.Equal(t, EventSQLInjectionAttempt, event.EventType)
	assert.Equal(t, "critical", event.Severity)
	assert.Equal(t, "/tmp/central_repository.db", event.Repository)
}

func TestLogStatementRejected(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger, "db.example.com/central_repository")

	auditor.LogStatementRejected(context.Background(), "SELECT 1; DROP TABLE cases", "multiple statements")

	entries := recorded.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	event := decodeEvent(t, entries[0])
	assert.Equal(t, EventStatementRejected, event.EventType)
	assert.Empty(t, event.Actor)
}

func TestLogStatementExecutionAndSchemaChange(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger, "repo")

	auditor.LogStatementExecution(context.Background(), "SELECT count(*) FROM cases")
	auditor.LogSchemaChange(context.Background(), "1.3", "1.6")

	entries := recorded.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, EventSchemaChange, decodeEvent(t, entries[1]).EventType)
	assert.Equal(t, "1.6", entries[1].ContextMap()["to"])

	first, second := decodeEvent(t, entries[0]), decodeEvent(t, entries[1])
	assert.NotEqual(t, first.EventID, second.EventID)
}

func TestLogRepositoryDisabled(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger, "db.example:central_repository")

	auditor.LogRepositoryDisabled(context.Background(), "schema upgrade failed")

	entries := recorded.FilterMessage("Central repository disabled").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	event := decodeEvent(t, entries[0])
	assert.Equal(t, EventRepositoryDisabled, event.EventType)
	assert.Equal(t, "warning", event.Severity)
}

func TestActorFromContext(t *testing.T) {
	assert.Equal(t, "", ActorFromContext(context.Background()))
	assert.Equal(t, "jdoe", ActorFromContext(WithActor(context.Background(), "jdoe")))
}
