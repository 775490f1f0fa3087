package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/config"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "warn", Format: "json"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("error should be enabled at warn level")
	}
}

func TestNewLogger_Invalid(t *testing.T) {
	if _, err := NewLogger(config.LoggingConfig{Level: "loud", Format: "console"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := NewLogger(config.LoggingConfig{Level: "info", Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}
