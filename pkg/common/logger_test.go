package common

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	_ "liyu1981.xyz/medipi-dispenser/pkg/testing"
)

func TestLoggingCapture(t *testing.T) {
	var buf bytes.Buffer
	SetTestCaptureLogger(&buf, zapcore.InfoLevel)

	logger := GetLoggerWith(LoggerNameDispenser, zap.String(LoggerFieldCategory, LoggerCategoryCommand))
	logger.Info("Test log message", zap.String("key", "value"))
	logger.Debug("below level")

	logOutput := buf.String()
	if !strings.Contains(logOutput, "Test log message") {
		t.Errorf("expected log output to contain message, got: %s", logOutput)
	}
	if !strings.Contains(logOutput, `"category":"command"`) {
		t.Errorf("expected category field, got: %s", logOutput)
	}
	if strings.Contains(logOutput, "below level") {
		t.Errorf("debug entry should be filtered, got: %s", logOutput)
	}
}
