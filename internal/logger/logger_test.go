package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	// Test with debug true
	logger := New(true)
	if logger == nil {
		t.Fatal("Expected logger to not be nil")
	}

	// Test with debug false
	logger = New(false)
	if logger == nil {
		t.Fatal("Expected logger to not be nil")
	}
}

func TestNew_Debug(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, true)
	logger.Debug("test debug message")

	if !strings.Contains(buf.String(), "test debug message") {
		t.Errorf("Expected log output to contain 'test debug message', but it didn't")
	}
}

func TestNew_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, false)
	logger.Info("test info message")

	if !strings.Contains(buf.String(), "test info message") {
		t.Errorf("Expected log output to contain 'test info message', but it didn't")
	}
}

func TestNew_Info_With_Debug_False(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, false)
	logger.Debug("test debug message")

	if strings.Contains(buf.String(), "test debug message") {
		t.Errorf("Expected log output to not contain 'test debug message', but it did")
	}
}

func TestGormLogger(t *testing.T) {
	var buf bytes.Buffer
	gl := GormLogger(NewWithWriter(&buf, false), false)
	if gl == nil {
		t.Fatal("Expected gorm logger to not be nil")
	}

	gl.Error(context.Background(), "query failed: %s", "boom")
	out := buf.String()
	if !strings.Contains(out, "query failed: boom") {
		t.Errorf("Expected gorm error to be logged, got %q", out)
	}
	if !strings.Contains(out, `"component":"gorm"`) {
		t.Errorf("Expected gorm component attribute, got %q", out)
	}

	buf.Reset()
	gl.Info(context.Background(), "hidden %d", 1)
	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("Expected info messages to be dropped without debug, got %q", buf.String())
	}
}
