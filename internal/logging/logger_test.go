package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default config", cfg: DefaultConfig()},
		{name: "debug level", cfg: Config{Level: "debug", Format: "json", Output: "stdout"}},
		{name: "warning level (alias)", cfg: Config{Level: "warning", Format: "json", Output: "stdout"}},
		{name: "text format", cfg: Config{Level: "info", Format: "text", Output: "stdout"}},
		{name: "stderr output", cfg: Config{Level: "info", Format: "json", Output: "stderr"}},
		{name: "empty output defaults to stdout", cfg: Config{Level: "info", Format: "json", Output: ""}},
		{name: "invalid level defaults to info", cfg: Config{Level: "invalid", Format: "json", Output: "stdout"}},
		{
			name:    "invalid file path",
			cfg:     Config{Level: "info", Format: "json", Output: "/nonexistent/path/log.txt"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && (logger == nil || logger.Logger == nil) {
				t.Error("New() returned nil logger without error")
			}
		})
	}
}

func TestNewWithFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")

	logger, err := New(Config{Level: "info", Format: "json", Output: logFile})
	if err != nil {
		t.Fatalf("New() with file output failed: %v", err)
	}
	logger.Info("hello")

	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		t.Errorf("Log file was not created at %s", logFile)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info message logged at warn level: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn message missing: %s", out)
	}
}

func TestComponentLoggers(t *testing.T) {
	tests := []struct {
		name string
		get  func(*Logger) *Logger
		want string
	}{
		{"Store", (*Logger).Store, "store"},
		{"Mailbox", (*Logger).Mailbox, "mailbox"},
		{"Thread", (*Logger).Thread, "thread"},
		{"Compose", (*Logger).Compose, "compose"},
		{"HTTP", (*Logger).HTTP, "http"},
		{"Feed", (*Logger).Feed, "feed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter(Config{Level: "info", Format: "json"}, &buf)
			tt.get(logger).Info("x")

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("invalid JSON output: %v", err)
			}
			if entry["component"] != tt.want {
				t.Errorf("component = %v, want %s", entry["component"], tt.want)
			}
		})
	}
}

func TestLogger_WithError(t *testing.T) {
	logger := Discard()

	withErr := logger.WithError(errors.New("test error"))
	if withErr == logger {
		t.Error("WithError() should return a new logger instance")
	}
	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return same logger")
	}
}

func TestExtractContextAttrs(t *testing.T) {
	t.Run("all attributes", func(t *testing.T) {
		ctx := context.Background()
		ctx = WithTraceID(ctx, "trace-123")
		ctx = WithUserID(ctx, "user-42")
		ctx = WithRemoteAddr(ctx, "192.168.1.1")
		ctx = WithMessageID(ctx, "msg-456")
		ctx = WithFolder(ctx, "inbox")

		attrs := extractContextAttrs(ctx)
		if len(attrs) != 5 {
			t.Fatalf("Expected 5 attrs, got %d", len(attrs))
		}

		expected := []string{"trace_id", "user_id", "remote_addr", "message_id", "folder"}
		for i, key := range expected {
			if attrs[i].Key != key {
				t.Errorf("attrs[%d].Key = %s, want %s", i, attrs[i].Key, key)
			}
		}
	})

	t.Run("empty context", func(t *testing.T) {
		if attrs := extractContextAttrs(context.Background()); len(attrs) != 0 {
			t.Errorf("Expected 0 attrs for empty context, got %d", len(attrs))
		}
	})
}

func TestContextLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)

	ctx := WithUserID(context.Background(), "user-7")
	ctx = WithFolder(ctx, "sent")
	logger.ErrorContext(ctx, "failed", errors.New("boom"), "attempt", 2)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if entry["user_id"] != "user-7" {
		t.Errorf("user_id = %v, want user-7", entry["user_id"])
	}
	if entry["folder"] != "sent" {
		t.Errorf("folder = %v, want sent", entry["folder"])
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v, want boom", entry["error"])
	}
	if entry["attempt"] != float64(2) {
		t.Errorf("attempt = %v, want 2", entry["attempt"])
	}
}
