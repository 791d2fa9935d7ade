package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/logging"
)

func TestNewFromConfigWritesJSONFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.Root = t.TempDir()
	cfg.Paths.LogDir = filepath.Join(cfg.Paths.Root, "logs")

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("worker registered", logging.String(logging.FieldWorkerID, "developer_1"))

	data, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, logging.LogFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &line); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", data, err)
	}
	if line["msg"] != "worker registered" || line["worker_id"] != "developer_1" {
		t.Fatalf("unexpected log line: %v", line)
	}
	if line["level"] != "info" {
		t.Fatalf("expected lower-case level, got %v", line["level"])
	}
}

func TestJSONFileRendersDurationsAndErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.Root = t.TempDir()
	cfg.Paths.LogDir = filepath.Join(cfg.Paths.Root, "logs")

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Warn("task failed",
		logging.Duration("elapsed", 1500*time.Millisecond),
		logging.Error(errors.New("exit status 2")),
	)

	data, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, logging.LogFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &line); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", data, err)
	}
	if line["elapsed_ms"] != float64(1500) {
		t.Fatalf("expected elapsed_ms=1500, got %v", line)
	}
	if line["error"] != "exit status 2" {
		t.Fatalf("expected error message, got %v", line["error"])
	}
	if _, ok := line["ts"].(string); !ok {
		t.Fatalf("expected ts string, got %v", line["ts"])
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")

	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("message without caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestConsoleLoggerRendersSubject(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")

	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger = logging.NewComponentLogger(logger, "worker")
	ctx := logging.WithPackageID(logging.WithWorkerID(context.Background(), "developer_1"), "wp_a")
	logging.WithContext(ctx, logger).Info("task started", logging.String("note", "two words"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	for _, fragment := range []string{"INFO [worker] developer_1 (wp_a) - task started", `note="two words"`} {
		if !strings.Contains(line, fragment) {
			t.Fatalf("expected %q in %q", fragment, line)
		}
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	logging.WarnWithContext(logger, "lock reclaimed", "stale_lock_reclaimed", logging.String(logging.FieldResource, "registry"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for _, key := range []string{logging.FieldEventType, logging.FieldErrorHint, logging.FieldImpact} {
		if _, ok := line[key]; !ok {
			t.Fatalf("expected %s in %v", key, line)
		}
	}
	if line[logging.FieldEventType] != "stale_lock_reclaimed" {
		t.Fatalf("unexpected event type %v", line[logging.FieldEventType])
	}
}

func TestTeeHandlerRespectsLevels(t *testing.T) {
	var infoBuf, debugBuf bytes.Buffer
	infoHandler := slog.NewJSONHandler(&infoBuf, &slog.HandlerOptions{Level: slog.LevelInfo})
	debugHandler := slog.NewJSONHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug})

	logger := slog.New(logging.TeeHandler(infoHandler, nil, debugHandler))
	logger.Debug("debug only message")

	if infoBuf.Len() != 0 {
		t.Error("info handler should not receive debug messages")
	}
	if debugBuf.Len() == 0 {
		t.Error("debug handler should receive debug messages")
	}

	logger.With(slog.String("key", "value")).Info("both")
	if !bytes.Contains(infoBuf.Bytes(), []byte(`"key"`)) || !bytes.Contains(debugBuf.Bytes(), []byte(`"key"`)) {
		t.Fatal("expected attributes in both handlers")
	}
}

func TestTeeHandlerCollapse(t *testing.T) {
	if _, ok := logging.TeeHandler(nil, nil).(logging.NoopHandler); !ok {
		t.Fatal("expected NoopHandler when all handlers are nil")
	}
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	if logging.TeeHandler(nil, inner) != inner {
		t.Fatal("expected single handler to be returned unwrapped")
	}
}

func TestErrorAttrHandlesNil(t *testing.T) {
	if got := logging.Error(nil).Value.String(); got != "<nil>" {
		t.Fatalf("unexpected nil error rendering %q", got)
	}
	err := errors.New("boom")
	if got := logging.Error(err).Value.Any(); got != err {
		t.Fatalf("expected error value to be retained, got %v", got)
	}
}
