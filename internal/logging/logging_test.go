package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func init() {
	color.NoColor = true
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    LogLevel
		expected slog.Level
	}{
		{"debug level", LevelDebug, slog.LevelDebug},
		{"info level", LevelInfo, slog.LevelInfo},
		{"warn level", LevelWarn, slog.LevelWarn},
		{"error level", LevelError, slog.LevelError},
		{"unknown defaults to info", LogLevel("verbose"), slog.LevelInfo},
		{"case insensitive", LogLevel("DEBUG"), slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseLevel(tt.level); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level %s, got %s", LevelInfo, cfg.Level)
	}
	if cfg.Format != FormatConsole {
		t.Errorf("Expected default format %s, got %s", FormatConsole, cfg.Format)
	}
	if cfg.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got '%s'", cfg.Output)
	}
	if cfg.File != "" {
		t.Errorf("Expected no log file by default, got '%s'", cfg.File)
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("stderr json logger", func(t *testing.T) {
		logger, err := New(Config{Level: LevelError, Format: FormatJSON, Output: "stderr"})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		if logger == nil {
			t.Fatal("Logger should not be nil")
		}
	})

	t.Run("file logger", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "nested", "scan.log")

		logger, err := New(Config{Level: LevelDebug, Format: FormatText, Output: logFile})
		if err != nil {
			t.Fatalf("Failed to create file logger: %v", err)
		}
		defer logger.Close()

		logger.Info("hello")
		content, err := os.ReadFile(logFile)
		if err != nil {
			t.Fatalf("Failed to read log file: %v", err)
		}
		if !strings.Contains(string(content), "hello") {
			t.Errorf("Log file should contain the message, got %q", content)
		}
	})
}

func TestConsoleHandler(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{Level: LevelDebug, Format: FormatConsole}, &buf)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.WithTarget("10.0.0.1").Success("scan completed", "session", "scan_10_0_0_1")
	logger.Info("queued", "targets", 3)
	logger.Warn("teardown failed", "session", "scan_x")
	logger.ErrorScan("scan failed", "10.0.0.2", fmt.Errorf("tmux: no server running"))
	logger.Debug("poll tick")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("Expected 5 lines, got %d: %q", len(lines), buf.String())
	}

	expectations := []struct {
		prefix   string
		contains []string
	}{
		{"[+] scan completed", []string{"target=10.0.0.1", "session=scan_10_0_0_1"}},
		{"[*] queued", []string{"targets=3"}},
		{"[!] teardown failed", []string{"session=scan_x"}},
		{"[-] scan failed", []string{"target=10.0.0.2", `error="tmux: no server running"`}},
		{"[~] poll tick", nil},
	}
	for i, exp := range expectations {
		if !strings.HasPrefix(lines[i], exp.prefix) {
			t.Errorf("line %d: expected prefix %q, got %q", i, exp.prefix, lines[i])
		}
		for _, c := range exp.contains {
			if !strings.Contains(lines[i], c) {
				t.Errorf("line %d: expected %q in %q", i, c, lines[i])
			}
		}
	}
	if strings.Contains(buf.String(), "success=") {
		t.Error("success marker should not be printed as an attribute")
	}
}

func TestConsoleHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{Level: LevelWarn, Format: FormatConsole}, &buf)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("Info should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("Warn should pass at warn level")
	}
}

func TestConsoleHandlerGroups(t *testing.T) {
	var buf bytes.Buffer
	h := NewConsoleHandler(&buf, slog.LevelInfo)
	logger := slog.New(h).WithGroup("scan").With("stage", "ports")

	logger.Info("started", "workers", 2)

	out := buf.String()
	if !strings.Contains(out, "scan.stage=ports") || !strings.Contains(out, "scan.workers=2") {
		t.Errorf("Expected grouped keys, got %q", out)
	}
}

func TestPersistentLogFile(t *testing.T) {
	var console bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "logs", "scanfleet.log")

	logger, err := NewWithWriter(Config{Level: LevelInfo, Format: FormatConsole, File: logFile}, &console)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Debug("only in file")
	logger.ErrorScan("scan failed", "10.0.0.9", fmt.Errorf("boom"))
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if strings.Contains(console.String(), "only in file") {
		t.Error("Debug record should not reach the console at info level")
	}

	f, err := os.Open(logFile)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	defer f.Close()

	var records []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("Log file line is not JSON: %v", err)
		}
		records = append(records, rec)
	}

	if len(records) != 2 {
		t.Fatalf("Expected 2 records in log file, got %d", len(records))
	}
	if records[0]["msg"] != "only in file" {
		t.Errorf("Unexpected first record: %v", records[0])
	}
	if records[1]["target"] != "10.0.0.9" || records[1]["error"] != "boom" {
		t.Errorf("Unexpected second record: %v", records[1])
	}

	info, err := os.Stat(logFile)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != logFilePerm {
		t.Errorf("Expected log file permission %o, got %o", logFilePerm, perm)
	}
}

func TestLoggerWithMethods(t *testing.T) {
	logger := NewDefault()

	t.Run("WithContext", func(t *testing.T) {
		contextLogger := logger.WithContext(context.Background())
		if contextLogger == nil || contextLogger == logger {
			t.Error("WithContext should return a new logger instance")
		}
	})

	t.Run("WithFields", func(t *testing.T) {
		fieldsLogger := logger.WithFields("key1", "value1")
		if fieldsLogger == nil || fieldsLogger == logger {
			t.Error("WithFields should return a new logger instance")
		}
	})

	t.Run("WithComponent", func(t *testing.T) {
		if l := logger.WithComponent("orchestrator"); l == nil || l == logger {
			t.Error("WithComponent should return a new logger instance")
		}
	})

	t.Run("WithRunID", func(t *testing.T) {
		if l := logger.WithRunID("run-1"); l == nil || l == logger {
			t.Error("WithRunID should return a new logger instance")
		}
	})

	t.Run("WithSession", func(t *testing.T) {
		if l := logger.WithSession("scan_10_0_0_1"); l == nil || l == logger {
			t.Error("WithSession should return a new logger instance")
		}
	})

	t.Run("WithError", func(t *testing.T) {
		if l := logger.WithError(fmt.Errorf("test error")); l == nil || l == logger {
			t.Error("WithError should return a new logger instance")
		}
	})
}

func TestGlobalLogger(t *testing.T) {
	original := Default()
	defer SetDefault(original)

	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{Level: LevelDebug, Format: FormatText}, &buf)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	SetDefault(logger)

	if Default() != logger {
		t.Error("Default should return the logger set with SetDefault")
	}

	Debug("global debug")
	Info("global info")
	Warn("global warn")
	Error("global error")
	Success("global success")
	InfoScan("global scan", "10.0.0.1")
	ErrorScan("global scan error", "10.0.0.2", fmt.Errorf("x"))

	out := buf.String()
	for _, msg := range []string{"global debug", "global info", "global warn", "global error",
		"global success", "global scan", "global scan error"} {
		if !strings.Contains(out, msg) {
			t.Errorf("Expected %q in output", msg)
		}
	}
}
