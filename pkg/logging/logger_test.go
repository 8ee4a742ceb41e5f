package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// setupTestDir points the package at a temp directory and resets global state.
func setupTestDir(t *testing.T) {
	t.Helper()

	origDir, origReady := logDir, dirReady
	origRunID := runID
	origLevel := minLevel

	runID = ""
	runIDOnce = sync.Once{}
	if err := SetDirectory(t.TempDir()); err != nil {
		t.Fatalf("SetDirectory: %v", err)
	}
	SetLevel(LevelDebug)

	t.Cleanup(func() {
		logDir, dirReady = origDir, origReady
		runID = origRunID
		runIDOnce = sync.Once{}
		SetLevel(origLevel)
	})
}

func readLog(t *testing.T, l *Logger) string {
	t.Helper()
	content, err := os.ReadFile(l.LogPath())
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	return string(content)
}

func TestNewLogger(t *testing.T) {
	setupTestDir(t)

	logger, err := NewLogger("pool")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	if logger.component != "pool" {
		t.Errorf("Expected component 'pool', got %q", logger.component)
	}
	if logger.RunID() == "" {
		t.Error("Expected non-empty run ID")
	}
	if _, err := os.Stat(logger.LogPath()); os.IsNotExist(err) {
		t.Errorf("Log file does not exist at %s", logger.LogPath())
	}
	if !strings.HasSuffix(filepath.Base(logger.LogPath()), "-bridge.log") {
		t.Errorf("unexpected log file name %q", logger.LogPath())
	}
}

func TestLoggerFormatting(t *testing.T) {
	setupTestDir(t)

	logger, err := NewLogger("auth")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	logger.Printf("phase %d", 2)
	logger.Debugf("probe")
	logger.Warnf("slow login")
	logger.Errorf("login failed")

	content := readLog(t, logger)
	for _, pattern := range []string{
		"[auth] [INFO] phase 2",
		"[auth] [DEBUG] probe",
		"[auth] [WARN] slow login",
		"[auth] [ERROR] login failed",
	} {
		if !strings.Contains(content, pattern) {
			t.Errorf("Log content missing %q\nContent:\n%s", pattern, content)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	setupTestDir(t)
	SetLevel(LevelWarn)

	logger, err := NewLogger("session")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	logger.Debugf("hidden debug")
	logger.Infof("hidden info")
	logger.Warnf("visible warn")

	content := readLog(t, logger)
	if strings.Contains(content, "hidden") {
		t.Errorf("expected debug/info entries to be filtered:\n%s", content)
	}
	if !strings.Contains(content, "visible warn") {
		t.Errorf("expected warn entry:\n%s", content)
	}
}

func TestMultipleComponentsShareFile(t *testing.T) {
	setupTestDir(t)

	l1, err := NewLogger("pool")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer l1.Close()
	l2, err := NewLogger("recovery")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer l2.Close()

	if l1.LogPath() != l2.LogPath() {
		t.Errorf("Expected same log path, got %q and %q", l1.LogPath(), l2.LogPath())
	}

	l1.Infof("from pool")
	l2.With("rebuild").Infof("from recovery")

	content := readLog(t, l1)
	if !strings.Contains(content, "[pool] [INFO] from pool") {
		t.Error("missing pool entry")
	}
	if !strings.Contains(content, "[recovery.rebuild] [INFO] from recovery") {
		t.Error("missing sub-component entry")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDiscardAndNil(t *testing.T) {
	Discard().Errorf("dropped %s", "message")

	var l *Logger
	l.Infof("nil logger must not panic")
}

func TestLoggerClose(t *testing.T) {
	setupTestDir(t)

	logger, err := NewLogger("test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}
