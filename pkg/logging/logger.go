package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is a log severity threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// ParseLevel maps "debug", "info", "warn" and "error" to a Level.
// Unknown values resolve to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes leveled, component-tagged entries for notebook-bridge.
// All component loggers of one process append to the same run file:
// <log dir>/<run-id>-bridge.log
type Logger struct {
	runID     string
	component string
	file      *os.File
	logger    *log.Logger
	mu        sync.Mutex
	logPath   string
	closeOnce sync.Once
}

var (
	runID     string
	runIDOnce sync.Once

	dirMu    sync.Mutex
	logDir   string
	dirReady bool

	levelMu  sync.RWMutex
	minLevel = LevelInfo
)

func getRunID() string {
	runIDOnce.Do(func() {
		runID = uuid.New().String()
	})
	return runID
}

// SetDirectory sets where log files are written. It must be called before
// the first NewLogger call to take effect for that logger.
func SetDirectory(dir string) error {
	dirMu.Lock()
	defer dirMu.Unlock()
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logDir = dir
	dirReady = true
	return nil
}

// SetLevel sets the process-wide minimum level.
func SetLevel(level Level) {
	levelMu.Lock()
	minLevel = level
	levelMu.Unlock()
}

func enabled(level Level) bool {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return level >= minLevel
}

func ensureDirectory() (string, error) {
	dirMu.Lock()
	defer dirMu.Unlock()
	if dirReady {
		return logDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".notebook-bridge", "logs")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	logDir = dir
	dirReady = true
	return logDir, nil
}

// NewLogger creates a logger for a component.
//
// If the log file cannot be opened a stderr logger is returned together with
// the error, so callers can keep going and report the fallback.
func NewLogger(component string) (*Logger, error) {
	dir, err := ensureDirectory()
	if err != nil {
		return newFallbackLogger(component, err), err
	}

	id := getRunID()
	logPath := filepath.Join(dir, fmt.Sprintf("%s-bridge.log", id))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		err = fmt.Errorf("failed to open log file: %w", err)
		return newFallbackLogger(component, err), err
	}

	return &Logger{
		runID:     id,
		component: component,
		file:      file,
		logger:    log.New(file, "", 0),
		logPath:   logPath,
	}, nil
}

// MustLogger is NewLogger without the error; the fallback logger already
// reports the failure on stderr.
func MustLogger(component string) *Logger {
	l, _ := NewLogger(component)
	return l
}

// Discard returns a logger that drops everything. Used by tests and as the
// default for components constructed without a logger.
func Discard() *Logger {
	return &Logger{component: "discard", logger: log.New(io.Discard, "", 0)}
}

func newFallbackLogger(component string, err error) *Logger {
	logger := log.New(os.Stderr, "", 0)
	l := &Logger{
		runID:     getRunID(),
		component: component,
		logger:    logger,
	}
	l.logger.Println(l.format(LevelWarn, fmt.Sprintf("file logging unavailable, using stderr: %v", err)))
	return l
}

func (l *Logger) format(level Level, message string) string {
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	return fmt.Sprintf("[%s] [%s] [%s] %s", ts, l.component, level, message)
}

func (l *Logger) write(level Level, format string, v ...interface{}) {
	if l == nil || !enabled(level) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Println(l.format(level, fmt.Sprintf(format, v...)))
}

// With returns a logger for a sub-component sharing the same output.
func (l *Logger) With(sub string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		runID:     l.runID,
		component: l.component + "." + sub,
		logger:    l.logger,
		logPath:   l.logPath,
	}
}

func (l *Logger) Debugf(format string, v ...interface{}) { l.write(LevelDebug, format, v...) }
func (l *Logger) Infof(format string, v ...interface{})  { l.write(LevelInfo, format, v...) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.write(LevelWarn, format, v...) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.write(LevelError, format, v...) }

// Printf logs at info level so the logger can stand in for *log.Logger.
func (l *Logger) Printf(format string, v ...interface{}) { l.write(LevelInfo, format, v...) }

// Writer returns the underlying output.
func (l *Logger) Writer() io.Writer {
	if l.file != nil {
		return l.file
	}
	return l.logger.Writer()
}

// RunID returns the identifier shared by all loggers of this process.
func (l *Logger) RunID() string {
	return l.runID
}

// LogPath returns the log file path, or "" when logging to stderr.
func (l *Logger) LogPath() string {
	return l.logPath
}

// Close closes the log file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}

// GetRunID returns the global run identifier.
func GetRunID() string {
	return getRunID()
}
