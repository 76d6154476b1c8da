package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Global logger instance.
var L *Logger

func init() {
	L = &Logger{zlog: newZerolog(os.Stderr)}
}

func newZerolog(out io.Writer) *zerolog.Logger {
	zlogger := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = out
		w.NoColor = true
		w.FormatCaller = formatCaller
	})).With().
		CallerWithSkipFrameCount(3).
		Timestamp().
		Logger()
	return &zlogger
}

func formatCaller(i any) string {
	var c string
	if cc, ok := i.(string); ok {
		c = cc
	}
	if c == "" {
		return ""
	}

	parts := strings.Split(c, "/")
	if len(parts) >= 2 {
		return fmt.Sprintf("%s/%s", parts[len(parts)-2], parts[len(parts)-1])
	}
	return filepath.Base(c)
}

// FileOptions configures rotating file output.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// SetOutput replaces the writer behind the global logger.
func (l *Logger) SetOutput(out io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	level := l.zlog.GetLevel()
	zl := newZerolog(out).Level(level)
	l.zlog = &zl
}

// SetFileOutput sends logs to stderr and to a rotated file.
func (l *Logger) SetFileOutput(opts FileOptions) error {
	if opts.Path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	l.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return nil
}

// SetLevel accepts zerolog level names; unknown names fall back to info.
func (l *Logger) SetLevel(name string) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	zl := l.zlog.Level(level)
	l.zlog = &zl
}

func (l *Logger) newEntry(level string, err error) *LogEntry {
	return &LogEntry{
		Level:  level,
		Err:    err,
		Fields: make(map[string]any),
		logger: l,
	}
}

// Error creates a new error-level LogEntry.
func (l *Logger) Error(err error) *LogEntry { return l.newEntry("error", err) }

// Warn creates a new warning-level LogEntry.
func (l *Logger) Warn() *LogEntry { return l.newEntry("warn", nil) }

// Info creates a new info-level LogEntry.
func (l *Logger) Info() *LogEntry { return l.newEntry("info", nil) }

// Debug creates a new debug-level LogEntry.
func (l *Logger) Debug() *LogEntry { return l.newEntry("debug", nil) }

// WithMessage sets the log message.
func (e *LogEntry) WithMessage(msg string) *LogEntry {
	e.Message = msg
	return e
}

func (e *LogEntry) WithWorkflow(name string) *LogEntry {
	e.Workflow = name
	return e
}

func (e *LogEntry) WithRun(id string) *LogEntry {
	e.RunID = id
	return e
}

// WithField adds one key-value pair to the LogEntry.
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	e.Fields[key] = value
	return e
}

func (e *LogEntry) Write() {
	e.logger.mu.RLock()
	defer e.logger.mu.RUnlock()

	if e.Workflow != "" {
		e.Fields["workflow"] = e.Workflow
	}
	if e.RunID != "" {
		e.Fields["run"] = e.RunID
	}

	switch e.Level {
	case "debug":
		e.logger.zlog.Debug().Fields(e.Fields).Msg(e.Message)
	case "warn":
		e.logger.zlog.Warn().Fields(e.Fields).Msg(e.Message)
	case "error":
		e.logger.zlog.Error().Err(e.Err).Fields(e.Fields).Msg(e.Message)
	default:
		e.logger.zlog.Info().Fields(e.Fields).Msg(e.Message)
	}
}
