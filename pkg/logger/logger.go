package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Level represents the severity level of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	NoticeLevel
	ErrorLevel
)

// ParseLevel maps a LOG_LEVEL value to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "notice":
		return NoticeLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// Kind prefixes are keyed by intent kind name
var kindPrefixes = map[string]string{
	"":      "",
	"SWAP":  "[SWAP]  ",
	"LPADD": "[LPADD] ",
	"LPREM": "[LPREM] ",
}

var colors = map[string]color.Attribute{
	"":      color.FgWhite,
	"SWAP":  color.FgHiGreen,
	"LPADD": color.FgHiBlue,
	"LPREM": color.FgMagenta,
}

// Logger is a simple interface for logging messages.
type Logger interface {
	// Info logs an informational message.
	Info(format string, args ...interface{})
	InfoWithKind(kind string, format string, args ...interface{})

	// Error logs an error message.
	Error(format string, args ...interface{})
	ErrorWithKind(kind string, format string, args ...interface{})

	// Debug logs a debug message.
	Debug(format string, args ...interface{})
	DebugWithKind(kind string, format string, args ...interface{})

	// Notice logs a notice message.
	Notice(format string, args ...interface{})
	NoticeWithKind(kind string, format string, args ...interface{})
}

// EmptyLogger is a simple implementation of the Logger interface that does nothing.
type EmptyLogger struct{}

var _ Logger = (*EmptyLogger)(nil)

func (l *EmptyLogger) Info(_ string, _ ...interface{})                     {}
func (l *EmptyLogger) InfoWithKind(_ string, _ string, _ ...interface{})   {}
func (l *EmptyLogger) Error(_ string, _ ...interface{})                    {}
func (l *EmptyLogger) ErrorWithKind(_ string, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Debug(_ string, _ ...interface{})                    {}
func (l *EmptyLogger) DebugWithKind(_ string, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Notice(_ string, _ ...interface{})                   {}
func (l *EmptyLogger) NoticeWithKind(_ string, _ string, _ ...interface{}) {}

// StdLogger is a standard implementation of the Logger interface that logs messages to the console.
type StdLogger struct {
	enableColoring bool
	level          Level
	out            *log.Logger
	mu             sync.Mutex
}

var _ Logger = (*StdLogger)(nil)

func NewStdLogger(enableColoring bool, level Level) *StdLogger {
	return &StdLogger{
		enableColoring: enableColoring,
		level:          level,
		out:            log.Default(),
	}
}

// NewStdLoggerTo writes to a custom *log.Logger instead of the default one
func NewStdLoggerTo(out *log.Logger, enableColoring bool, level Level) *StdLogger {
	l := NewStdLogger(enableColoring, level)
	l.out = out
	return l
}

// formatMessage formats the log message with the appropriate log level, kind prefix, and coloring if enabled.
func (l *StdLogger) formatMessage(level Level, kind string, format string) string {
	kindPrefix, ok := kindPrefixes[kind]
	if !ok {
		kindPrefix = "[" + kind + "] "
	}
	if l.enableColoring && kindPrefix != "" {
		attr, ok := colors[kind]
		if !ok {
			attr = color.FgWhite
		}
		kindPrefix = color.New(attr).Sprint(kindPrefix)
	}

	var levelStr string
	switch level {
	case DebugLevel:
		levelStr = "[DEBUG]  "
	case InfoLevel:
		levelStr = "[INFO]   "
	case NoticeLevel:
		levelStr = "[NOTICE] "
	case ErrorLevel:
		levelStr = "[ERROR]  "
	}

	return levelStr + kindPrefix + format
}

func (l *StdLogger) logf(level Level, kind string, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= level {
		l.out.Printf(l.formatMessage(level, kind, format), args...)
	}
}

func (l *StdLogger) Info(format string, args ...interface{}) {
	l.logf(InfoLevel, "", format, args...)
}

func (l *StdLogger) InfoWithKind(kind string, format string, args ...interface{}) {
	l.logf(InfoLevel, kind, format, args...)
}

func (l *StdLogger) Error(format string, args ...interface{}) {
	l.logf(ErrorLevel, "", format, args...)
}

func (l *StdLogger) ErrorWithKind(kind string, format string, args ...interface{}) {
	l.logf(ErrorLevel, kind, format, args...)
}

func (l *StdLogger) Debug(format string, args ...interface{}) {
	l.logf(DebugLevel, "", format, args...)
}

func (l *StdLogger) DebugWithKind(kind string, format string, args ...interface{}) {
	l.logf(DebugLevel, kind, format, args...)
}

func (l *StdLogger) Notice(format string, args ...interface{}) {
	l.logf(NoticeLevel, "", format, args...)
}

func (l *StdLogger) NoticeWithKind(kind string, format string, args ...interface{}) {
	l.logf(NoticeLevel, kind, format, args...)
}
