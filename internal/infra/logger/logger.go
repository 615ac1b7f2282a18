package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
	LevelOff
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "OFF"
	}
}

// sink is shared by a logger and every prefixed child created from it.
type sink struct {
	mu            sync.Mutex
	out           *log.Logger
	closer        io.Closer
	stdout        io.Writer
	level         Level
	includeStdout bool
}

type Logger struct {
	sink   *sink
	prefix string
}

// New opens (or creates) the log file at filePath. An empty path logs to stderr.
func New(filePath string, level Level, includeStdout bool) (*Logger, error) {
	if filePath == "" {
		return NewWriter(os.Stderr, level, includeStdout), nil
	}

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	l := NewWriter(f, level, includeStdout)
	l.sink.closer = f
	return l, nil
}

// NewWriter logs to w.
func NewWriter(w io.Writer, level Level, includeStdout bool) *Logger {
	return &Logger{
		sink: &sink{
			out:           log.New(w, "", 0),
			stdout:        os.Stdout,
			level:         level,
			includeStdout: includeStdout,
		},
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWriter(io.Discard, LevelOff, false)
}

// With returns a child logger whose messages carry an extra prefix, e.g. "DT#0" or "C#1".
func (l *Logger) With(prefix string) *Logger {
	p := prefix
	if l.prefix != "" {
		p = l.prefix + " " + prefix
	}
	return &Logger{sink: l.sink, prefix: p}
}

// Enabled reports whether messages at lvl are written.
func (l *Logger) Enabled(lvl Level) bool {
	return lvl >= l.sink.level && l.sink.level != LevelOff
}

func (l *Logger) log(lvl Level, format string, v ...any) {
	if !l.Enabled(lvl) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := strings.TrimRight(fmt.Sprintf(format, v...), "\n")

	var fullMsg string
	if l.prefix != "" {
		fullMsg = fmt.Sprintf("%s [%s] %s: %s", timestamp, lvl, l.prefix, msg)
	} else {
		fullMsg = fmt.Sprintf("%s [%s] %s", timestamp, lvl, msg)
	}

	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	s.out.Println(fullMsg)

	// Debug and trace stay out of stdout so they don't break the progress output
	if s.includeStdout && lvl >= LevelInfo {
		fmt.Fprintf(s.stdout, "\n%s", fullMsg)
	}
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	case "off", "":
		return LevelOff
	default:
		return LevelInfo
	}
}

func (l *Logger) Trace(f string, v ...any) { l.log(LevelTrace, f, v...) }
func (l *Logger) Debug(f string, v ...any) { l.log(LevelDebug, f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.log(LevelInfo, f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.log(LevelWarn, f, v...) }
func (l *Logger) Error(f string, v ...any) { l.log(LevelError, f, v...) }
func (l *Logger) Fatal(f string, v ...any) { l.log(LevelFatal, f, v...); os.Exit(1) }

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.sink.closer != nil {
		return l.sink.closer.Close()
	}
	return nil
}

func (l *Logger) Write(p []byte) (n int, err error) {
	// Echo and other libraries often include a newline at the end
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}
