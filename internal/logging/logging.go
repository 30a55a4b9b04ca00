// Package logging is the leveled logger used by the engine's control side.
// The processing thread never logs.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelOff:
		return "OFF"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel reads a level name as written in config files.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "off", "none":
		return LevelOff, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// MarshalText and UnmarshalText let levels appear by name in YAML and JSON.
func (l Level) MarshalText() ([]byte, error) { return []byte(strings.ToLower(l.String())), nil }

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// sink is shared by a logger and the loggers derived from it.
type sink struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
	now   func() time.Time
}

// Logger writes leveled lines of the form
// "15:04:05.000 LEVEL [prefix] message".
type Logger struct {
	s      *sink
	prefix string
}

// New creates a logger writing to out at LevelInfo.
func New(out io.Writer, prefix string) *Logger {
	return &Logger{s: &sink{out: out, level: LevelInfo, now: time.Now}, prefix: prefix}
}

var std = New(os.Stderr, "patchbay")

// Default returns the process logger used when none is configured.
func Default() *Logger { return std }

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l := New(io.Discard, "")
	l.SetLevel(LevelOff)
	return l
}

// With returns a logger sharing the output and level with a longer prefix.
func (l *Logger) With(prefix string) *Logger {
	if l.prefix != "" {
		prefix = l.prefix + "/" + prefix
	}
	return &Logger{s: l.s, prefix: prefix}
}

func (l *Logger) SetLevel(level Level) {
	l.s.mu.Lock()
	l.s.level = level
	l.s.mu.Unlock()
}

func (l *Logger) Level() Level {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.s.level
}

func (l *Logger) SetOutput(w io.Writer) {
	l.s.mu.Lock()
	l.s.out = w
	l.s.mu.Unlock()
}

// Enabled reports whether messages at level are written.
func (l *Logger) Enabled(level Level) bool {
	return level >= l.Level() && level < LevelOff
}

func (l *Logger) log(level Level, format string, args ...any) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if level < l.s.level || l.s.level == LevelOff {
		return
	}
	var b strings.Builder
	b.WriteString(l.s.now().Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(level.String())
	if l.prefix != "" {
		b.WriteString(" [")
		b.WriteString(l.prefix)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	fmt.Fprintf(&b, format, args...)
	if !strings.HasSuffix(b.String(), "\n") {
		b.WriteByte('\n')
	}
	io.WriteString(l.s.out, b.String())
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }
