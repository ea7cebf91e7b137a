// Package log is a small leveled logger in the style of go-ethereum's own
// log package: Info/Warn/Error/Crit take a message followed by alternating
// key/value pairs (mirroring the teacher's cmd/faucet idiom of
// log.Crit("Failed to start faucet", "err", err)). Crit logs and then exits
// the process, matching the teacher's use of Crit for unrecoverable startup
// failures.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level int

const (
	LevelCrit Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelCrit:
		return "CRIT"
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

var levelColor = map[Level]*color.Color{
	LevelCrit:  color.New(color.FgRed, color.Bold),
	LevelError: color.New(color.FgRed),
	LevelWarn:  color.New(color.FgYellow),
	LevelInfo:  color.New(color.FgGreen),
	LevelDebug: color.New(color.FgCyan),
}

// Logger writes leveled, key-value formatted lines to an output stream.
// Build one with New or NewRotating; a zero Logger has no output stream.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	level  Level
	color  bool
	ctx    []interface{}
}

var std = New(LevelInfo, os.Stderr, isatty.IsTerminal(os.Stderr.Fd()))

// New builds a Logger writing to out at the given level. If useColor is
// set, level names are colorized the way go-ethereum's terminal handler
// colors its own log levels; New does not check out for ANSI support (the
// package default logger decides useColor with go-isatty).
func New(level Level, out io.Writer, useColor bool) *Logger {
	return &Logger{out: out, level: level, color: useColor}
}

// NewRotating returns a Logger that writes to a size- and age-rotated file,
// the same lumberjack-backed approach geth operators commonly layer in
// front of the stdlib log package for long-running daemons.
func NewRotating(level Level, path string, maxSizeMB, maxAgeDays, maxBackups int) *Logger {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxAge:     maxAgeDays,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	return New(level, w, false)
}

// SetDefault installs l as the package-level logger used by the free
// functions below (Info, Warn, ...).
func SetDefault(l *Logger) { std = l }

// With returns a derived Logger that prepends the given key/value pairs to
// every line it emits, used to scope a logger to one connection via a
// correlation id.
func (l *Logger) With(kv ...interface{}) *Logger {
	nl := &Logger{out: l.out, level: l.level, color: l.color}
	nl.ctx = append(append([]interface{}{}, l.ctx...), kv...)
	return nl
}

func (l *Logger) log(lvl Level, msg string, kv ...interface{}) {
	if lvl > l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	tag := lvl.String()
	if l.color {
		tag = levelColor[lvl].Sprint(tag)
	}
	fmt.Fprintf(&b, "%s[%s] %s", tag, ts, msg)
	all := append(append([]interface{}{}, l.ctx...), kv...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(&b, " %v=%v", all[i], all[i+1])
	}
	b.WriteByte('\n')
	io.WriteString(l.out, b.String())
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(LevelDebug, msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(LevelInfo, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(LevelWarn, msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(LevelError, msg, kv...) }

// Crit logs at LevelCrit and terminates the process, mirroring geth's
// log.Crit used throughout cmd/faucet for unrecoverable startup errors.
func (l *Logger) Crit(msg string, kv ...interface{}) {
	l.log(LevelCrit, msg, kv...)
	os.Exit(1)
}

func Debug(msg string, kv ...interface{}) { std.Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { std.Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { std.Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { std.Error(msg, kv...) }
func Crit(msg string, kv ...interface{})  { std.Crit(msg, kv...) }
func With(kv ...interface{}) *Logger      { return std.With(kv...) }

// ColorableStderr returns a Windows-capable ANSI writer wrapping os.Stderr,
// matching go-ethereum's use of mattn/go-colorable so that colorized output
// degrades gracefully on non-ANSI terminals.
func ColorableStderr() io.Writer { return colorable.NewColorableStderr() }
