package logx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig

	// Out replaces os.Stderr for console output.
	Out io.Writer
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type Level = zerolog.Level

const consoleTimeFormat = "15:04:05.000"

var setGlobals sync.Once

func initGlobals() {
	setGlobals.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = time.RFC3339Nano
		zerolog.DurationFieldUnit = time.Millisecond
	})
}

// ParseLevel accepts trace, debug, info, warn (or warning), error and off.
// Empty means info.
func ParseLevel(s string) (Level, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	case "off", "none":
		return zerolog.Disabled, nil
	case "trace", "debug", "info", "warn", "error":
		return zerolog.ParseLevel(v)
	}
	return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
}

// Field mutates a zerolog event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Strs(k string, v []string) Field {
	return func(e *zerolog.Event) { e.Strs(k, v) }
}
func Float64(k string, v float64) Field {
	return func(e *zerolog.Event) { e.Float64(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger is a value type; the zero value discards everything and reports
// IsZero so constructors can substitute a default.
type Logger struct {
	zl     *zerolog.Logger
	fields []Field
}

func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{zl: &zl}
}

// NewWriter logs JSON lines to w. Meant for tests that assert on output.
func NewWriter(w io.Writer, level string) Logger {
	initGlobals()
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return Logger{zl: &zl}
}

func (l Logger) IsZero() bool { return l.zl == nil }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append([]Field(nil), l.fields...), fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields) }

func (l Logger) log(level zerolog.Level, msg string, fields []Field) {
	if l.zl == nil {
		return
	}
	e := l.zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

// Service owns the sinks opened by New.
type Service struct {
	mu   sync.Mutex
	file *os.File
}

// New builds the root logger. Console output is human-readable and goes to
// stderr so stdout stays clean for results; the file sink gets JSON lines.
// A file that cannot be opened is reported on the console and skipped.
func New(cfg Config) (*Service, Logger) {
	initGlobals()
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}

	s := &Service{}
	var (
		writers []io.Writer
		fileErr error
	)
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:          out,
			TimeFormat:   consoleTimeFormat,
			NoColor:      color.NoColor || out != os.Stderr,
			FormatCaller: func(i any) string {
				c, _ := i.(string)
				return c
			},
		})
	}
	if cfg.File.Enabled {
		if s.file, fileErr = openLogFile(cfg.File.Path); fileErr == nil {
			writers = append(writers, zerolog.SyncWriter(s.file))
		}
	}
	if len(writers) == 0 {
		return s, Nop()
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	log := Logger{zl: &zl}
	if fileErr != nil {
		log.Warn("log file disabled", Err(fileErr))
	}
	return s, log
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("logging.file.path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}
