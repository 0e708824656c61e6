package logger

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Level represents log severity
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
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string level to Level
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
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

type entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Service   string         `json:"service,omitempty"`
	AccountID string         `json:"account_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	File      string         `json:"file,omitempty"`
	Line      int            `json:"line,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger writes one JSON object per line. Services log through it with a
// "[Type.Method] message" prefix.
type Logger struct {
	mu      *sync.Mutex
	level   Level
	output  io.Writer
	service string
	fields  map[string]any
}

// Config for logger
type Config struct {
	Level   Level
	Output  io.Writer
	Service string
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the default logger
func Init(cfg Config) {
	once.Do(func() {
		defaultLogger = New(cfg)
	})
}

// Default returns the default logger
func Default() *Logger {
	if defaultLogger == nil {
		Init(Config{Level: LevelInfo, Service: "mailsync"})
	}
	return defaultLogger
}

// New creates a new logger instance
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	return &Logger{
		mu:      &sync.Mutex{},
		level:   cfg.Level,
		output:  cfg.Output,
		service: cfg.Service,
		fields:  map[string]any{},
	}
}

// WithField returns a child logger carrying an extra field
func (l *Logger) WithField(key string, value any) *Logger {
	return l.WithFields(map[string]any{key: value})
}

// WithFields returns a child logger carrying extra fields
func (l *Logger) WithFields(fields map[string]any) *Logger {
	child := &Logger{
		mu:      l.mu,
		level:   l.level,
		output:  l.output,
		service: l.service,
		fields:  make(map[string]any, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	for k, v := range fields {
		child.fields[k] = v
	}
	return child
}

// WithAccount tags every line with the account being synced
func (l *Logger) WithAccount(accountID fmt.Stringer) *Logger {
	return l.WithField("account_id", accountID.String())
}

// WithError adds error information
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) log(level Level, msg string, args ...any) {
	if level < l.level {
		return
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   fmt.Sprintf(msg, args...),
		Service:   l.service,
	}

	fields := make(map[string]any, len(l.fields))
	for k, v := range l.fields {
		switch k {
		case "account_id":
			e.AccountID, _ = v.(string)
		case "error":
			e.Error, _ = v.(string)
		default:
			fields[k] = v
		}
	}
	if len(fields) > 0 {
		e.Fields = fields
	}

	if level >= LevelError {
		if _, file, line, ok := runtime.Caller(2); ok {
			e.File = file
			e.Line = line
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"level":"ERROR","message":"failed to marshal log entry: %s"}`, err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write(append(data, '\n'))
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

// Fatal logs at error level and exits.
func (l *Logger) Fatal(msg string, args ...any) {
	l.log(LevelError, msg, args...)
	os.Exit(1)
}

// Package-level functions using default logger
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
func Fatal(msg string, args ...any) { Default().Fatal(msg, args...) }

func WithField(key string, value any) *Logger  { return Default().WithField(key, value) }
func WithFields(fields map[string]any) *Logger { return Default().WithFields(fields) }
func WithError(err error) *Logger              { return Default().WithError(err) }
func WithAccount(id fmt.Stringer) *Logger      { return Default().WithAccount(id) }

// Component returns a zerolog logger for long-running adapters
// (stream consumer, worker pool, scheduler, SSE hub).
func Component(name string) zerolog.Logger {
	return zerolog.New(componentWriter()).With().
		Timestamp().
		Str("component", name).
		Logger()
}

var (
	writerOnce sync.Once
	writer     io.Writer
)

func componentWriter() io.Writer {
	writerOnce.Do(func() {
		if strings.EqualFold(os.Getenv("ENV"), "production") {
			writer = os.Stdout
			return
		}
		writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	})
	return writer
}
