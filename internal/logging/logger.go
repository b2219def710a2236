// Package logging provides structured logging for the go-nvmf project
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

// Logger wraps zerolog.Logger with subsystem, queue and command context.
// Queue workers log from the I/O path, so unless Config.Sync is set the
// output goes through a lock-free ring that drops instead of blocking.
type Logger struct {
	zlog zerolog.Logger
	nqn  string
	out  io.Closer
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // write on the calling goroutine (tests)
	NoColor bool

	// BufferSize is the number of messages the async ring holds (default 1000)
	BufferSize int
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     "text",
		Output:     os.Stderr,
		BufferSize: 1000,
	}
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	l := &Logger{}
	if !config.Sync {
		size := config.BufferSize
		if size <= 0 {
			size = 1000
		}
		dw := diode.NewWriter(out, size, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "logging: dropped %d messages\n", missed)
		})
		out = dw
		l.out = dw
	}

	if config.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, NoColor: config.NoColor, TimeFormat: time.StampMicro}
	}
	l.zlog = zerolog.New(out).With().Timestamp().Logger().Level(zerolog.Level(config.Level))
	return l
}

// Close flushes buffered output. Loggers derived with the With* methods
// share the buffer and must not be used afterwards.
func (l *Logger) Close() error {
	if l.out == nil {
		return nil
	}
	return l.out.Close()
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

func (l *Logger) with(zlog zerolog.Logger) *Logger {
	return &Logger{zlog: zlog, nqn: l.nqn, out: l.out}
}

// WithSubsystem returns a logger with subsystem context
func (l *Logger) WithSubsystem(nqn string) *Logger {
	child := l.with(l.zlog.With().Str("nqn", nqn).Logger())
	child.nqn = nqn
	return child
}

// WithQueue returns a logger with queue pair context
func (l *Logger) WithQueue(qid uint16) *Logger {
	return l.with(l.zlog.With().Uint16("qid", qid).Logger())
}

// WithRequest returns a logger with command context
func (l *Logger) WithRequest(cid uint16, opcode uint8) *Logger {
	return l.with(l.zlog.With().Uint16("cid", cid).Uint8("opc", opcode).Logger())
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return l.with(l.zlog.With().Err(err).Logger())
}

// DebugEnabled reports whether debug events are emitted. Hot paths check it
// before building key/value arguments.
func (l *Logger) DebugEnabled() bool {
	return l.zlog.GetLevel() <= zerolog.DebugLevel
}

// Subsystem returns the NQN attached with WithSubsystem, if any.
func (l *Logger) Subsystem() string {
	return l.nqn
}

// fields adds alternating key/value pairs to an event. Common NVMe field
// types get typed encoders; anything else is reflected.
func fields(e *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		switch v := args[i+1].(type) {
		case string:
			e = e.Str(key, v)
		case int:
			e = e.Int(key, v)
		case int64:
			e = e.Int64(key, v)
		case uint8:
			e = e.Uint8(key, v)
		case uint16:
			e = e.Uint16(key, v)
		case uint32:
			e = e.Uint32(key, v)
		case uint64:
			e = e.Uint64(key, v)
		case bool:
			e = e.Bool(key, v)
		case time.Duration:
			e = e.Dur(key, v)
		case error:
			e = e.AnErr(key, v)
		case fmt.Stringer:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}

func (l *Logger) Debug(msg string, args ...any) {
	if e := l.zlog.Debug(); e.Enabled() {
		fields(e, args).Msg(msg)
	}
}

func (l *Logger) Info(msg string, args ...any) {
	if e := l.zlog.Info(); e.Enabled() {
		fields(e, args).Msg(msg)
	}
}

func (l *Logger) Warn(msg string, args ...any) {
	if e := l.zlog.Warn(); e.Enabled() {
		fields(e, args).Msg(msg)
	}
}

func (l *Logger) Error(msg string, args ...any) {
	if e := l.zlog.Error(); e.Enabled() {
		fields(e, args).Msg(msg)
	}
}

// Printf and Debugf let a Logger serve as a queue runner's lifecycle logger
func (l *Logger) Printf(format string, args ...any) {
	l.zlog.Info().Msgf(format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	l.zlog.Debug().Msgf(format, args...)
}

// Convenience functions for global logger
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
