// Package logging provides structured logging for the go-blkmq project
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with dispatch-specific structured fields
type Logger struct {
	zlog zerolog.Logger
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

// ParseLevel maps "debug", "info", "warn" and "error" to a LogLevel.
// Unknown names yield LevelInfo.
func ParseLevel(name string) LogLevel {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		return LevelInfo
	}
	return LogLevel(lvl)
}

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // If true, writes are synchronous (useful for testing)
	NoColor bool
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter decouples log formatting from the writer so runner goroutines
// never block on a slow terminal.
type asyncWriter struct {
	out    io.Writer
	ch     chan []byte
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func newAsyncWriter(w io.Writer, bufferSize int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (aw *asyncWriter) run() {
	defer close(aw.done)
	for msg := range aw.ch {
		aw.out.Write(msg)
	}
}

func (aw *asyncWriter) Write(p []byte) (n int, err error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}

	msg := make([]byte, len(p))
	copy(msg, p)

	// Drop on a full buffer rather than stall the caller
	select {
	case aw.ch <- msg:
	default:
	}
	return len(p), nil
}

func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.ch)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	if !config.Sync {
		output = newAsyncWriter(output, 1000)
	}

	var zlog zerolog.Logger
	switch config.Format {
	case "json":
		zlog = zerolog.New(output).With().Timestamp().Logger()
	default:
		consoleWriter := zerolog.ConsoleWriter{Out: output, NoColor: config.NoColor}
		zlog = zerolog.New(consoleWriter).With().Timestamp().Logger()
	}

	return &Logger{
		zlog: zlog.Level(zerolog.Level(config.Level)),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
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

// WithDisk returns a logger tagged with the disk name
func (l *Logger) WithDisk(name string) *Logger {
	return &Logger{
		zlog: l.zlog.With().Str("disk", name).Logger(),
	}
}

// WithHctx returns a logger tagged with a hardware context index
func (l *Logger) WithHctx(idx uint32) *Logger {
	return &Logger{
		zlog: l.zlog.With().Uint32("hctx", idx).Logger(),
	}
}

// WithRequest returns a logger with request context
func (l *Logger) WithRequest(tag int, op string) *Logger {
	return &Logger{
		zlog: l.zlog.With().Int("tag", tag).Str("op", op).Logger(),
	}
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		zlog: l.zlog.With().Err(err).Logger(),
	}
}

// fields attaches alternating key/value pairs to an event. A trailing key
// without a value is dropped.
func fields(event *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		if err, isErr := args[i+1].(error); isErr {
			event = event.AnErr(key, err)
			continue
		}
		event = event.Interface(key, args[i+1])
	}
	return event
}

func (l *Logger) Debug(msg string, args ...any) {
	fields(l.zlog.Debug(), args).Msg(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	fields(l.zlog.Info(), args).Msg(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	fields(l.zlog.Warn(), args).Msg(msg)
}

func (l *Logger) Error(msg string, args ...any) {
	fields(l.zlog.Error(), args).Msg(msg)
}

// Violation logs a broken dispatch contract at error level. Negative hctx or
// tag values mean the violation is not tied to one.
func (l *Logger) Violation(op string, hctx, tag int, err error) {
	event := l.zlog.Error().Str("op", op)
	if hctx >= 0 {
		event = event.Int("hctx", hctx)
	}
	if tag >= 0 {
		event = event.Int("tag", tag)
	}
	event.Err(err).Msg("dispatch contract violated")
}

// Printf-style logging for compatibility with the queue runner Logger interface
func (l *Logger) Printf(format string, args ...any) {
	l.zlog.Info().Msgf(format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	l.zlog.Debug().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.zlog.Error().Msgf(format, args...)
}
