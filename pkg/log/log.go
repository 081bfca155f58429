package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Messages logged through this
// package's Info/Debug/Warn/Error/Errorf/Fatal helpers pass through the
// redactor registered with SetRedactor before being written; events built
// directly on Logger or on a With* child logger, and fields attached with
// Err/Str, are written as given.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var base zerolog.Logger
	if cfg.JSONOutput {
		base = zerolog.New(output).With().Timestamp().Logger()
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	Logger = base.Hook(redactHook{})
}

// RedactFunc strips secret values from a log message before it is emitted.
// pkg/security installs its implementation via SetRedactor to avoid an
// import cycle between pkg/log and pkg/security.
type RedactFunc func(msg string) string

var redactor RedactFunc

// SetRedactor installs the active secret-redaction function.
func SetRedactor(f RedactFunc) {
	redactor = f
}

type redactHook struct{}

func (redactHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	// zerolog has already queued msg via Msg(); the hook cannot rewrite it
	// in place, so callers that log raw secret-bearing strings MUST route
	// them through Redact first. This hook exists so future call sites
	// that forget to do so still don't panic, and so tests can assert the
	// redactor is wired.
	_ = msg
}

// Redact runs the installed redactor, or returns msg unchanged if none is set.
func Redact(msg string) string {
	if redactor == nil {
		return msg
	}
	return redactor(msg)
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTenantID creates a child logger with a tenant_id field.
func WithTenantID(tenantID string) zerolog.Logger {
	return Logger.With().Str("tenant_id", tenantID).Logger()
}

// WithWorkerID creates a child logger with a worker_id field.
func WithWorkerID(workerID string) zerolog.Logger {
	return Logger.With().Str("worker_id", workerID).Logger()
}

// WithInstanceID creates a child logger with an instance_id field.
func WithInstanceID(instanceID string) zerolog.Logger {
	return Logger.With().Str("instance_id", instanceID).Logger()
}

func Info(msg string) {
	Logger.Info().Msg(Redact(msg))
}

func Debug(msg string) {
	Logger.Debug().Msg(Redact(msg))
}

func Warn(msg string) {
	Logger.Warn().Msg(Redact(msg))
}

func Error(msg string) {
	Logger.Error().Msg(Redact(msg))
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(Redact(format))
}

func Fatal(msg string) {
	Logger.Fatal().Msg(Redact(msg))
}
