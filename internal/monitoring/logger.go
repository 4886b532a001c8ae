package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel is the minimum severity the logger emits.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat selects the output encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // machine-readable, one JSON object per line
	LogFormatPretty LogFormat = "pretty" // human-readable for local development
)

// LoggerConfig holds logger construction options.
type LoggerConfig struct {
	Level  LogLevel
	Format LogFormat
	Output io.Writer // defaults to os.Stdout
}

// NewLogger builds the service logger. Every event carries a timestamp,
// the calling site and a service field so log lines from several
// processes can be separated downstream.
func NewLogger(config LoggerConfig) zerolog.Logger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	var level zerolog.Level
	switch config.Level {
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelInfo:
		level = zerolog.InfoLevel
	case LogLevelWarn:
		level = zerolog.WarnLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	case LogLevelFatal:
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "kraken").
		Logger()
}

// LogError logs an error with optional context fields.
//
// Example:
//
//	LogError(logger, err, "Failed to write response", map[string]any{
//	    "client": q.Name(),
//	})
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic recovers a goroutine panic and logs it with a full stack
// trace instead of letting it take down the process. Register it as the
// first defer of every goroutine whose crash must stay contained:
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "drain-loop", map[string]any{"client": name})
//	    // ... goroutine work ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
	}
}
