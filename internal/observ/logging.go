package observ

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Setup configures the package-level logger. Pretty output is for local
// development; the default is one JSON object per line.
func Setup(level string, pretty bool) {
	lvl := zerolog.InfoLevel
	switch level {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stdout
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}
	logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Logger returns the configured logger for callers that want the full
// zerolog API.
func Logger() zerolog.Logger {
	return logger
}

// Log emits one structured event with the given fields.
func Log(event string, kv map[string]any) {
	logger.Info().Fields(kv).Msg(event)
}

// Warn emits a warning-level event.
func Warn(event string, kv map[string]any) {
	logger.Warn().Fields(kv).Msg(event)
}

// Error emits an error-level event.
func Error(event string, err error, kv map[string]any) {
	logger.Error().Err(err).Fields(kv).Msg(event)
}
