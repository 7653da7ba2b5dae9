package obs

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
)

// LoggerOptions tunes NewLogger.
type LoggerOptions struct {
	Level slog.Level
	// File, when set, additionally receives every record as JSON.
	File string
}

// NewLogger configures slog logger with colorful dev output and JSON for
// production-like envs. The returned closer releases the log file, if any.
func NewLogger(env string, opts LoggerOptions) (*slog.Logger, func() error, error) {
	noop := func() error { return nil }
	console := consoleHandler(env, os.Stdout, opts.Level)
	if opts.File == "" {
		return slog.New(console), noop, nil
	}
	f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return slog.New(console), noop, fmt.Errorf("open log file %s: %w", opts.File, err)
	}
	return NewLoggerWithWriters(env, os.Stdout, f, opts.Level), f.Close, nil
}

// NewLoggerWithWriters fans records out to a console handler on stdout and a
// JSON handler on file.
func NewLoggerWithWriters(env string, stdout, file io.Writer, level slog.Level) *slog.Logger {
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(consoleHandler(env, stdout, level), fileHandler))
}

func consoleHandler(env string, w io.Writer, level slog.Level) slog.Handler {
	if env == "dev" || env == "local" {
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			AddSource:  true,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})
}
