package cli

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/rs/zerolog"

	"github.com/tetherws/tether/pkg/config"
	"github.com/tetherws/tether/pkg/logger"
)

// newLogger builds the logger selected by cfg.Logging. The returned func
// releases the log file, if any.
func newLogger(cfg *config.Config, debug bool, stderr io.Writer) (logger.Logger, func(), error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	if debug {
		level = slog.LevelDebug
	}

	switch cfg.Logging.Format {
	case "zerolog":
		zlevel := zerologLevel(level)
		if cfg.Logging.File == "" {
			return logger.ZerologToWriter(stderr, zlevel), func() {}, nil
		}
		h, err := logger.ZerologToFile(cfg.Logging.File, zlevel)
		if err != nil {
			return nil, nil, err
		}
		return h, func() { _ = h.Close() }, nil
	case "json":
		w, closeFn, err := logOutput(cfg.Logging.File, stderr)
		if err != nil {
			return nil, nil, err
		}
		return logger.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), closeFn, nil
	default:
		w, closeFn, err := logOutput(cfg.Logging.File, stderr)
		if err != nil {
			return nil, nil, err
		}
		h := tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.Logging.File != "",
		})
		slog.SetDefault(slog.New(h))
		return logger.New(h), closeFn, nil
	}
}

func logOutput(path string, fallback io.Writer) (io.Writer, func(), error) {
	if path == "" {
		return fallback, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func zerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level <= slog.LevelDebug:
		return zerolog.DebugLevel
	case level <= slog.LevelInfo:
		return zerolog.InfoLevel
	case level <= slog.LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
