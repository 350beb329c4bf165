package server

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vaultstream/vaultstream/internal/config"
)

// logLevel backs the handler so config reloads can retune verbosity
// without rebuilding the logger.
var logLevel = new(slog.LevelVar)

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// setupLogging configures the default slog logger: stdout always, plus an
// append-only file under the log dir when one is configured. Returns a
// closer for the log file.
func setupLogging(cfg config.LoggingConfig) (func() error, error) {
	logLevel.Set(parseLevel(cfg.Level))

	out := io.Writer(os.Stdout)
	closer := func() error { return nil }
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(filepath.Join(cfg.Dir, "vaultstream.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f.Close
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
	return closer, nil
}
