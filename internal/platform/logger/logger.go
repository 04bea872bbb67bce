package logger

import (
	"log/slog"
	"os"
)

// New returns the process-wide structured logger. Level defaults to info;
// set CONSENTD_LOG_LEVEL=debug to see not-found classification logs.
func New() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("CONSENTD_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
