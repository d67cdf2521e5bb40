package relay

import (
	"io"
	"log/slog"
)

// discardLogger keeps test output quiet while exercising the logging paths.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
