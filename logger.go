package pvrender

import (
	"github.com/Yeicor/pvrender/internal/logging"
	"log/slog"
)

// SetLogger configures the logger for pvrender and all its sub-packages.
// By default nothing is logged. Pass nil to restore the silent default.
//
// Levels used:
//   - [slog.LevelDebug]: per-frame protocol steps (layout broadcast, mode decisions)
//   - [slog.LevelInfo]: lifecycle events (session roles, connections)
//   - [slog.LevelWarn]: ignored requests (duplicate window ids, unknown layout keys)
//   - [slog.LevelError]: failed collectives and transport errors
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}

// Logger returns the logger currently used by pvrender.
func Logger() *slog.Logger {
	return logging.Logger()
}
