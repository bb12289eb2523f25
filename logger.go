package quiver

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with quiver-specific helpers so operations
// log consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler
// means a text handler to stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger emitting JSON lines to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger emitting human-readable text to
// stderr.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // unreachable level
	})
	return &Logger{Logger: slog.New(handler)}
}

// LogInsert logs an insert/upsert operation.
func (l *Logger) LogInsert(ctx context.Context, id uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed", "id", id, "error", err)
	} else {
		l.DebugContext(ctx, "insert completed", "id", id)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, id uint64, deleted bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed", "id", id, "error", err)
	} else {
		l.DebugContext(ctx, "delete completed", "id", id, "deleted", deleted)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, k, found int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed", "k", k, "error", err)
	} else {
		l.DebugContext(ctx, "search completed", "k", k, "results", found)
	}
}

// LogRecovery logs the open-time recovery summary.
func (l *Logger) LogRecovery(ctx context.Context, walEntries int, snapshotUsed, graphRebuilt bool) {
	l.InfoContext(ctx, "recovery completed",
		"wal_entries_replayed", walEntries,
		"payload_snapshot_used", snapshotUsed,
		"graph_rebuilt", graphRebuilt,
	)
}

// LogCheckpoint logs a checkpoint (flush) operation.
func (l *Logger) LogCheckpoint(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed", "error", err)
	} else {
		l.InfoContext(ctx, "checkpoint completed")
	}
}
