package observability

import (
	"context"
	"log/slog"

	"soundspeed/internal/core"
)

// LogAuditRecorder writes audit entries to a dedicated logger.
type LogAuditRecorder struct {
	logger *slog.Logger
}

// NewLogAuditRecorder wraps logger; entries are logged at info under the
// "audit" group.
func NewLogAuditRecorder(logger *slog.Logger) *LogAuditRecorder {
	return &LogAuditRecorder{logger: logger.WithGroup("audit")}
}

// Record implements core.AuditRecorder.
func (r *LogAuditRecorder) Record(ctx context.Context, e core.AuditEntry) {
	level := slog.LevelInfo
	if e.Status == core.AuditStatusError {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "audit",
		"operation", e.Operation,
		"entity_id", e.EntityID,
		"status", string(e.Status),
		"error", e.Error,
		"duration", e.Duration,
		"occurred_at", e.OccurredAt,
	)
}
