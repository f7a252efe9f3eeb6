package core

import (
	"context"
	"time"
)

// Logger is the structured logging contract used by the service. It matches
// the method set of *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NoopLogger discards everything. It is the default logger of the service
// and its adapters.
type NoopLogger struct{}

func (NoopLogger) Debug(string, ...any) {}
func (NoopLogger) Info(string, ...any)  {}
func (NoopLogger) Warn(string, ...any)  {}
func (NoopLogger) Error(string, ...any) {}

// Clock supplies the service's notion of now.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// MetricsRecorder observes the outcome and latency of service operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

// TraceSpan is ended exactly once with the operation's error.
type TraceSpan interface {
	End(err error)
}

// Tracer opens a span per service operation.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// AuditStatus is the outcome recorded in the audit trail.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry records one state-changing operation.
type AuditEntry struct {
	Operation  string        `json:"operation"`
	EntityID   string        `json:"entity_id,omitempty"`
	Status     AuditStatus   `json:"status"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// AuditRecorder receives audit entries for mutating operations.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

// audited lists the operations that change stored state.
var audited = map[string]bool{
	opIngest:    true,
	opRequalify: true,
	opRetire:    true,
}

// run wraps an operation with tracing, metrics, logging and, for mutating
// operations, auditing. fn returns the id of the entity it acted on.
func (s *Service) run(ctx context.Context, op string, fn func(context.Context) (string, error)) error {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, op)
	entityID, err := fn(ctx)
	span.End(err)
	dur := s.clock.Now().Sub(start)
	s.metrics.Observe(ctx, op, err == nil, dur)
	if err != nil {
		s.logger.Warn("operation failed", "operation", op, "id", entityID, "error", err)
	} else {
		s.logger.Debug("operation completed", "operation", op, "id", entityID, "duration", dur)
	}
	if audited[op] {
		entry := AuditEntry{Operation: op, EntityID: entityID, Status: AuditStatusSuccess, Duration: dur, OccurredAt: s.clock.Now()}
		if err != nil {
			entry.Status = AuditStatusError
			entry.Error = err.Error()
		}
		s.audit.Record(ctx, entry)
	}
	return err
}
