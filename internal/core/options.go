package core

import (
	"time"

	"soundspeed/internal/adapters/batch"
	"soundspeed/internal/blob"
	"soundspeed/internal/climatology"
	"soundspeed/internal/correction"
	"soundspeed/internal/parser"
	"soundspeed/pkg/domain"
)

// SelectionDefaults fill in criteria a caller leaves at zero.
type SelectionDefaults struct {
	MaxDistance   float64
	MaxTimeOffset time.Duration
	Preference    []domain.SourceType
}

// DefaultSelection is a 10 km, 12 hour window.
func DefaultSelection() SelectionDefaults {
	return SelectionDefaults{MaxDistance: 10_000, MaxTimeOffset: 12 * time.Hour}
}

type serviceOptions struct {
	clock       Clock
	logger      Logger
	metrics     MetricsRecorder
	tracer      Tracer
	audit       AuditRecorder
	thresholds  domain.Thresholds
	selection   SelectionDefaults
	archive     *blob.Archive
	bank        *parser.Bank
	engine      *correction.Engine
	climatology *climatology.Provider
	worker      *batch.Worker
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock:      ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger:     NoopLogger{},
		metrics:    noopMetricsRecorder{},
		tracer:     noopTracer{},
		audit:      noopAuditRecorder{},
		thresholds: domain.DefaultThresholds(),
		selection:  DefaultSelection(),
	}
}

// Option customises a Service.
type Option func(*serviceOptions)

// WithClock overrides the clock.
func WithClock(c Clock) Option {
	return func(o *serviceOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(o *serviceOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetricsRecorder sets the operation metrics sink.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *serviceOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(o *serviceOptions) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithAuditRecorder sets the audit sink.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(o *serviceOptions) {
		if a != nil {
			o.audit = a
		}
	}
}

// WithThresholds sets the QC thresholds applied at ingestion.
func WithThresholds(t domain.Thresholds) Option {
	return func(o *serviceOptions) { o.thresholds = t }
}

// WithSelectionDefaults sets the fallback selection window.
func WithSelectionDefaults(d SelectionDefaults) Option {
	return func(o *serviceOptions) { o.selection = d }
}

// WithArchive sets the raw archive. The default keeps raw bytes in memory.
func WithArchive(a *blob.Archive) Option {
	return func(o *serviceOptions) { o.archive = a }
}

// WithParser sets the parser bank.
func WithParser(b *parser.Bank) Option {
	return func(o *serviceOptions) { o.bank = b }
}

// WithEngine sets the correction engine.
func WithEngine(e *correction.Engine) Option {
	return func(o *serviceOptions) { o.engine = e }
}

// WithClimatology enables the fallback used when selection finds nothing.
func WithClimatology(p *climatology.Provider) Option {
	return func(o *serviceOptions) { o.climatology = p }
}

// WithBatchWorker sets the pool bulk jobs run on.
func WithBatchWorker(w *batch.Worker) Option {
	return func(o *serviceOptions) { o.worker = w }
}
