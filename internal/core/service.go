// Package core is the session object tying the engine together: ingestion
// into the store and raw archive, selection, correction, export and the
// profile lifecycle. All state hangs off a Service; there are no package
// level singletons.
package core

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"soundspeed/internal/adapters/batch"
	"soundspeed/internal/blob"
	"soundspeed/internal/climatology"
	"soundspeed/internal/correction"
	"soundspeed/internal/infra/persistence/memory"
	"soundspeed/internal/parser"
	"soundspeed/pkg/domain"
)

const (
	opIngest    = "ingest"
	opGet       = "get"
	opSelect    = "select"
	opCorrect   = "correct"
	opExport    = "export"
	opRequalify = "requalify"
	opRetire    = "retire"
)

// Service exposes the engine's operations over one profile store.
type Service struct {
	store       domain.ProfileStore
	archive     *blob.Archive
	bank        *parser.Bank
	engine      *correction.Engine
	climatology *climatology.Provider
	worker      *batch.Worker
	ownsWorker  bool
	thresholds  domain.Thresholds
	selection   SelectionDefaults

	clock   Clock
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	audit   AuditRecorder

	unsubscribe func()
	closeOnce   sync.Once
}

// NewService constructs a service backed by the supplied store. Corrections
// cached by the engine are invalidated whenever the store reports a status
// change.
func NewService(store domain.ProfileStore, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("core: nil profile store")
	}
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &Service{
		store:       store,
		archive:     o.archive,
		bank:        o.bank,
		engine:      o.engine,
		climatology: o.climatology,
		worker:      o.worker,
		thresholds:  o.thresholds,
		selection:   o.selection,
		clock:       o.clock,
		logger:      o.logger,
		metrics:     o.metrics,
		tracer:      o.tracer,
		audit:       o.audit,
	}
	if s.archive == nil {
		s.archive = blob.NewArchive(blob.NewMemory())
	}
	if s.bank == nil {
		s.bank = parser.NewBank()
	}
	if s.engine == nil {
		engine, err := correction.NewEngine(correction.WithClock(s.clock.Now))
		if err != nil {
			return nil, err
		}
		s.engine = engine
	}
	if s.worker == nil {
		s.worker = batch.NewWorker()
		s.ownsWorker = true
	}
	s.worker.Start()
	s.unsubscribe = store.Subscribe(s.onStatusChange)
	return s, nil
}

// NewInMemoryService creates a service over a fresh in-memory store and
// archive.
func NewInMemoryService(opts ...Option) (*Service, error) {
	return NewService(memory.New(), opts...)
}

// Store returns the underlying profile store.
func (s *Service) Store() domain.ProfileStore { return s.store }

// Engine returns the correction engine.
func (s *Service) Engine() *correction.Engine { return s.engine }

// Archive returns the raw archive.
func (s *Service) Archive() *blob.Archive { return s.archive }

// Worker returns the batch pool.
func (s *Service) Worker() *batch.Worker { return s.worker }

// Thresholds returns the QC thresholds applied at ingestion.
func (s *Service) Thresholds() domain.Thresholds { return s.thresholds }

func (s *Service) onStatusChange(change domain.StatusChange) {
	if change.Previous == "" {
		return
	}
	if err := s.engine.Invalidate(context.Background(), change.ID); err != nil {
		s.logger.Warn("invalidate corrections", "id", change.ID, "error", err)
	}
	s.logger.Info("profile status changed", "id", change.ID, "from", change.Previous, "to", change.Current, "reason", change.Reason)
}

// Get returns a stored profile.
func (s *Service) Get(ctx context.Context, id string) (domain.Profile, error) {
	var out domain.Profile
	err := s.run(ctx, opGet, func(ctx context.Context) (string, error) {
		p, err := s.store.Get(ctx, id)
		out = p
		return id, err
	})
	return out, err
}

// Query streams stored profiles matching q.
func (s *Service) Query(ctx context.Context, q domain.Query) iter.Seq2[domain.Profile, error] {
	return s.store.Query(ctx, q)
}

// Retire archives a profile; its cached corrections are dropped.
func (s *Service) Retire(ctx context.Context, id, reason string) (domain.StatusChange, error) {
	var change domain.StatusChange
	err := s.run(ctx, opRetire, func(ctx context.Context) (string, error) {
		c, err := s.store.Retire(ctx, id, reason)
		change = c
		return id, err
	})
	return change, err
}

// RetireBefore retires every live profile acquired before cutoff and reports
// how many were retired. Climatology and synthetic records are kept.
func (s *Service) RetireBefore(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	q := domain.Query{
		To:       cutoff,
		Sources:  []domain.SourceType{domain.SourceCTD, domain.SourceXBT, domain.SourceSurface},
		Statuses: []domain.QCStatus{domain.StatusPending, domain.StatusPassed, domain.StatusFailed},
	}
	var ids []string
	for p, err := range s.store.Query(ctx, q) {
		if err != nil {
			return 0, err
		}
		if p.Timestamp.Before(cutoff) {
			ids = append(ids, p.ID)
		}
	}
	n := 0
	for _, id := range ids {
		if _, err := s.Retire(ctx, id, reason); err != nil {
			if errors.Is(err, domain.ErrRetired) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Close stops the service's batch pool and closes the store.
func (s *Service) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.unsubscribe()
		if s.ownsWorker {
			err = s.worker.Stop(ctx)
		}
		if cerr := s.store.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close store: %w", cerr))
		}
	})
	return err
}
