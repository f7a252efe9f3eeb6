// Package correction turns a validated profile and a sensing geometry into a
// depth or travel-time correction by ray tracing through the speed layers.
// Results are cached per (profile, revision, geometry, scheme) and shared
// between callers; a profile's cached corrections are dropped when its QC
// status changes.
package correction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"soundspeed/pkg/domain"
)

// DefaultCacheEntries bounds the in-process cache.
const DefaultCacheEntries = 4096

// Option configures an Engine.
type Option func(*Engine)

// WithScheme sets the scheme used by Compute.
func WithScheme(s domain.Scheme) Option {
	return func(e *Engine) {
		if s.Valid() {
			e.scheme = s
		}
	}
}

// WithCacheEntries overrides the cache size.
func WithCacheEntries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.cacheEntries = n
		}
	}
}

// WithTier adds a shared second-level cache.
func WithTier(t Tier) Option {
	return func(e *Engine) { e.tier = t }
}

// WithMetrics attaches Prometheus counters.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger receives shared cache faults. The in-process result is still
// served when the shared tier fails.
func WithLogger(l Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time stamped on corrections.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Logger is the subset of the service logger the engine reports to.
type Logger interface {
	Warn(msg string, args ...any)
}

type entry struct {
	c   *domain.Correction
	gen uint64
}

// Engine computes and caches corrections. It is safe for concurrent use.
type Engine struct {
	scheme       domain.Scheme
	cacheEntries int
	tier         Tier
	metrics      *Metrics
	logger       Logger
	now          func() time.Time

	cache *lru.Cache[string, entry]
	group singleflight.Group

	genMu sync.Mutex
	gens  map[string]uint64

	computations atomic.Int64
}

// NewEngine constructs an engine. The default scheme is constant_layer.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		scheme:       domain.SchemeConstantLayer,
		cacheEntries: DefaultCacheEntries,
		logger:       slog.New(slog.DiscardHandler),
		now:          func() time.Time { return time.Now().UTC() },
		gens:         make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}
	cache, err := lru.New[string, entry](e.cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("correction cache: %w", err)
	}
	e.cache = cache
	return e, nil
}

// Scheme returns the default scheme.
func (e *Engine) Scheme() domain.Scheme { return e.scheme }

// Computations reports how many corrections were actually traced.
func (e *Engine) Computations() int64 { return e.computations.Load() }

// CacheLen reports the number of in-process cache entries.
func (e *Engine) CacheLen() int { return e.cache.Len() }

// Key is the cache identity of a correction.
func Key(p domain.Profile, g domain.Geometry, s domain.Scheme) string {
	return strings.Join([]string{p.ID, p.Revision, g.Signature(), string(s)}, "|")
}

func (e *Engine) generation(id string) uint64 {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	return e.gens[id]
}

// Invalidate drops every cached correction of the profile. A computation
// already in flight still answers its callers but is not cached.
func (e *Engine) Invalidate(ctx context.Context, id string) error {
	e.genMu.Lock()
	e.gens[id]++
	e.genMu.Unlock()
	prefix := id + "|"
	for _, key := range e.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			e.cache.Remove(key)
		}
	}
	e.metrics.invalidated()
	if e.tier != nil {
		if err := e.tier.Invalidate(ctx, id); err != nil {
			return fmt.Errorf("invalidate shared cache: %w", err)
		}
	}
	return nil
}

// Compute returns the correction for p and g under the default scheme.
func (e *Engine) Compute(ctx context.Context, p domain.Profile, g domain.Geometry) (*domain.Correction, error) {
	return e.ComputeWith(ctx, p, g, e.scheme)
}

// ComputeWith returns the correction under an explicit scheme. Concurrent
// identical requests share one computation and receive the same pointer;
// the result must be treated as read-only.
func (e *Engine) ComputeWith(ctx context.Context, p domain.Profile, g domain.Geometry, s domain.Scheme) (*domain.Correction, error) {
	if !s.Valid() {
		return nil, computationErr(p.ID, "unknown scheme %q", s)
	}
	// the cache key does not carry the status, so a failed or retired
	// profile must never reach the lookup
	if !p.Usable() {
		return nil, computationErr(p.ID, "profile is %s and cannot feed corrections", p.Status)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := Key(p, g, s)
	gen := e.generation(p.ID)
	if hit, ok := e.cache.Get(key); ok {
		if hit.gen == gen {
			e.metrics.hit("memory")
			return hit.c, nil
		}
		e.cache.Remove(key)
	}
	e.metrics.miss()
	v, err, _ := e.group.Do(fmt.Sprintf("%s#%d", key, gen), func() (any, error) {
		return e.fill(ctx, key, gen, p, g, s)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Correction), nil
}

func (e *Engine) fill(ctx context.Context, key string, gen uint64, p domain.Profile, g domain.Geometry, s domain.Scheme) (*domain.Correction, error) {
	// a flight that finished between the caller's lookup and Do has
	// already cached its result
	if hit, ok := e.cache.Get(key); ok && hit.gen == gen {
		return hit.c, nil
	}
	var c *domain.Correction
	if e.tier != nil {
		shared, ok, err := e.tier.Get(ctx, key)
		switch {
		case err != nil:
			e.tierFault("get", key, err)
		case ok:
			e.metrics.hit("shared")
			c = shared
		}
	}
	if c == nil {
		var err error
		if c, err = e.compute(p, g, s); err != nil {
			return nil, err
		}
		e.computations.Add(1)
		e.metrics.computed(s)
		if e.tier != nil && e.generation(p.ID) == gen {
			if err := e.tier.Set(ctx, key, c); err != nil {
				e.tierFault("set", key, err)
			}
		}
	}
	if e.generation(p.ID) == gen {
		e.cache.Add(key, entry{c: c, gen: gen})
	}
	return c, nil
}

func (e *Engine) tierFault(op, key string, err error) {
	e.metrics.tierError(op)
	e.logger.Warn("shared correction cache failed", "op", op, "key", key, "error", err)
}

func (e *Engine) compute(p domain.Profile, g domain.Geometry, s domain.Scheme) (*domain.Correction, error) {
	if err := validateGeometry(p.ID, g); err != nil {
		return nil, err
	}
	col, err := buildColumn(p.ID, p.AcceptedSamples(), g)
	if err != nil {
		return nil, err
	}
	sc := schemeFor(s)
	out := &domain.Correction{
		ProfileID:         p.ID,
		ProfileRevision:   p.Revision,
		GeometrySignature: g.Signature(),
		Scheme:            s,
		AppliedAt:         e.now(),
		Source:            p.Source,
		Confidence:        domain.ConfidenceNormal,
		Synthetic:         p.Source == domain.SourceSynthetic || p.Source == domain.SourceClimatology,
		Position:          p.Position,
		Timestamp:         p.Timestamp,
		Vessel:            p.Vessel,
		Layers:            col.layers(),
	}
	if out.Synthetic {
		out.Confidence = domain.ConfidenceLow
	}
	for _, b := range g.Beams {
		sol, err := traceBeam(sc, col, b)
		if err != nil {
			var ce *ComputationError
			if errors.As(err, &ce) {
				return nil, computationErr(p.ID, "beam %.2f°: %s", b.AngleDeg, ce.Reason)
			}
			return nil, err
		}
		out.Beams = append(out.Beams, sol)
	}
	for _, d := range g.DepthGrid {
		out.Depths = append(out.Depths, solveDepth(sc, col, d))
	}
	return out, nil
}

func validateGeometry(id string, g domain.Geometry) error {
	switch {
	case len(g.Beams) == 0 && len(g.DepthGrid) == 0:
		return computationErr(id, "geometry has neither beams nor a depth grid")
	case len(g.Beams) > 0 && len(g.DepthGrid) > 0:
		return computationErr(id, "geometry has both beams and a depth grid")
	}
	for i, b := range g.Beams {
		if !finite(b.AngleDeg) || b.AngleDeg < 0 || b.AngleDeg >= 90 {
			return computationErr(id, "beam %d angle %v outside [0,90)", i, b.AngleDeg)
		}
		if !finite(b.TwoWayTime) || b.TwoWayTime <= 0 {
			return computationErr(id, "beam %d travel time %v must be positive", i, b.TwoWayTime)
		}
	}
	for i, d := range g.DepthGrid {
		if !finite(d) || d < g.TransducerDepth {
			return computationErr(id, "grid depth %d (%v) is above the transducer or not numeric", i, d)
		}
	}
	if g.SurfaceSpeed != nil && (math.IsNaN(*g.SurfaceSpeed) || *g.SurfaceSpeed <= 0) {
		return computationErr(id, "invalid surface speed %v", *g.SurfaceSpeed)
	}
	return nil
}
