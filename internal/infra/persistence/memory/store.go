// Package memory provides the indexed in-memory profile store. Profiles are
// sharded by lat/lon grid cell; each shard keeps its profiles sorted by
// (timestamp, id) so time-window queries binary-search instead of scanning.
// The sqlite and postgres stores reuse this index and plug a Committer in to
// write rows through before the index changes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"soundspeed/pkg/domain"
)

// DefaultCellSize is the shard edge in degrees.
const DefaultCellSize = 1.0

var errClosed = errors.New("store closed")

// Committer persists a profile row. It is called with the owning shard locked,
// after the conflict check and before the index is updated; an error aborts
// the write.
type Committer interface {
	Commit(ctx context.Context, p domain.Profile) error
}

// Option configures a Store.
type Option func(*Store)

// WithCellSize overrides the grid cell edge in degrees.
func WithCellSize(deg float64) Option {
	return func(s *Store) {
		if deg > 0 {
			s.cellSize = deg
		}
	}
}

// WithCommitter installs a write-through backend.
func WithCommitter(c Committer) Option {
	return func(s *Store) { s.committer = c }
}

// WithClock overrides the time source used to stamp status changes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type cellKey struct{ lat, lon int }

type shard struct {
	mu   sync.RWMutex
	key  cellKey
	byID map[string]*domain.Profile
	// sorted by (Timestamp, ID)
	sorted []*domain.Profile
}

type record struct {
	revision string
	cell     cellKey
}

// Store implements domain.ProfileStore in process memory.
type Store struct {
	cellSize  float64
	committer Committer
	now       func() time.Time

	shardsMu sync.RWMutex
	shards   map[cellKey]*shard

	idsMu sync.Mutex
	ids   map[string]record

	subsMu  sync.RWMutex
	subs    map[uint64]func(domain.StatusChange)
	nextSub uint64

	closed atomic.Bool
}

var _ domain.ProfileStore = (*Store)(nil)

// New constructs an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		cellSize: DefaultCellSize,
		now:      func() time.Time { return time.Now().UTC() },
		shards:   make(map[cellKey]*shard),
		ids:      make(map[string]record),
		subs:     make(map[uint64]func(domain.StatusChange)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CellSize returns the grid cell edge in degrees.
func (s *Store) CellSize() float64 { return s.cellSize }

func (s *Store) cellFor(p domain.Position) cellKey {
	return cellKey{
		lat: int(math.Floor(p.Lat / s.cellSize)),
		lon: int(math.Floor(p.Lon / s.cellSize)),
	}
}

func (s *Store) shardFor(key cellKey, create bool) *shard {
	s.shardsMu.RLock()
	sh := s.shards[key]
	s.shardsMu.RUnlock()
	if sh != nil || !create {
		return sh
	}
	s.shardsMu.Lock()
	defer s.shardsMu.Unlock()
	if sh = s.shards[key]; sh == nil {
		sh = &shard{key: key, byID: make(map[string]*domain.Profile)}
		s.shards[key] = sh
	}
	return sh
}

func less(a, b *domain.Profile) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

func (sh *shard) insert(p *domain.Profile) {
	i := sort.Search(len(sh.sorted), func(i int) bool { return !less(sh.sorted[i], p) })
	sh.sorted = append(sh.sorted, nil)
	copy(sh.sorted[i+1:], sh.sorted[i:])
	sh.sorted[i] = p
	sh.byID[p.ID] = p
}

func (sh *shard) replace(p *domain.Profile) {
	i := sort.Search(len(sh.sorted), func(i int) bool { return !less(sh.sorted[i], p) })
	sh.sorted[i] = p
	sh.byID[p.ID] = p
}

func finiteSample(s domain.Sample) bool {
	vals := []float64{s.Depth, s.SoundSpeed}
	if s.Temperature != nil {
		vals = append(vals, *s.Temperature)
	}
	if s.Salinity != nil {
		vals = append(vals, *s.Salinity)
	}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func validateForPut(p domain.Profile) error {
	var reasons []string
	if p.ID == "" {
		reasons = append(reasons, "missing id")
	}
	if !p.Position.Valid() {
		reasons = append(reasons, fmt.Sprintf("invalid position %s", p.Position))
	}
	if p.Timestamp.IsZero() {
		reasons = append(reasons, "missing timestamp")
	}
	if !p.Source.Valid() {
		reasons = append(reasons, fmt.Sprintf("invalid source %q", p.Source))
	}
	if !p.Status.Valid() {
		reasons = append(reasons, fmt.Sprintf("invalid status %q", p.Status))
	}
	for i, s := range p.Samples {
		if !finiteSample(s) {
			reasons = append(reasons, fmt.Sprintf("sample %d holds a non-finite value", i))
			break
		}
	}
	if len(reasons) > 0 {
		return &domain.ValidationError{ProfileID: p.ID, Reasons: reasons}
	}
	return nil
}

// Put stores p. An identical id and revision is a no-op returning the stored
// profile; a different revision for a known id is a conflict.
func (s *Store) Put(ctx context.Context, p domain.Profile) (domain.PutResult, error) {
	if s.closed.Load() {
		return domain.PutResult{}, &domain.StorageError{Op: "put", Err: errClosed}
	}
	if err := ctx.Err(); err != nil {
		return domain.PutResult{}, err
	}
	if err := validateForPut(p); err != nil {
		return domain.PutResult{}, err
	}
	p = p.Clone()
	p.Timestamp = p.Timestamp.UTC()
	if p.Revision == "" {
		p.Revision = domain.ComputeRevision(p)
	}
	key := s.cellFor(p.Position)
	sh := s.shardFor(key, true)
	sh.mu.Lock()
	s.idsMu.Lock()
	if rec, ok := s.ids[p.ID]; ok {
		s.idsMu.Unlock()
		defer sh.mu.Unlock()
		if rec.revision != p.Revision {
			return domain.PutResult{}, &domain.ConflictingRevisionError{ID: p.ID, Existing: rec.revision, Incoming: p.Revision}
		}
		if existing := sh.byID[p.ID]; existing != nil {
			return domain.PutResult{Profile: existing.Clone()}, nil
		}
		// same revision always hashes to the same cell
		return domain.PutResult{}, &domain.StorageError{Op: "put", Err: fmt.Errorf("index for %s out of sync", p.ID)}
	}
	s.ids[p.ID] = record{revision: p.Revision, cell: key}
	s.idsMu.Unlock()

	if s.committer != nil {
		if err := s.committer.Commit(ctx, p); err != nil {
			s.idsMu.Lock()
			delete(s.ids, p.ID)
			s.idsMu.Unlock()
			sh.mu.Unlock()
			return domain.PutResult{}, &domain.StorageError{Op: "put", Err: err}
		}
	}
	stored := p
	sh.insert(&stored)
	sh.mu.Unlock()

	s.emit(domain.StatusChange{ID: p.ID, Revision: p.Revision, Current: p.Status, Reason: "created", At: s.now()})
	return domain.PutResult{Profile: p.Clone(), Created: true}, nil
}

// Restore loads already-persisted profiles without committing them again.
func (s *Store) Restore(profiles ...domain.Profile) error {
	for _, p := range profiles {
		if err := validateForPut(p); err != nil {
			return err
		}
		p = p.Clone()
		p.Timestamp = p.Timestamp.UTC()
		key := s.cellFor(p.Position)
		sh := s.shardFor(key, true)
		sh.mu.Lock()
		s.idsMu.Lock()
		_, dup := s.ids[p.ID]
		if !dup {
			s.ids[p.ID] = record{revision: p.Revision, cell: key}
		}
		s.idsMu.Unlock()
		if !dup {
			sh.insert(&p)
		}
		sh.mu.Unlock()
		if dup {
			return fmt.Errorf("restore: duplicate profile %s", p.ID)
		}
	}
	return nil
}

func (s *Store) locate(id string) (record, bool) {
	s.idsMu.Lock()
	defer s.idsMu.Unlock()
	rec, ok := s.ids[id]
	return rec, ok
}

// Get returns a copy of the stored profile.
func (s *Store) Get(ctx context.Context, id string) (domain.Profile, error) {
	if err := ctx.Err(); err != nil {
		return domain.Profile{}, err
	}
	rec, ok := s.locate(id)
	if !ok {
		return domain.Profile{}, &domain.NotFoundError{ID: id}
	}
	sh := s.shardFor(rec.cell, false)
	if sh == nil {
		return domain.Profile{}, &domain.NotFoundError{ID: id}
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	p := sh.byID[id]
	if p == nil {
		// reserved by an in-flight put that has not committed yet
		return domain.Profile{}, &domain.NotFoundError{ID: id}
	}
	return p.Clone(), nil
}

// Query yields matching profiles in (timestamp, id) order. Each range over
// the returned sequence runs the query again.
func (s *Store) Query(ctx context.Context, q domain.Query) iter.Seq2[domain.Profile, error] {
	return func(yield func(domain.Profile, error) bool) {
		if s.closed.Load() {
			yield(domain.Profile{}, &domain.StorageError{Op: "query", Err: errClosed})
			return
		}
		for _, p := range s.collect(q) {
			if err := ctx.Err(); err != nil {
				yield(domain.Profile{}, err)
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (s *Store) cellBounds(key cellKey) domain.Region {
	return domain.Region{
		MinLat: float64(key.lat) * s.cellSize,
		MaxLat: float64(key.lat+1) * s.cellSize,
		MinLon: float64(key.lon) * s.cellSize,
		MaxLon: float64(key.lon+1) * s.cellSize,
	}
}

func overlaps(cell domain.Region, r domain.Region) bool {
	if cell.MaxLat < r.MinLat || cell.MinLat > r.MaxLat {
		return false
	}
	if r.CrossesAntimeridian() {
		return cell.MaxLon >= r.MinLon || cell.MinLon <= r.MaxLon
	}
	return cell.MaxLon >= r.MinLon && cell.MinLon <= r.MaxLon
}

func (s *Store) collect(q domain.Query) []domain.Profile {
	s.shardsMu.RLock()
	shards := make([]*shard, 0, len(s.shards))
	for key, sh := range s.shards {
		if q.Region == nil || overlaps(s.cellBounds(key), *q.Region) {
			shards = append(shards, sh)
		}
	}
	s.shardsMu.RUnlock()

	var out []domain.Profile
	for _, sh := range shards {
		sh.mu.RLock()
		start := 0
		if !q.From.IsZero() {
			start = sort.Search(len(sh.sorted), func(i int) bool { return !sh.sorted[i].Timestamp.Before(q.From) })
		}
		for _, p := range sh.sorted[start:] {
			if !q.To.IsZero() && p.Timestamp.After(q.To) {
				break
			}
			if q.Match(*p) {
				out = append(out, p.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return less(&out[i], &out[j]) })
	return out
}

// UpdateQC attaches a new QC result and moves the profile to passed or failed.
func (s *Store) UpdateQC(ctx context.Context, id string, qc domain.QCResult) (domain.StatusChange, error) {
	return s.mutate(ctx, id, "qc", func(p *domain.Profile) (string, error) {
		if p.Status == domain.StatusRetired {
			return "", fmt.Errorf("profile %s: %w", id, domain.ErrRetired)
		}
		res := qc.Clone()
		p.QC = &res
		p.Status = qc.Status()
		if len(qc.Reasons) > 0 {
			return qc.Reasons[0], nil
		}
		return "requalified", nil
	})
}

// Retire archives the profile. The record is kept.
func (s *Store) Retire(ctx context.Context, id, reason string) (domain.StatusChange, error) {
	return s.mutate(ctx, id, "retire", func(p *domain.Profile) (string, error) {
		if p.Status == domain.StatusRetired {
			return "", fmt.Errorf("profile %s: %w", id, domain.ErrRetired)
		}
		p.Status = domain.StatusRetired
		return reason, nil
	})
}

func (s *Store) mutate(ctx context.Context, id, op string, fn func(*domain.Profile) (string, error)) (domain.StatusChange, error) {
	if s.closed.Load() {
		return domain.StatusChange{}, &domain.StorageError{Op: op, Err: errClosed}
	}
	if err := ctx.Err(); err != nil {
		return domain.StatusChange{}, err
	}
	rec, ok := s.locate(id)
	if !ok {
		return domain.StatusChange{}, &domain.NotFoundError{ID: id}
	}
	sh := s.shardFor(rec.cell, false)
	if sh == nil {
		return domain.StatusChange{}, &domain.NotFoundError{ID: id}
	}
	sh.mu.Lock()
	current := sh.byID[id]
	if current == nil {
		sh.mu.Unlock()
		return domain.StatusChange{}, &domain.NotFoundError{ID: id}
	}
	next := current.Clone()
	reason, err := fn(&next)
	if err != nil {
		sh.mu.Unlock()
		return domain.StatusChange{}, err
	}
	if s.committer != nil {
		if err := s.committer.Commit(ctx, next); err != nil {
			sh.mu.Unlock()
			return domain.StatusChange{}, &domain.StorageError{Op: op, Err: err}
		}
	}
	change := domain.StatusChange{ID: id, Revision: next.Revision, Previous: current.Status, Current: next.Status, Reason: reason, At: s.now()}
	sh.replace(&next)
	sh.mu.Unlock()
	s.emit(change)
	return change, nil
}

// Subscribe registers fn for every status change. Callbacks run on the
// writer's goroutine after its locks are released.
func (s *Store) Subscribe(fn func(domain.StatusChange)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

func (s *Store) emit(change domain.StatusChange) {
	s.subsMu.RLock()
	fns := make([]func(domain.StatusChange), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.RUnlock()
	for _, fn := range fns {
		fn(change)
	}
}

// Len returns the number of stored profiles in every status.
func (s *Store) Len() int {
	s.idsMu.Lock()
	defer s.idsMu.Unlock()
	return len(s.ids)
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}
