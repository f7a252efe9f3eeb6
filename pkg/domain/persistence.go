package domain

import (
	"context"
	"iter"
	"slices"
	"time"
)

// Region is a lat/lon bounding box. When MinLon > MaxLon the box crosses the
// antimeridian.
type Region struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

// WorldRegion covers the whole globe.
func WorldRegion() Region {
	return Region{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}
}

// CrossesAntimeridian reports whether the longitude span wraps at ±180.
func (r Region) CrossesAntimeridian() bool { return r.MinLon > r.MaxLon }

// Contains reports whether p falls inside the region (edges inclusive).
func (r Region) Contains(p Position) bool {
	if p.Lat < r.MinLat || p.Lat > r.MaxLat {
		return false
	}
	if r.CrossesAntimeridian() {
		return p.Lon >= r.MinLon || p.Lon <= r.MaxLon
	}
	return p.Lon >= r.MinLon && p.Lon <= r.MaxLon
}

// Query filters a store scan. Zero values mean "unbounded" except Statuses,
// which defaults to passed profiles only.
type Query struct {
	Region   *Region
	From     time.Time
	To       time.Time
	Sources  []SourceType
	Statuses []QCStatus
}

// EffectiveStatuses returns the status filter with the default applied.
func (q Query) EffectiveStatuses() []QCStatus {
	if len(q.Statuses) == 0 {
		return []QCStatus{StatusPassed}
	}
	return q.Statuses
}

// Match applies every filter of the query to a profile.
func (q Query) Match(p Profile) bool {
	if q.Region != nil && !q.Region.Contains(p.Position) {
		return false
	}
	if !q.From.IsZero() && p.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && p.Timestamp.After(q.To) {
		return false
	}
	if len(q.Sources) > 0 && !slices.Contains(q.Sources, p.Source) {
		return false
	}
	return slices.Contains(q.EffectiveStatuses(), p.Status)
}

// PutResult reports whether a put created a record or was an idempotent no-op.
type PutResult struct {
	Profile Profile
	Created bool
}

// StatusChange is emitted whenever a stored profile changes lifecycle state.
type StatusChange struct {
	ID       string    `json:"id"`
	Revision string    `json:"revision"`
	Previous QCStatus  `json:"previous"`
	Current  QCStatus  `json:"current"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// ProfileStore is the persistence contract shared by every backend.
//
// Put is idempotent for an identical id and revision; the same id with a
// different revision fails with *ConflictingRevisionError. Query returns a
// finite sequence that re-executes on every range.
type ProfileStore interface {
	Put(ctx context.Context, p Profile) (PutResult, error)
	Get(ctx context.Context, id string) (Profile, error)
	Query(ctx context.Context, q Query) iter.Seq2[Profile, error]
	UpdateQC(ctx context.Context, id string, qc QCResult) (StatusChange, error)
	Retire(ctx context.Context, id, reason string) (StatusChange, error)
	Subscribe(fn func(StatusChange)) (cancel func())
	Close() error
}
