// Package climatology supplies fallback profiles when no observed cast is
// close enough. Loaded atlas extracts are indexed on the same lat/lon grid as
// the profile store; when none covers a position a synthetic profile is
// generated from a temperature model and the Mackenzie equation.
package climatology

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"soundspeed/internal/infra/persistence/memory"
	"soundspeed/internal/parser"
	"soundspeed/internal/qc"
	"soundspeed/internal/selector"
	"soundspeed/pkg/domain"
)

// DefaultMaxDistance is how far an atlas node may be from the requested
// position, in metres.
const DefaultMaxDistance = 150_000.0

var syntheticNamespace = uuid.MustParse("1f0e3d5c-6a5b-4c1e-9e43-7d3b0f6c2a18")

// Option configures a Provider.
type Option func(*Provider)

// WithMaxDistance bounds the atlas search radius in metres.
func WithMaxDistance(m float64) Option {
	return func(p *Provider) {
		if m > 0 {
			p.maxDistance = m
		}
	}
}

// WithThresholds sets the QC thresholds fallback profiles are qualified with.
func WithThresholds(t domain.Thresholds) Option {
	return func(p *Provider) { p.thresholds = t }
}

// WithSynthetic toggles the synthetic generator used when no atlas node
// covers a position. It is enabled by default.
func WithSynthetic(enabled bool) Option {
	return func(p *Provider) { p.synthetic = enabled }
}

// Provider answers fallback lookups. It is safe for concurrent use.
type Provider struct {
	grid        *memory.Store
	maxDistance float64
	thresholds  domain.Thresholds
	synthetic   bool
}

// New constructs an empty provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		grid:        memory.New(),
		maxDistance: DefaultMaxDistance,
		thresholds:  domain.DefaultThresholds(),
		synthetic:   true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Len reports how many atlas nodes are loaded.
func (p *Provider) Len() int { return p.grid.Len() }

// Load indexes atlas records. Only climatology and synthetic sources are
// accepted; records that fail QC are rejected.
func (p *Provider) Load(ctx context.Context, records ...domain.Profile) error {
	for _, rec := range records {
		if rec.Source != domain.SourceClimatology && rec.Source != domain.SourceSynthetic {
			return &domain.ValidationError{ProfileID: rec.ID, Reasons: []string{fmt.Sprintf("source %q is not an atlas source", rec.Source)}}
		}
		if rec.ID == "" {
			rec.ID = uuid.NewSHA1(syntheticNamespace, []byte(fmt.Sprintf("atlas|%s|%s|%s", rec.Provenance, rec.Position, rec.Timestamp.UTC().Format("2006-01")))).String()
		}
		res := qc.Validate(rec, p.thresholds)
		if !res.Passed {
			return &domain.ValidationError{ProfileID: rec.ID, Reasons: res.Reasons}
		}
		rec.QC = &res
		rec.Status = domain.StatusPassed
		if _, err := p.grid.Put(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// LoadDir parses every atlas document (*.json) in dir and loads it.
func (p *Provider) LoadDir(ctx context.Context, bank *parser.Bank, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("climatology dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return n, fmt.Errorf("climatology %s: %w", e.Name(), err)
		}
		rec, err := bank.ParseBytes(data, parser.FormatAtlas)
		if err != nil {
			return n, fmt.Errorf("climatology %s: %w", e.Name(), err)
		}
		if err := p.Load(ctx, rec); err != nil {
			return n, fmt.Errorf("climatology %s: %w", e.Name(), err)
		}
		n++
	}
	return n, nil
}

// Lookup returns the atlas node nearest in season and then in distance, or a
// synthetic profile when none lies within range. The result is qualified and
// usable for corrections.
func (p *Provider) Lookup(ctx context.Context, pos domain.Position, at time.Time) (domain.Profile, error) {
	if !pos.Valid() {
		return domain.Profile{}, &domain.ValidationError{Reasons: []string{fmt.Sprintf("invalid position %s", pos)}}
	}
	region := selector.BoundingRegion(pos, p.maxDistance)
	type candidate struct {
		profile domain.Profile
		months  int
		dist    float64
	}
	var found []candidate
	for rec, err := range p.grid.Query(ctx, domain.Query{Region: &region}) {
		if err != nil {
			return domain.Profile{}, err
		}
		d := selector.Haversine(pos, rec.Position)
		if d > p.maxDistance {
			continue
		}
		found = append(found, candidate{profile: rec, months: monthDistance(rec.Timestamp, at), dist: d})
	}
	if len(found) > 0 {
		sort.Slice(found, func(i, j int) bool {
			a, b := found[i], found[j]
			if a.months != b.months {
				return a.months < b.months
			}
			if a.dist != b.dist {
				return a.dist < b.dist
			}
			return a.profile.ID < b.profile.ID
		})
		return found[0].profile, nil
	}
	if !p.synthetic {
		return domain.Profile{}, fmt.Errorf("no climatology within %.0f m of %s: %w", p.maxDistance, pos, domain.ErrNotFound)
	}
	syn := Synthesize(pos, at)
	res := qc.Validate(syn, p.thresholds)
	if !res.Passed {
		return domain.Profile{}, &domain.ValidationError{ProfileID: syn.ID, Reasons: res.Reasons}
	}
	syn.QC = &res
	syn.Status = domain.StatusPassed
	return syn, nil
}

func monthDistance(a, b time.Time) int {
	d := int(a.UTC().Month()) - int(b.UTC().Month())
	if d < 0 {
		d = -d
	}
	return min(d, 12-d)
}
