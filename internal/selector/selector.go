// Package selector ranks stored profiles against a survey position and time.
package selector

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"sort"
	"time"

	"soundspeed/pkg/domain"
)

// EarthRadius is the mean earth radius in metres (IUGG R1).
const EarthRadius = 6371008.8

// ErrInvalidCriteria wraps every criteria validation failure.
var ErrInvalidCriteria = errors.New("invalid selection criteria")

// Querier is the part of a profile store the selector reads from.
type Querier interface {
	Query(ctx context.Context, q domain.Query) iter.Seq2[domain.Profile, error]
}

// Ranked is a qualifying profile with its distances from the criteria.
type Ranked struct {
	Profile    domain.Profile
	Distance   float64 // metres
	TimeOffset time.Duration
}

// Validate checks that the criteria can bound a search.
func Validate(c domain.Criteria) error {
	switch {
	case !c.Position.Valid():
		return fmt.Errorf("%w: position %s", ErrInvalidCriteria, c.Position)
	case c.Time.IsZero():
		return fmt.Errorf("%w: missing time", ErrInvalidCriteria)
	case !(c.MaxDistance > 0):
		return fmt.Errorf("%w: max distance must be positive", ErrInvalidCriteria)
	case c.MaxTimeOffset <= 0:
		return fmt.Errorf("%w: max time offset must be positive", ErrInvalidCriteria)
	}
	return nil
}

// Select returns every usable profile within both maxima, ordered by distance,
// then absolute time offset, then source preference, then id. An empty result
// is not an error.
func Select(ctx context.Context, store Querier, c domain.Criteria) ([]Ranked, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}
	region := BoundingRegion(c.Position, c.MaxDistance)
	q := domain.Query{
		Region: &region,
		From:   c.Time.Add(-c.MaxTimeOffset),
		To:     c.Time.Add(c.MaxTimeOffset),
	}
	var out []Ranked
	for p, err := range store.Query(ctx, q) {
		if err != nil {
			return nil, err
		}
		if !p.Usable() {
			continue
		}
		dist := Haversine(c.Position, p.Position)
		if dist > c.MaxDistance {
			continue
		}
		offset := absDuration(p.Timestamp.Sub(c.Time))
		if offset > c.MaxTimeOffset {
			continue
		}
		out = append(out, Ranked{Profile: p, Distance: dist, TimeOffset: offset})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if a.TimeOffset != b.TimeOffset {
			return a.TimeOffset < b.TimeOffset
		}
		ra, rb := c.PreferenceRank(a.Profile.Source), c.PreferenceRank(b.Profile.Source)
		if ra != rb {
			return ra < rb
		}
		return a.Profile.ID < b.Profile.ID
	})
	return out, nil
}

// Haversine returns the great-circle distance between a and b in metres.
func Haversine(a, b domain.Position) float64 {
	lat1, lat2 := rad(a.Lat), rad(b.Lat)
	dLat := lat2 - lat1
	dLon := rad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

// BoundingRegion returns a lat/lon box containing every point within radius
// metres of p. Near the poles, or when the radius spans half the globe, the
// box widens to every longitude.
func BoundingRegion(p domain.Position, radius float64) domain.Region {
	dLat := deg(radius / EarthRadius)
	r := domain.Region{
		MinLat: math.Max(-90, p.Lat-dLat),
		MaxLat: math.Min(90, p.Lat+dLat),
		MinLon: -180,
		MaxLon: 180,
	}
	if r.MinLat <= -90 || r.MaxLat >= 90 {
		return r
	}
	// widest longitude span is reached at the box's poleward edge
	edge := math.Max(math.Abs(r.MinLat), math.Abs(r.MaxLat))
	dLon := dLat / math.Cos(rad(edge))
	if dLon >= 180 {
		return r
	}
	r.MinLon = p.Lon - dLon
	r.MaxLon = p.Lon + dLon
	if r.MinLon < -180 {
		r.MinLon += 360
	}
	if r.MaxLon > 180 {
		r.MaxLon -= 360
	}
	return r
}

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
