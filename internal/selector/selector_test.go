package selector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundspeed/internal/infra/persistence/memory"
	"soundspeed/pkg/domain"
)

var survey = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

// offsetNorth returns the position metres due north of p.
func offsetNorth(p domain.Position, metres float64) domain.Position {
	return domain.Position{Lat: p.Lat + deg(metres/EarthRadius), Lon: p.Lon}
}

func usable(id string, pos domain.Position, ts time.Time, src domain.SourceType) domain.Profile {
	acc := []domain.Sample{{Depth: 1, SoundSpeed: 1500}, {Depth: 50, SoundSpeed: 1490}}
	qc := domain.QCResult{Accepted: acc, Passed: true}
	p := domain.Profile{ID: id, Timestamp: ts, Position: pos, Source: src, Samples: acc, QC: &qc, Status: domain.StatusPassed}
	p.Revision = domain.ComputeRevision(p)
	return p
}

func put(t *testing.T, s *memory.Store, profiles ...domain.Profile) {
	t.Helper()
	for _, p := range profiles {
		_, err := s.Put(context.Background(), p)
		require.NoError(t, err)
	}
}

func TestSelectReturnsNearbyProfileFirst(t *testing.T) {
	store := memory.New()
	here := domain.Position{Lat: 43.0, Lon: -70.0}
	put(t, store,
		usable("near", offsetNorth(here, 1000), survey.Add(2*time.Hour), domain.SourceSynthetic),
		usable("farther", offsetNorth(here, 3000), survey, domain.SourceCTD),
		usable("too-far", offsetNorth(here, 6000), survey, domain.SourceCTD),
		usable("too-old", offsetNorth(here, 500), survey.Add(-5*time.Hour), domain.SourceCTD),
	)

	ranked, err := Select(context.Background(), store, domain.Criteria{
		Position:      here,
		Time:          survey,
		MaxDistance:   5000,
		MaxTimeOffset: 4 * time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "near", ranked[0].Profile.ID)
	assert.InDelta(t, 1000, ranked[0].Distance, 0.5)
	assert.Equal(t, 2*time.Hour, ranked[0].TimeOffset)
	assert.Equal(t, "farther", ranked[1].Profile.ID)
}

func TestSelectTieBreaks(t *testing.T) {
	store := memory.New()
	here := domain.Position{Lat: -20, Lon: 57}
	pos := offsetNorth(here, 200)
	put(t, store,
		usable("b-xbt", pos, survey.Add(time.Hour), domain.SourceXBT),
		usable("a-xbt", pos, survey.Add(time.Hour), domain.SourceXBT),
		usable("ctd", pos, survey.Add(-time.Hour), domain.SourceCTD),
		usable("closer-in-time", pos, survey.Add(10*time.Minute), domain.SourceClimatology),
	)
	c := domain.Criteria{Position: here, Time: survey, MaxDistance: 1000, MaxTimeOffset: 2 * time.Hour}
	ranked, err := Select(context.Background(), store, c)
	require.NoError(t, err)
	var ids []string
	for _, r := range ranked {
		ids = append(ids, r.Profile.ID)
	}
	assert.Equal(t, []string{"closer-in-time", "ctd", "a-xbt", "b-xbt"}, ids)

	c.Preference = []domain.SourceType{domain.SourceXBT, domain.SourceCTD}
	ranked, err = Select(context.Background(), store, c)
	require.NoError(t, err)
	assert.Equal(t, "a-xbt", ranked[1].Profile.ID)
	assert.Equal(t, "b-xbt", ranked[2].Profile.ID)
	assert.Equal(t, "ctd", ranked[3].Profile.ID)
}

func TestSelectSkipsUnusableProfiles(t *testing.T) {
	store := memory.New()
	here := domain.Position{Lat: 10, Lon: 10}
	failed := usable("failed", here, survey, domain.SourceCTD)
	failed.Status = domain.StatusFailed
	failed.QC.Passed = false
	put(t, store, failed)
	ranked, err := Select(context.Background(), store, domain.Criteria{Position: here, Time: survey, MaxDistance: 10, MaxTimeOffset: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, ranked)
}

func TestSelectExclusionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	store := memory.New(memory.WithCellSize(0.1))
	center := domain.Position{Lat: 60, Lon: 179.9}
	var batch []domain.Profile
	for i := 0; i < 400; i++ {
		lon := center.Lon + rng.Float64()*0.6 - 0.3
		if lon > 180 {
			lon -= 360
		}
		pos := domain.Position{Lat: center.Lat + rng.Float64()*0.4 - 0.2, Lon: lon}
		ts := survey.Add(time.Duration(rng.Int63n(int64(12*time.Hour))) - 6*time.Hour)
		batch = append(batch, usable(fmt.Sprintf("p%03d", i), pos, ts, domain.SourceCTD))
	}
	put(t, store, batch...)

	c := domain.Criteria{Position: center, Time: survey, MaxDistance: 8000, MaxTimeOffset: 3 * time.Hour}
	ranked, err := Select(context.Background(), store, c)
	require.NoError(t, err)
	require.NotEmpty(t, ranked)
	selected := map[string]bool{}
	for i, r := range ranked {
		selected[r.Profile.ID] = true
		assert.LessOrEqual(t, r.Distance, c.MaxDistance)
		assert.LessOrEqual(t, r.TimeOffset, c.MaxTimeOffset)
		if i > 0 {
			assert.GreaterOrEqual(t, r.Distance, ranked[i-1].Distance)
		}
	}
	// brute force over every profile must agree with the indexed search
	for _, p := range batch {
		within := Haversine(center, p.Position) <= c.MaxDistance && absDuration(p.Timestamp.Sub(survey)) <= c.MaxTimeOffset
		assert.Equal(t, within, selected[p.ID], "profile %s", p.ID)
	}
}

func TestSelectValidatesCriteria(t *testing.T) {
	store := memory.New()
	cases := []domain.Criteria{
		{Position: domain.Position{Lat: 95}, Time: survey, MaxDistance: 1, MaxTimeOffset: time.Second},
		{Time: survey, MaxTimeOffset: time.Second},
		{MaxDistance: 1, MaxTimeOffset: time.Second},
		{Time: survey, MaxDistance: 1},
		{Time: survey, MaxDistance: math.NaN(), MaxTimeOffset: time.Second},
	}
	for i, c := range cases {
		_, err := Select(context.Background(), store, c)
		assert.True(t, errors.Is(err, ErrInvalidCriteria), "case %d: %v", i, err)
	}
}

func TestBoundingRegion(t *testing.T) {
	r := BoundingRegion(domain.Position{Lat: 0, Lon: 179.99}, 10000)
	assert.True(t, r.CrossesAntimeridian())
	assert.True(t, r.Contains(domain.Position{Lat: 0, Lon: -179.95}))

	polar := BoundingRegion(domain.Position{Lat: 89.99, Lon: 10}, 5000)
	assert.Equal(t, -180.0, polar.MinLon)
	assert.Equal(t, 180.0, polar.MaxLon)
	assert.Equal(t, 90.0, polar.MaxLat)

	plain := BoundingRegion(domain.Position{Lat: 45, Lon: 0}, 1000)
	assert.False(t, plain.CrossesAntimeridian())
	assert.InDelta(t, 45+deg(1000/EarthRadius), plain.MaxLat, 1e-12)
}

func TestHaversine(t *testing.T) {
	a := domain.Position{Lat: 0, Lon: 0}
	b := domain.Position{Lat: 0, Lon: 1}
	assert.InDelta(t, 111195.08, Haversine(a, b), 0.01)
	assert.Zero(t, Haversine(a, a))
	assert.InDelta(t, Haversine(domain.Position{Lon: 179.5}, domain.Position{Lon: -179.5}), Haversine(a, b), 1e-6)
}
