package climatology

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"soundspeed/internal/oceano"
	"soundspeed/pkg/domain"
)

const (
	deepTemperature = 2.0
	thermoclineM    = 400.0
	seasonalRange   = 2.0
)

// syntheticDepths is dense through the thermocline so linear interpolation
// between nodes stays well inside the spike threshold.
func syntheticDepths() []float64 {
	var out []float64
	for d := 1.0; d < 500; d += 9 {
		out = append(out, d)
	}
	for d := 500.0; d < 2000; d += 50 {
		out = append(out, d)
	}
	for d := 2000.0; d <= 5000; d += 250 {
		out = append(out, d)
	}
	return out
}

// surfaceTemperature is a zonal mean with a hemispheric seasonal cycle
// peaking in late summer.
func surfaceTemperature(lat float64, at time.Time) float64 {
	r := lat * math.Pi / 180
	base := deepTemperature + 26*math.Cos(r)*math.Cos(r)
	phase := 2 * math.Pi * float64(at.UTC().YearDay()-220) / 365
	season := seasonalRange * math.Cos(phase) * math.Abs(math.Sin(r))
	if lat < 0 {
		season = -season
	}
	return math.Max(base+season, -1.5)
}

// Synthesize generates a profile for pos at time at. Salinity is held at
// the oceanic mean. The result is pending QC.
func Synthesize(pos domain.Position, at time.Time) domain.Profile {
	day := at.UTC().Truncate(24 * time.Hour)
	t0 := surfaceTemperature(pos.Lat, day)
	sal := oceano.DefaultSalinity
	var samples []domain.Sample
	for _, z := range syntheticDepths() {
		t := deepTemperature + (t0-deepTemperature)*math.Exp(-z/thermoclineM)
		temp, s := t, sal
		samples = append(samples, domain.Sample{
			Depth:       z,
			SoundSpeed:  oceano.SoundSpeed(t, sal, z),
			Temperature: &temp,
			Salinity:    &s,
		})
	}
	p := domain.Profile{
		ID:         uuid.NewSHA1(syntheticNamespace, []byte(fmt.Sprintf("synthetic|%.4f|%.4f|%s", pos.Lat, pos.Lon, day.Format(time.DateOnly)))).String(),
		Timestamp:  day,
		Position:   pos,
		Source:     domain.SourceSynthetic,
		Provenance: "model:mackenzie-zonal",
		Samples:    samples,
		Status:     domain.StatusPending,
	}
	p.Revision = domain.ComputeRevision(p)
	return p
}
