package correction

import (
	"math"
	"sort"

	"soundspeed/pkg/domain"
)

// NominalSpeed is the reference sound speed corrections are measured against.
const NominalSpeed = 1500.0

// node is a depth/speed breakpoint of the traced water column.
type node struct {
	z float64
	c float64
	// temperature and salinity of the sample the node came from, if any
	t *float64
	s *float64
}

// column is the speed profile from the transducer downwards. Below the last
// node the speed stays at the last value.
type column []node

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// speedAt interpolates linearly between samples, holding the end values
// beyond the sampled range.
func speedAt(samples []domain.Sample, z float64) float64 {
	n := len(samples)
	if z <= samples[0].Depth {
		return samples[0].SoundSpeed
	}
	if z >= samples[n-1].Depth {
		return samples[n-1].SoundSpeed
	}
	i := sort.Search(n, func(i int) bool { return samples[i].Depth >= z })
	a, b := samples[i-1], samples[i]
	f := (z - a.Depth) / (b.Depth - a.Depth)
	return a.SoundSpeed + f*(b.SoundSpeed-a.SoundSpeed)
}

// buildColumn starts the column at the transducer and keeps every accepted
// sample below it.
func buildColumn(id string, samples []domain.Sample, g domain.Geometry) (column, error) {
	if len(samples) == 0 {
		return nil, computationErr(id, "profile has no accepted samples")
	}
	for i, s := range samples {
		if !finite(s.Depth) || !finite(s.SoundSpeed) || s.SoundSpeed <= 0 {
			return nil, computationErr(id, "sample %d is not numeric", i)
		}
		if i > 0 && s.Depth <= samples[i-1].Depth {
			return nil, computationErr(id, "sample depths are not strictly increasing at %d", i)
		}
	}
	z0 := g.TransducerDepth
	if !finite(z0) || z0 < 0 {
		return nil, computationErr(id, "invalid transducer depth %v", z0)
	}
	c0 := speedAt(samples, z0)
	if g.SurfaceSpeed != nil {
		c0 = *g.SurfaceSpeed
		if !finite(c0) || c0 <= 0 {
			return nil, computationErr(id, "invalid surface speed %v", c0)
		}
	}
	col := column{{z: z0, c: c0}}
	for _, s := range samples {
		if s.Depth > z0 {
			col = append(col, node{z: s.Depth, c: s.SoundSpeed, t: s.Temperature, s: s.Salinity})
		}
	}
	return col, nil
}

// layers returns the column as domain samples for reporting.
func (c column) layers() []domain.Sample {
	out := make([]domain.Sample, len(c))
	for i, n := range c {
		out[i] = domain.Sample{Depth: n.z, SoundSpeed: n.c, Temperature: n.t, Salinity: n.s}
	}
	return domain.CloneSamples(out)
}
