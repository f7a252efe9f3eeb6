package selector

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/interp"

	"soundspeed/pkg/domain"
)

// blendNamespace scopes deterministic ids of blended profiles.
var blendNamespace = uuid.MustParse("7d1f6a52-3c1e-4d9b-9a34-2f0f5f0b8e11")

// minBlendDistance keeps a co-located candidate from taking infinite weight.
const minBlendDistance = 1.0

// ErrNothingToBlend is returned when no candidate carries accepted samples.
var ErrNothingToBlend = errors.New("no candidates to blend")

// Blend builds a synthetic profile at the criteria position and time from the
// first n ranked candidates, weighting each by inverse squared distance. The
// depth grid is the union of the candidates' accepted depths; at each depth
// only candidates whose accepted range covers it contribute.
func Blend(ranked []Ranked, n int, c domain.Criteria) (domain.Profile, error) {
	if n <= 0 || n > len(ranked) {
		n = len(ranked)
	}
	type source struct {
		id     string
		weight float64
		fit    interp.PiecewiseLinear
		min    float64
		max    float64
		single float64 // speed of a one-sample candidate
		count  int
	}
	var sources []source
	depthSet := map[float64]struct{}{}
	for _, r := range ranked[:n] {
		acc := r.Profile.AcceptedSamples()
		if len(acc) == 0 {
			continue
		}
		s := source{
			id:     r.Profile.ID,
			weight: 1 / math.Pow(math.Max(r.Distance, minBlendDistance), 2),
			min:    acc[0].Depth,
			max:    acc[len(acc)-1].Depth,
			count:  len(acc),
		}
		xs := make([]float64, len(acc))
		ys := make([]float64, len(acc))
		for i, smp := range acc {
			xs[i], ys[i] = smp.Depth, smp.SoundSpeed
			depthSet[smp.Depth] = struct{}{}
		}
		if len(acc) == 1 {
			s.single = ys[0]
		} else if err := s.fit.Fit(xs, ys); err != nil {
			return domain.Profile{}, fmt.Errorf("blend %s: %w", r.Profile.ID, err)
		}
		sources = append(sources, s)
	}
	if len(sources) == 0 {
		return domain.Profile{}, ErrNothingToBlend
	}
	depths := make([]float64, 0, len(depthSet))
	for d := range depthSet {
		depths = append(depths, d)
	}
	sort.Float64s(depths)

	samples := make([]domain.Sample, 0, len(depths))
	for _, d := range depths {
		var sum, wsum float64
		for _, s := range sources {
			if d < s.min || d > s.max {
				continue
			}
			v := s.single
			if s.count > 1 {
				v = s.fit.Predict(d)
			}
			sum += s.weight * v
			wsum += s.weight
		}
		if wsum == 0 {
			continue
		}
		samples = append(samples, domain.Sample{Depth: d, SoundSpeed: sum / wsum})
	}

	ids := make([]string, len(sources))
	for i, s := range sources {
		ids[i] = s.id
	}
	key := fmt.Sprintf("%s|%s|%s", strings.Join(ids, ","), c.Position, c.Time.UTC().Format("2006-01-02T15:04:05.999999999Z"))
	return domain.Profile{
		ID:         uuid.NewSHA1(blendNamespace, []byte(key)).String(),
		Timestamp:  c.Time.UTC(),
		Position:   c.Position,
		Source:     domain.SourceSynthetic,
		Provenance: "blend:" + strings.Join(ids, ","),
		Samples:    samples,
		Status:     domain.StatusPending,
	}, nil
}
