// Package qc validates decoded sound speed samples. Validation is a pure
// function of the profile samples and the thresholds: the same input always
// yields the same result, which keeps corrections reproducible.
package qc

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat"

	"soundspeed/pkg/domain"
)

// stage is one named step of the validation pipeline.
type stage struct {
	name string
	run  func(*state)
}

// pipeline is evaluated in order; later stages only see survivors of earlier ones.
var pipeline = []stage{
	{name: "range", run: checkRange},
	{name: "order", run: resolveOrder},
	{name: "spike", run: checkSpikes},
	{name: "coverage", run: checkCoverage},
}

type state struct {
	samples    []domain.Sample
	thresholds domain.Thresholds
	flags      []domain.SampleFlag
	// order holds indexes of surviving samples, strictly increasing in depth
	// once the order stage has run.
	order     []int
	corrected map[int]float64
	reasons   []string
}

// Validate runs every QC stage over p.Samples.
func Validate(p domain.Profile, t domain.Thresholds) domain.QCResult {
	st := &state{
		samples:    p.Samples,
		thresholds: t,
		flags:      make([]domain.SampleFlag, len(p.Samples)),
		corrected:  make(map[int]float64),
	}
	for i := range st.flags {
		st.flags[i] = domain.FlagAccepted
	}
	for _, s := range pipeline {
		before := len(st.reasons)
		s.run(st)
		for i := before; i < len(st.reasons); i++ {
			st.reasons[i] = s.name + ": " + st.reasons[i]
		}
	}
	return st.result()
}

// CheckThresholds rejects configurations that cannot produce a usable profile.
func CheckThresholds(t domain.Thresholds) error {
	switch {
	case t.MinSpeed <= 0 || t.MaxSpeed <= t.MinSpeed:
		return fmt.Errorf("qc: speed band [%g, %g] is empty", t.MinSpeed, t.MaxSpeed)
	case t.SpikeThreshold <= 0:
		return fmt.Errorf("qc: spike threshold must be positive")
	case t.MinSamples < 2:
		return fmt.Errorf("qc: min samples must be at least 2")
	case t.MinUsableDepth < 0:
		return fmt.Errorf("qc: min usable depth must not be negative")
	}
	return nil
}

func checkRange(st *state) {
	for i, s := range st.samples {
		switch {
		case math.IsNaN(s.Depth) || s.Depth <= 0:
			st.flags[i] = domain.FlagRejectedDepth
		case math.IsNaN(s.SoundSpeed) || s.SoundSpeed < st.thresholds.MinSpeed || s.SoundSpeed > st.thresholds.MaxSpeed:
			st.flags[i] = domain.FlagRejectedRange
		default:
			st.order = append(st.order, i)
		}
	}
	if rejected := len(st.samples) - len(st.order); rejected > 0 {
		st.reasons = append(st.reasons, fmt.Sprintf("%d samples outside depth or speed limits", rejected))
	}
}

// resolveOrder sorts survivors by depth and keeps one sample per depth. On a
// collision the sample whose speed is closest to the mean of its surviving
// neighbours wins; ties go to the earlier raw sample.
func resolveOrder(st *state) {
	sort.SliceStable(st.order, func(a, b int) bool {
		return st.samples[st.order[a]].Depth < st.samples[st.order[b]].Depth
	})
	kept := make([]int, 0, len(st.order))
	dups := 0
	for i := 0; i < len(st.order); {
		j := i + 1
		depth := st.samples[st.order[i]].Depth
		for j < len(st.order) && st.samples[st.order[j]].Depth == depth {
			j++
		}
		group := st.order[i:j]
		if len(group) == 1 {
			kept = append(kept, group[0])
			i = j
			continue
		}
		ref := st.neighbourReference(kept, group, st.order[j:])
		best := group[0]
		for _, idx := range group[1:] {
			if math.Abs(st.samples[idx].SoundSpeed-ref) < math.Abs(st.samples[best].SoundSpeed-ref) {
				best = idx
			}
		}
		for _, idx := range group {
			if idx != best {
				st.flags[idx] = domain.FlagRejectedDuplicate
				dups++
			}
		}
		kept = append(kept, best)
		i = j
	}
	st.order = kept
	if dups > 0 {
		st.reasons = append(st.reasons, fmt.Sprintf("%d duplicate-depth samples rejected", dups))
	}
}

func (st *state) neighbourReference(kept, group, rest []int) float64 {
	var sum float64
	var n int
	if len(kept) > 0 {
		sum += st.samples[kept[len(kept)-1]].SoundSpeed
		n++
	}
	if len(rest) > 0 {
		// the next depth may itself be a collision; use its mean
		depth := st.samples[rest[0]].Depth
		var nsum float64
		var nn int
		for _, idx := range rest {
			if st.samples[idx].Depth != depth {
				break
			}
			nsum += st.samples[idx].SoundSpeed
			nn++
		}
		sum += nsum / float64(nn)
		n++
	}
	if n == 0 {
		for _, idx := range group {
			sum += st.samples[idx].SoundSpeed
		}
		return sum / float64(len(group))
	}
	return sum / float64(n)
}

// spikeMetric is the deviation of sample i from the value linearly
// interpolated between its neighbours at their actual depths.
func (st *state) spikeMetric(order []int, i int) float64 {
	prev, cur, next := st.samples[order[i-1]], st.samples[order[i]], st.samples[order[i+1]]
	frac := (cur.Depth - prev.Depth) / (next.Depth - prev.Depth)
	expected := prev.SoundSpeed + frac*(next.SoundSpeed-prev.SoundSpeed)
	return math.Abs(cur.SoundSpeed - expected)
}

// checkSpikes repeatedly removes the worst interior sample while it exceeds
// the threshold, so one spike does not drag its neighbours out with it.
func checkSpikes(st *state) {
	survivors := append([]int(nil), st.order...)
	var spikes []int
	for len(survivors) >= 3 {
		worst, worstMetric := -1, st.thresholds.SpikeThreshold
		for i := 1; i < len(survivors)-1; i++ {
			if m := st.spikeMetric(survivors, i); m > worstMetric {
				worst, worstMetric = i, m
			}
		}
		if worst < 0 {
			break
		}
		spikes = append(spikes, survivors[worst])
		survivors = append(survivors[:worst], survivors[worst+1:]...)
	}
	if len(spikes) == 0 {
		return
	}
	if !st.thresholds.CorrectSpikes {
		for _, idx := range spikes {
			st.flags[idx] = domain.FlagRejectedSpike
		}
		st.order = survivors
		st.reasons = append(st.reasons, fmt.Sprintf("%d spikes rejected", len(spikes)))
		return
	}
	xs := make([]float64, len(survivors))
	ys := make([]float64, len(survivors))
	for i, idx := range survivors {
		xs[i] = st.samples[idx].Depth
		ys[i] = st.samples[idx].SoundSpeed
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		// fewer than two survivors: nothing to interpolate from
		for _, idx := range spikes {
			st.flags[idx] = domain.FlagRejectedSpike
		}
		st.order = survivors
		return
	}
	for _, idx := range spikes {
		st.flags[idx] = domain.FlagCorrectedSpike
		st.corrected[idx] = pl.Predict(st.samples[idx].Depth)
	}
	st.reasons = append(st.reasons, fmt.Sprintf("%d spikes corrected", len(spikes)))
}

func checkCoverage(st *state) {
	if len(st.order) < st.thresholds.MinSamples {
		st.reasons = append(st.reasons, fmt.Sprintf("only %d samples survived, need %d", len(st.order), st.thresholds.MinSamples))
	}
	if maxDepth := st.maxDepth(); maxDepth < st.thresholds.MinUsableDepth {
		st.reasons = append(st.reasons, fmt.Sprintf("max depth %.2f m below usable depth %.2f m", maxDepth, st.thresholds.MinUsableDepth))
	}
}

func (st *state) maxDepth() float64 {
	if len(st.order) == 0 {
		return 0
	}
	return st.samples[st.order[len(st.order)-1]].Depth
}

func (st *state) failed() bool {
	return len(st.order) < st.thresholds.MinSamples || st.maxDepth() < st.thresholds.MinUsableDepth
}

func (st *state) result() domain.QCResult {
	accepted := make([]domain.Sample, 0, len(st.order))
	speeds := make([]float64, 0, len(st.order))
	for _, idx := range st.order {
		s := domain.CloneSamples(st.samples[idx : idx+1])[0]
		if v, ok := st.corrected[idx]; ok {
			s.SoundSpeed = v
		}
		accepted = append(accepted, s)
		speeds = append(speeds, s.SoundSpeed)
	}
	res := domain.QCResult{
		Flags:       st.flags,
		Accepted:    accepted,
		MaxDepth:    st.maxDepth(),
		SampleCount: len(accepted),
		Passed:      !st.failed(),
		Reasons:     st.reasons,
		Thresholds:  st.thresholds,
	}
	switch len(speeds) {
	case 0:
	case 1:
		res.MeanSpeed = speeds[0]
	default:
		res.MeanSpeed, res.SpeedStdDev = stat.MeanStdDev(speeds, nil)
	}
	return res
}
