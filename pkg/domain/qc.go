package domain

// SampleFlag records the QC outcome for one raw sample.
type SampleFlag string

// Per-sample QC outcomes.
const (
	FlagAccepted          SampleFlag = "accepted"
	FlagRejectedRange     SampleFlag = "rejected_range"
	FlagRejectedDepth     SampleFlag = "rejected_depth"
	FlagRejectedDuplicate SampleFlag = "rejected_duplicate"
	FlagRejectedSpike     SampleFlag = "rejected_spike"
	FlagCorrectedSpike    SampleFlag = "corrected_spike"
)

// Rejected reports whether the flag removes the sample from the accepted set.
func (f SampleFlag) Rejected() bool {
	switch f {
	case FlagAccepted, FlagCorrectedSpike:
		return false
	}
	return true
}

// Thresholds are the QC configuration a result was produced with.
type Thresholds struct {
	MinSpeed       float64 `json:"min_speed" yaml:"min_speed"`
	MaxSpeed       float64 `json:"max_speed" yaml:"max_speed"`
	SpikeThreshold float64 `json:"spike_threshold" yaml:"spike_threshold"`
	CorrectSpikes  bool    `json:"correct_spikes" yaml:"correct_spikes"`
	MinSamples     int     `json:"min_samples" yaml:"min_samples"`
	MinUsableDepth float64 `json:"min_usable_depth" yaml:"min_usable_depth"`
}

// DefaultThresholds returns the stock QC configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSpeed:       1400,
		MaxSpeed:       1600,
		SpikeThreshold: 2,
		MinSamples:     3,
		MinUsableDepth: 5,
	}
}

// QCResult is the outcome of validating a profile. Flags align index-for-index
// with Profile.Samples; Accepted is strictly increasing in depth.
type QCResult struct {
	Flags       []SampleFlag `json:"flags"`
	Accepted    []Sample     `json:"accepted"`
	MaxDepth    float64      `json:"max_depth"`
	SampleCount int          `json:"sample_count"`
	MeanSpeed   float64      `json:"mean_speed"`
	SpeedStdDev float64      `json:"speed_std_dev"`
	Passed      bool         `json:"passed"`
	Reasons     []string     `json:"reasons,omitempty"`
	Thresholds  Thresholds   `json:"thresholds"`
}

// Clone returns a deep copy of the result.
func (r QCResult) Clone() QCResult {
	cp := r
	cp.Flags = append([]SampleFlag(nil), r.Flags...)
	cp.Accepted = CloneSamples(r.Accepted)
	cp.Reasons = append([]string(nil), r.Reasons...)
	return cp
}

// Status maps the result onto the profile lifecycle.
func (r QCResult) Status() QCStatus {
	if r.Passed {
		return StatusPassed
	}
	return StatusFailed
}

// CountFlag returns how many samples carry flag f.
func (r QCResult) CountFlag(f SampleFlag) int {
	n := 0
	for _, flag := range r.Flags {
		if flag == f {
			n++
		}
	}
	return n
}
