package domain

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/xxh3"
)

// Scheme names a ray-tracing integration scheme.
type Scheme string

// Supported integration schemes.
const (
	// SchemeConstantLayer treats each layer as having the mean speed of its
	// boundaries and traces straight segments with Snell's law.
	SchemeConstantLayer Scheme = "constant_layer"
	// SchemeConstantGradient treats speed as linear within each layer and
	// traces circular arcs.
	SchemeConstantGradient Scheme = "constant_gradient"
)

// Valid reports whether s is a supported scheme.
func (s Scheme) Valid() bool {
	return s == SchemeConstantLayer || s == SchemeConstantGradient
}

// Beam describes one echosounder beam: launch angle from vertical and the
// measured two-way travel time in seconds.
type Beam struct {
	AngleDeg   float64 `json:"angle_deg"`
	TwoWayTime float64 `json:"two_way_time"`
}

// Geometry is the sensing geometry a correction is computed for. Exactly one
// of Beams or DepthGrid is expected to be populated.
type Geometry struct {
	TransducerDepth float64   `json:"transducer_depth"`
	SurfaceSpeed    *float64  `json:"surface_speed,omitempty"`
	Beams           []Beam    `json:"beams,omitempty"`
	DepthGrid       []float64 `json:"depth_grid,omitempty"`
}

// Signature is a stable hash of the geometry used as part of cache keys.
func (g Geometry) Signature() string {
	h := xxh3.New()
	var buf [8]byte
	put := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = h.Write(buf[:])
	}
	put(g.TransducerDepth)
	if g.SurfaceSpeed != nil {
		_, _ = h.Write([]byte{1})
		put(*g.SurfaceSpeed)
	} else {
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write([]byte{'b'})
	put(float64(len(g.Beams)))
	for _, b := range g.Beams {
		put(b.AngleDeg)
		put(b.TwoWayTime)
	}
	_, _ = h.Write([]byte{'d'})
	put(float64(len(g.DepthGrid)))
	for _, d := range g.DepthGrid {
		put(d)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Confidence grades how trustworthy a correction is.
type Confidence string

// Correction confidence levels.
const (
	ConfidenceNormal Confidence = "normal"
	// ConfidenceLow marks corrections computed from fallback profiles.
	ConfidenceLow Confidence = "low"
)

// BeamSolution is the traced result for one beam.
type BeamSolution struct {
	AngleDeg        float64 `json:"angle_deg"`
	TwoWayTime      float64 `json:"two_way_time"`
	Depth           float64 `json:"depth"`
	AcrossTrack     float64 `json:"across_track"`
	NominalDepth    float64 `json:"nominal_depth"`
	DepthCorrection float64 `json:"depth_correction"`
}

// DepthSolution is the vertical travel-time result at one grid depth.
type DepthSolution struct {
	Depth             float64 `json:"depth"`
	OneWayTime        float64 `json:"one_way_time"`
	HarmonicMeanSpeed float64 `json:"harmonic_mean_speed"`
	NominalTime       float64 `json:"nominal_time"`
	TimeCorrection    float64 `json:"time_correction"`
}

// Correction is a derived, immutable artifact computed from a profile and a
// geometry. Consumers must not modify it: cached values are shared.
type Correction struct {
	ProfileID         string          `json:"profile_id"`
	ProfileRevision   string          `json:"profile_revision"`
	GeometrySignature string          `json:"geometry_signature"`
	Scheme            Scheme          `json:"scheme"`
	AppliedAt         time.Time       `json:"applied_at"`
	Source            SourceType      `json:"source"`
	Confidence        Confidence      `json:"confidence"`
	Synthetic         bool            `json:"synthetic"`
	Position          Position        `json:"position"`
	Timestamp         time.Time       `json:"timestamp"`
	Vessel            string          `json:"vessel,omitempty"`
	Layers            []Sample        `json:"layers"`
	Beams             []BeamSolution  `json:"beams,omitempty"`
	Depths            []DepthSolution `json:"depths,omitempty"`
}
