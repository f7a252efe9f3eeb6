// Package domain defines the shared vocabulary of the sound speed engine:
// profiles and their samples, QC outcomes, sensor geometries, corrections,
// selection criteria and the persistence contract implemented by the stores.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// SourceType identifies the kind of instrument or model a profile came from.
type SourceType string

// Supported profile sources.
const (
	// SourceCTD identifies a conductivity-temperature-depth cast.
	SourceCTD SourceType = "ctd"
	// SourceXBT identifies an expendable bathythermograph drop.
	SourceXBT SourceType = "xbt"
	// SourceSurface identifies a hull or towed sound speed sensor log.
	SourceSurface SourceType = "surface"
	// SourceSynthetic identifies a generated or blended profile.
	SourceSynthetic SourceType = "synthetic"
	// SourceClimatology identifies an atlas extract.
	SourceClimatology SourceType = "climatology"
)

// DefaultSourcePreference orders sources from most to least trusted.
var DefaultSourcePreference = []SourceType{SourceCTD, SourceXBT, SourceSurface, SourceSynthetic, SourceClimatology}

// Valid reports whether s is one of the known sources.
func (s SourceType) Valid() bool {
	switch s {
	case SourceCTD, SourceXBT, SourceSurface, SourceSynthetic, SourceClimatology:
		return true
	}
	return false
}

// ParseSourceType converts a case-insensitive name into a SourceType.
func ParseSourceType(v string) (SourceType, error) {
	s := SourceType(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown source type %q", v)
	}
	return s, nil
}

// QCStatus is the lifecycle state of a stored profile.
type QCStatus string

// Profile lifecycle states.
const (
	StatusPending QCStatus = "pending"
	StatusPassed  QCStatus = "passed"
	StatusFailed  QCStatus = "failed"
	// StatusRetired marks an archived profile; the record is kept for audit.
	StatusRetired QCStatus = "retired"
)

// Valid reports whether q is a known status.
func (q QCStatus) Valid() bool {
	switch q {
	case StatusPending, StatusPassed, StatusFailed, StatusRetired:
		return true
	}
	return false
}

// Position is a WGS84 geographic position in decimal degrees.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the position lies on the globe.
func (p Position) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

func (p Position) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon)
}

// Sample is a single depth observation within a profile.
type Sample struct {
	Depth       float64  `json:"depth"`
	SoundSpeed  float64  `json:"sound_speed"`
	Temperature *float64 `json:"temperature,omitempty"`
	Salinity    *float64 `json:"salinity,omitempty"`
}

func (s Sample) clone() Sample {
	cp := s
	if s.Temperature != nil {
		v := *s.Temperature
		cp.Temperature = &v
	}
	if s.Salinity != nil {
		v := *s.Salinity
		cp.Salinity = &v
	}
	return cp
}

// CloneSamples deep copies a sample slice.
func CloneSamples(in []Sample) []Sample {
	if in == nil {
		return nil
	}
	out := make([]Sample, len(in))
	for i, s := range in {
		out[i] = s.clone()
	}
	return out
}

// RawRef points at the archived raw bytes a profile was decoded from.
type RawRef struct {
	Key      string `json:"key"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// Profile is a depth-ordered sound speed cast with its metadata. Samples hold
// the decoded values as ingested; the QC'd sequence lives in QC.Accepted.
type Profile struct {
	ID            string     `json:"id"`
	Timestamp     time.Time  `json:"timestamp"`
	Position      Position   `json:"position"`
	Source        SourceType `json:"source"`
	Provenance    string     `json:"provenance,omitempty"`
	Format        string     `json:"format,omitempty"`
	FormatVersion string     `json:"format_version,omitempty"`
	Vessel        string     `json:"vessel,omitempty"`
	Instrument    string     `json:"instrument,omitempty"`
	Samples       []Sample   `json:"samples"`
	QC            *QCResult  `json:"qc,omitempty"`
	Status        QCStatus   `json:"status"`
	Raw           RawRef     `json:"raw"`
	Revision      string     `json:"revision"`
}

// Clone returns a deep copy of the profile.
func (p Profile) Clone() Profile {
	cp := p
	cp.Samples = CloneSamples(p.Samples)
	if p.QC != nil {
		qc := p.QC.Clone()
		cp.QC = &qc
	}
	return cp
}

// Usable reports whether the profile may feed corrections.
func (p Profile) Usable() bool {
	return p.Status == StatusPassed && p.QC != nil && p.QC.Passed && len(p.QC.Accepted) > 0
}

// AcceptedSamples returns the QC'd samples, or nil when QC has not run.
func (p Profile) AcceptedSamples() []Sample {
	if p.QC == nil {
		return nil
	}
	return p.QC.Accepted
}
