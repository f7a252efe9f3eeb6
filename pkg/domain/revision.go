package domain

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zeebo/xxh3"
)

// ComputeRevision hashes the immutable content of a profile: identity,
// metadata, decoded samples and the raw checksum. QC output and status are
// excluded so requalification does not change the revision.
func ComputeRevision(p Profile) string {
	h := xxh3.New()
	w := revisionWriter{h: h}
	w.str(p.ID)
	w.i64(p.Timestamp.UTC().UnixNano())
	w.f64(p.Position.Lat)
	w.f64(p.Position.Lon)
	w.str(string(p.Source))
	w.str(p.Provenance)
	w.str(p.Format)
	w.str(p.FormatVersion)
	w.str(p.Vessel)
	w.str(p.Instrument)
	w.i64(int64(len(p.Samples)))
	for _, s := range p.Samples {
		w.f64(s.Depth)
		w.f64(s.SoundSpeed)
		w.optional(s.Temperature)
		w.optional(s.Salinity)
	}
	w.str(p.Raw.Checksum)
	sum := h.Sum128()
	return fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo)
}

type revisionWriter struct {
	h   *xxh3.Hasher
	buf [8]byte
}

func (w *revisionWriter) i64(v int64) {
	binary.LittleEndian.PutUint64(w.buf[:], uint64(v))
	_, _ = w.h.Write(w.buf[:])
}

func (w *revisionWriter) f64(v float64) {
	binary.LittleEndian.PutUint64(w.buf[:], math.Float64bits(v))
	_, _ = w.h.Write(w.buf[:])
}

func (w *revisionWriter) str(s string) {
	w.i64(int64(len(s)))
	_, _ = w.h.Write([]byte(s))
}

func (w *revisionWriter) optional(v *float64) {
	if v == nil {
		_, _ = w.h.Write([]byte{0})
		return
	}
	_, _ = w.h.Write([]byte{1})
	w.f64(*v)
}
