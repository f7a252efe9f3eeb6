// Package record maps profiles onto the flat row shape shared by the SQL
// backends.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"soundspeed/pkg/domain"
)

// Table is the profile table name in every SQL backend.
const Table = "profiles"

// Columns lists the persisted columns in argument order. The primary key is
// first.
var Columns = []string{
	"id",
	"revision",
	"recorded_at",
	"lat",
	"lon",
	"source",
	"status",
	"metadata",
	"samples",
	"qc",
	"raw_key",
	"raw_checksum",
	"raw_size",
}

// Row is one persisted profile.
type Row struct {
	ID          string
	Revision    string
	RecordedAt  int64 // unix nanoseconds, UTC
	Lat         float64
	Lon         float64
	Source      string
	Status      string
	Metadata    string
	Samples     string
	QC          string
	RawKey      string
	RawChecksum string
	RawSize     int64
}

type metadata struct {
	Provenance    string `json:"provenance,omitempty"`
	Format        string `json:"format,omitempty"`
	FormatVersion string `json:"format_version,omitempty"`
	Vessel        string `json:"vessel,omitempty"`
	Instrument    string `json:"instrument,omitempty"`
}

// Encode flattens p into a row.
func Encode(p domain.Profile) (Row, error) {
	meta, err := json.Marshal(metadata{
		Provenance:    p.Provenance,
		Format:        p.Format,
		FormatVersion: p.FormatVersion,
		Vessel:        p.Vessel,
		Instrument:    p.Instrument,
	})
	if err != nil {
		return Row{}, fmt.Errorf("encode metadata: %w", err)
	}
	samples, err := json.Marshal(p.Samples)
	if err != nil {
		return Row{}, fmt.Errorf("encode samples: %w", err)
	}
	qc := []byte("null")
	if p.QC != nil {
		if qc, err = json.Marshal(p.QC); err != nil {
			return Row{}, fmt.Errorf("encode qc: %w", err)
		}
	}
	return Row{
		ID:          p.ID,
		Revision:    p.Revision,
		RecordedAt:  p.Timestamp.UTC().UnixNano(),
		Lat:         p.Position.Lat,
		Lon:         p.Position.Lon,
		Source:      string(p.Source),
		Status:      string(p.Status),
		Metadata:    string(meta),
		Samples:     string(samples),
		QC:          string(qc),
		RawKey:      p.Raw.Key,
		RawChecksum: p.Raw.Checksum,
		RawSize:     p.Raw.Size,
	}, nil
}

// Decode rebuilds the profile held by the row.
func (r Row) Decode() (domain.Profile, error) {
	p := domain.Profile{
		ID:        r.ID,
		Revision:  r.Revision,
		Timestamp: time.Unix(0, r.RecordedAt).UTC(),
		Position:  domain.Position{Lat: r.Lat, Lon: r.Lon},
		Source:    domain.SourceType(r.Source),
		Status:    domain.QCStatus(r.Status),
		Raw:       domain.RawRef{Key: r.RawKey, Checksum: r.RawChecksum, Size: r.RawSize},
	}
	if r.Metadata != "" {
		var meta metadata
		if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
			return domain.Profile{}, fmt.Errorf("decode %s metadata: %w", r.ID, err)
		}
		p.Provenance = meta.Provenance
		p.Format = meta.Format
		p.FormatVersion = meta.FormatVersion
		p.Vessel = meta.Vessel
		p.Instrument = meta.Instrument
	}
	if err := json.Unmarshal([]byte(r.Samples), &p.Samples); err != nil {
		return domain.Profile{}, fmt.Errorf("decode %s samples: %w", r.ID, err)
	}
	if r.QC != "" && r.QC != "null" {
		var qc domain.QCResult
		if err := json.Unmarshal([]byte(r.QC), &qc); err != nil {
			return domain.Profile{}, fmt.Errorf("decode %s qc: %w", r.ID, err)
		}
		p.QC = &qc
	}
	return p, nil
}

// Args returns the row values in Columns order.
func (r Row) Args() []any {
	return []any{
		r.ID, r.Revision, r.RecordedAt, r.Lat, r.Lon, r.Source, r.Status,
		r.Metadata, r.Samples, r.QC, r.RawKey, r.RawChecksum, r.RawSize,
	}
}

// Dest returns scan targets in Columns order.
func (r *Row) Dest() []any {
	return []any{
		&r.ID, &r.Revision, &r.RecordedAt, &r.Lat, &r.Lon, &r.Source, &r.Status,
		&r.Metadata, &r.Samples, &r.QC, &r.RawKey, &r.RawChecksum, &r.RawSize,
	}
}

// Placeholder renders the n-th (1-based) bind parameter.
type Placeholder func(n int) string

// Question is the sqlite placeholder style.
func Question(int) string { return "?" }

// Dollar is the postgres placeholder style.
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// UpsertSQL builds the insert statement that replaces mutable columns on an
// id conflict.
func UpsertSQL(ph Placeholder) string {
	params := make([]string, len(Columns))
	for i := range Columns {
		params[i] = ph(i + 1)
	}
	var updates []string
	for _, col := range Columns[1:] {
		updates = append(updates, fmt.Sprintf("%s=excluded.%s", col, col))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		Table, strings.Join(Columns, ", "), strings.Join(params, ", "), strings.Join(updates, ", "))
}

// SelectSQL lists every stored row.
func SelectSQL() string {
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY recorded_at, id", strings.Join(Columns, ", "), Table)
}
