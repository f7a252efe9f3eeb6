// Package parser decodes instrument files into domain profiles. Each
// supported format is a closed variant with its own detector and decoder;
// the Bank performs explicit detection before dispatching.
package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"soundspeed/internal/oceano"
	"soundspeed/pkg/domain"
)

// DefaultMaxBytes bounds how much of a stream Parse will buffer.
const DefaultMaxBytes = 32 << 20

const detectWindow = 4096

// header carries everything a decoder extracts before the sample block.
type header struct {
	version    string
	id         string
	timestamp  time.Time
	position   domain.Position
	hasPos     bool
	source     domain.SourceType
	vessel     string
	instrument string
	provenance string

	// cnv
	columns map[string]int
	ncols   int
	nvalues int
	badFlag *float64
}

// decoder is implemented by every format variant.
type decoder interface {
	detect(head []byte) bool
	decodeHeader(data []byte) (header, []byte, int, error)
	decodeSamples(h header, body []byte, firstLine int) ([]domain.Sample, error)
}

func decoderFor(f Format) decoder {
	switch f {
	case FormatCNV:
		return cnvDecoder{}
	case FormatEDF:
		return edfDecoder{}
	case FormatSSVLog:
		return ssvlogDecoder{}
	case FormatAtlas:
		return atlasDecoder{}
	}
	return nil
}

// Option configures a Bank.
type Option func(*Bank)

// WithMaxBytes overrides the stream size limit.
func WithMaxBytes(n int64) Option {
	return func(b *Bank) {
		if n > 0 {
			b.maxBytes = n
		}
	}
}

// WithDefaultSalinity sets the salinity assumed when a format lacks it and
// sound speed has to be derived from temperature.
func WithDefaultSalinity(s float64) Option {
	return func(b *Bank) { b.salinity = s }
}

// Bank parses any supported format.
type Bank struct {
	maxBytes int64
	salinity float64
}

// NewBank constructs a parser bank.
func NewBank(opts ...Option) *Bank {
	b := &Bank{maxBytes: DefaultMaxBytes, salinity: oceano.DefaultSalinity}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Detect inspects the first bytes of a file and reports its format.
func (b *Bank) Detect(head []byte) (Format, bool) {
	if len(head) > detectWindow {
		head = head[:detectWindow]
	}
	head = bytes.TrimPrefix(head, []byte("\xef\xbb\xbf"))
	for _, f := range Formats() {
		if decoderFor(f).detect(head) {
			return f, true
		}
	}
	return "", false
}

// Parse reads r fully and decodes it. An empty hint requests detection.
func (b *Bank) Parse(ctx context.Context, r io.Reader, hint Format) (domain.Profile, error) {
	if err := ctx.Err(); err != nil {
		return domain.Profile{}, err
	}
	data, err := io.ReadAll(io.LimitReader(r, b.maxBytes+1))
	if err != nil {
		return domain.Profile{}, fmt.Errorf("read profile: %w", err)
	}
	if int64(len(data)) > b.maxBytes {
		return domain.Profile{}, &Error{Kind: KindTruncatedData, Format: hint, Msg: fmt.Sprintf("input exceeds %d bytes", b.maxBytes)}
	}
	return b.ParseBytes(data, hint)
}

// ParseBytes decodes an in-memory file.
func (b *Bank) ParseBytes(data []byte, hint Format) (domain.Profile, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	format := hint
	if format == "" {
		detected, ok := b.Detect(data)
		if !ok {
			return domain.Profile{}, &Error{Kind: KindUnknownFormat, Msg: "no decoder recognised the input"}
		}
		format = detected
	}
	dec := decoderFor(format)
	if dec == nil {
		return domain.Profile{}, &Error{Kind: KindUnknownFormat, Format: format, Msg: "unsupported format"}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return domain.Profile{}, truncated(format, 0, "empty input")
	}
	if !dec.detect(data[:min(len(data), detectWindow)]) {
		return domain.Profile{}, corrupt(format, 1, "input does not carry a %s header", format)
	}
	h, body, firstLine, err := dec.decodeHeader(data)
	if err != nil {
		return domain.Profile{}, err
	}
	samples, err := dec.decodeSamples(h, body, firstLine)
	if err != nil {
		return domain.Profile{}, err
	}
	if len(samples) == 0 {
		return domain.Profile{}, truncated(format, firstLine, "no samples")
	}
	for i := range samples {
		if samples[i].SoundSpeed == 0 && samples[i].Temperature != nil {
			sal := b.salinity
			if samples[i].Salinity != nil {
				sal = *samples[i].Salinity
			}
			samples[i].SoundSpeed = oceano.SoundSpeed(*samples[i].Temperature, sal, samples[i].Depth)
		}
	}
	if h.timestamp.IsZero() {
		return domain.Profile{}, corrupt(format, 0, "missing timestamp")
	}
	if !h.hasPos || !h.position.Valid() {
		return domain.Profile{}, corrupt(format, 0, "missing or invalid position %s", h.position)
	}
	return domain.Profile{
		ID:            h.id,
		Timestamp:     h.timestamp.UTC(),
		Position:      h.position,
		Source:        h.source,
		Provenance:    h.provenance,
		Format:        string(format),
		FormatVersion: h.version,
		Vessel:        h.vessel,
		Instrument:    h.instrument,
		Samples:       samples,
		Status:        domain.StatusPending,
	}, nil
}
