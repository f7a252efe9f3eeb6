package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"soundspeed/pkg/domain"
)

const atlasTag = "ssp-atlas"

type atlasDoc struct {
	Format      string    `json:"format"`
	Version     int       `json:"version"`
	Kind        string    `json:"kind"`
	Atlas       string    `json:"atlas"`
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	Lat         *float64  `json:"lat"`
	Lon         *float64  `json:"lon"`
	Depth       []float64 `json:"depth"`
	SoundSpeed  []float64 `json:"sound_speed"`
	Temperature []float64 `json:"temperature"`
	Salinity    []float64 `json:"salinity"`
	Vessel      string    `json:"vessel"`
	Inputs      []string  `json:"inputs"`
}

type atlasDecoder struct{}

func (atlasDecoder) detect(head []byte) bool {
	trimmed := bytes.TrimLeft(head, " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte("{")) && bytes.Contains(trimmed, []byte(`"`+atlasTag+`"`))
}

func (atlasDecoder) decodeHeader(data []byte) (header, []byte, int, error) {
	var doc atlasDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		var syn *json.SyntaxError
		switch {
		case errors.Is(err, io.ErrUnexpectedEOF):
			return header{}, nil, 0, truncated(FormatAtlas, 0, "document ends early")
		case errors.As(err, &syn):
			if syn.Offset >= int64(len(bytes.TrimRight(data, " \t\r\n"))) {
				return header{}, nil, 0, truncated(FormatAtlas, lineAt(data, syn.Offset), "document ends early")
			}
			return header{}, nil, 0, corrupt(FormatAtlas, lineAt(data, syn.Offset), "%v", err)
		default:
			return header{}, nil, 0, corrupt(FormatAtlas, 0, "%v", err)
		}
	}
	if doc.Format != atlasTag {
		return header{}, nil, 0, corrupt(FormatAtlas, 0, "format tag %q", doc.Format)
	}
	if doc.Version != 1 && doc.Version != 2 {
		return header{}, nil, 0, unsupported(FormatAtlas, fmt.Sprint(doc.Version))
	}
	h := header{version: fmt.Sprint(doc.Version), id: doc.ID, vessel: doc.Vessel, instrument: doc.Atlas}
	switch doc.Kind {
	case "climatology":
		h.source = domain.SourceClimatology
	case "synthetic":
		h.source = domain.SourceSynthetic
	default:
		return header{}, nil, 0, corrupt(FormatAtlas, 0, "unknown kind %q", doc.Kind)
	}
	if doc.Atlas != "" {
		h.provenance = "atlas:" + doc.Atlas
	}
	if len(doc.Inputs) > 0 {
		h.provenance = "blend:" + strings.Join(doc.Inputs, ",")
	}
	h.timestamp = doc.Time
	if doc.Lat != nil && doc.Lon != nil {
		h.position = domain.Position{Lat: *doc.Lat, Lon: *doc.Lon}
		h.hasPos = true
	}
	return h, data, 1, nil
}

func (atlasDecoder) decodeSamples(h header, body []byte, _ int) ([]domain.Sample, error) {
	var doc atlasDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, corrupt(FormatAtlas, 0, "%v", err)
	}
	n := len(doc.Depth)
	if len(doc.SoundSpeed) == 0 && (h.version == "1" || len(doc.Temperature) == 0) {
		return nil, corrupt(FormatAtlas, 0, "no sound_speed or temperature series")
	}
	for _, series := range []struct {
		name   string
		values []float64
	}{
		{"sound_speed", doc.SoundSpeed},
		{"temperature", doc.Temperature},
		{"salinity", doc.Salinity},
	} {
		if len(series.values) != 0 && len(series.values) != n {
			return nil, truncated(FormatAtlas, 0, "%s has %d values for %d depths", series.name, len(series.values), n)
		}
	}
	samples := make([]domain.Sample, n)
	for i, d := range doc.Depth {
		s := domain.Sample{Depth: d}
		if len(doc.SoundSpeed) > 0 {
			s.SoundSpeed = doc.SoundSpeed[i]
		}
		if len(doc.Temperature) > 0 {
			s.Temperature = ptr(doc.Temperature[i])
		}
		if len(doc.Salinity) > 0 {
			s.Salinity = ptr(doc.Salinity[i])
		}
		samples[i] = s
	}
	return samples, nil
}

func lineAt(data []byte, offset int64) int {
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return bytes.Count(data[:offset], []byte("\n")) + 1
}
