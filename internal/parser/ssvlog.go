package parser

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"soundspeed/pkg/domain"
)

const ssvlogBanner = "# SSVLOG"

type ssvlogDecoder struct{}

func (ssvlogDecoder) detect(head []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(head, " \t\r\n"), []byte(ssvlogBanner))
}

func (ssvlogDecoder) decodeHeader(data []byte) (header, []byte, int, error) {
	h := header{source: domain.SourceSurface}
	all := lines(data)
	start := 0
	for start < len(all) && strings.TrimSpace(all[start]) == "" {
		start++
	}
	banner := strings.TrimSpace(all[start])
	v := strings.TrimSpace(strings.TrimPrefix(banner, ssvlogBanner))
	if !strings.HasPrefix(v, "v") {
		return header{}, nil, 0, corrupt(FormatSSVLog, start+1, "banner lacks version")
	}
	switch v {
	case "v1", "v2":
		h.version = strings.TrimPrefix(v, "v")
	default:
		return header{}, nil, 0, unsupported(FormatSSVLog, v)
	}
	i := start + 1
	for ; i < len(all); i++ {
		line := strings.TrimSpace(all[i])
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		k, val, ok := keyValue(strings.TrimPrefix(line, "#"), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "vessel":
			h.vessel = val
		case "instrument":
			h.instrument = val
		case "id":
			h.id = val
		}
	}
	if i < len(all) && strings.HasPrefix(strings.ToLower(strings.TrimSpace(all[i])), "time,") {
		i++
	}
	if i >= len(all) || strings.TrimSpace(all[i]) == "" {
		return header{}, nil, 0, truncated(FormatSSVLog, len(all), "no data rows")
	}
	// The profile is stamped with the first logged fix.
	first := strings.Split(all[i], ",")
	if len(first) < 3 {
		return header{}, nil, 0, truncated(FormatSSVLog, i+1, "first row lacks time and position")
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(first[0]))
	if err != nil {
		return header{}, nil, 0, corrupt(FormatSSVLog, i+1, "time: %v", err)
	}
	pos, err := parseFloats([]string{strings.TrimSpace(first[1]), strings.TrimSpace(first[2])})
	if err != nil {
		return header{}, nil, 0, corrupt(FormatSSVLog, i+1, "position: %v", err)
	}
	if !finite(pos...) {
		return header{}, nil, 0, corrupt(FormatSSVLog, i+1, "position %s,%s is not a number", first[1], first[2])
	}
	h.timestamp = ts
	h.position = domain.Position{Lat: pos[0], Lon: pos[1]}
	h.hasPos = true
	return h, []byte(strings.Join(all[i:], "\n")), i + 1, nil
}

func (ssvlogDecoder) decodeSamples(h header, body []byte, firstLine int) ([]domain.Sample, error) {
	want := 5
	if h.version == "2" {
		want = 6
	}
	var samples []domain.Sample
	for i, line := range lines(body) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		n := firstLine + i
		fields := strings.Split(line, ",")
		if len(fields) < want {
			return nil, truncated(FormatSSVLog, n, "row has %d of %d fields", len(fields), want)
		}
		for j := range fields {
			fields[j] = strings.TrimSpace(fields[j])
		}
		if _, err := time.Parse(time.RFC3339, fields[0]); err != nil {
			return nil, malformed(FormatSSVLog, n, "time: %v", err)
		}
		vals, err := parseFloats(fields[1:5])
		if err != nil {
			return nil, malformed(FormatSSVLog, n, "%v", err)
		}
		// sensor dropout
		if !finite(vals[2], vals[3]) {
			continue
		}
		s := domain.Sample{Depth: vals[2], SoundSpeed: vals[3]}
		if want == 6 && fields[5] != "" {
			t, err := strconv.ParseFloat(fields[5], 64)
			if err != nil {
				return nil, malformed(FormatSSVLog, n, "temperature: %v", err)
			}
			if finite(t) {
				s.Temperature = ptr(t)
			}
		}
		samples = append(samples, s)
	}
	return samples, nil
}
