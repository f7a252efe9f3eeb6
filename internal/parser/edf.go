package parser

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"soundspeed/pkg/domain"
)

var edfModels = map[string]bool{"MK21": true, "MK150": true}

type edfDecoder struct{}

func (edfDecoder) detect(head []byte) bool {
	first, _, _ := bytes.Cut(bytes.TrimLeft(head, " \t\r\n"), []byte("\n"))
	return bytes.HasPrefix(first, []byte("// This is a")) && bytes.Contains(first, []byte("EXPORT DATA FILE"))
}

func (edfDecoder) decodeHeader(data []byte) (header, []byte, int, error) {
	h := header{source: domain.SourceXBT}
	var date, clock string
	var lat, lon *float64
	all := lines(data)
	for i, line := range all {
		n := i + 1
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") {
			c := strings.TrimSpace(strings.TrimPrefix(trimmed, "//"))
			switch {
			case strings.HasPrefix(c, "This is a"):
				fields := strings.Fields(strings.TrimPrefix(c, "This is a"))
				if len(fields) == 0 {
					return header{}, nil, 0, corrupt(FormatEDF, n, "banner lacks model")
				}
				model := strings.ToUpper(fields[0])
				if !edfModels[model] {
					return header{}, nil, 0, unsupported(FormatEDF, model)
				}
				h.version = model
			case strings.HasPrefix(c, "Depth"):
				if h.version == "" {
					return header{}, nil, 0, corrupt(FormatEDF, n, "missing banner")
				}
				ts, err := edfTime(date, clock)
				if err != nil {
					return header{}, nil, 0, corrupt(FormatEDF, n, "%v", err)
				}
				h.timestamp = ts
				if lat == nil || lon == nil {
					return header{}, nil, 0, corrupt(FormatEDF, n, "missing launch position")
				}
				h.position = domain.Position{Lat: *lat, Lon: *lon}
				h.hasPos = true
				return h, []byte(strings.Join(all[i+1:], "\n")), n + 1, nil
			}
			continue
		}
		k, v, ok := keyValue(trimmed, ":")
		if !ok {
			continue
		}
		switch k {
		case "Date of Launch":
			date = v
		case "Time of Launch":
			clock = v
		case "Latitude":
			f, err := parseDegMin(v)
			if err != nil {
				return header{}, nil, 0, corrupt(FormatEDF, n, "latitude: %v", err)
			}
			lat = &f
		case "Longitude":
			f, err := parseDegMin(v)
			if err != nil {
				return header{}, nil, 0, corrupt(FormatEDF, n, "longitude: %v", err)
			}
			lon = &f
		case "Probe Type":
			h.instrument = strings.TrimSpace(h.instrument + " " + v)
		case "Serial #":
			if v != "" {
				h.provenance = "serial:" + v
			}
		case "Ship", "Vessel":
			h.vessel = v
		}
	}
	return header{}, nil, 0, truncated(FormatEDF, len(all), "missing data block marker")
}

func edfTime(date, clock string) (time.Time, error) {
	if date == "" {
		return time.Time{}, errors.New("missing launch date")
	}
	if clock == "" {
		clock = "00:00:00"
	}
	return time.Parse("01/02/2006 15:04:05", date+" "+clock)
}

func (edfDecoder) decodeSamples(_ header, body []byte, firstLine int) ([]domain.Sample, error) {
	var samples []domain.Sample
	for i, line := range lines(body) {
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "//") {
			continue
		}
		n := firstLine + i
		if len(fields) < 2 {
			return nil, truncated(FormatEDF, n, "row has %d columns, need depth and temperature", len(fields))
		}
		vals, err := parseFloats(fields[:min(len(fields), 3)])
		if err != nil {
			return nil, malformed(FormatEDF, n, "%v", err)
		}
		if !finite(vals...) {
			continue
		}
		s := domain.Sample{Depth: vals[0], Temperature: ptr(vals[1])}
		if len(vals) == 3 {
			s.SoundSpeed = vals[2]
		}
		samples = append(samples, s)
	}
	return samples, nil
}
