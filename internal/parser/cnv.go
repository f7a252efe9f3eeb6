package parser

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"soundspeed/internal/oceano"
	"soundspeed/pkg/domain"
)

const (
	cnvDepth       = "depSM"
	cnvPressure    = "prDM"
	cnvTemperature = "t090C"
	cnvSalinity    = "sal00"
	cnvSpeed       = "svCM"
)

type cnvDecoder struct{}

func (cnvDecoder) detect(head []byte) bool {
	first, _, _ := bytes.Cut(bytes.TrimLeft(head, " \t\r\n"), []byte("\n"))
	return bytes.HasPrefix(first, []byte("* Sea-Bird"))
}

func (cnvDecoder) decodeHeader(data []byte) (header, []byte, int, error) {
	h := header{source: domain.SourceCTD, columns: make(map[string]int), nvalues: -1}
	var lat, lon *float64
	all := lines(data)
	for i, line := range all {
		n := i + 1
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "*END*":
			if h.version == "" {
				return header{}, nil, 0, corrupt(FormatCNV, n, "missing Seasave software version")
			}
			if lat == nil || lon == nil {
				return header{}, nil, 0, corrupt(FormatCNV, n, "missing NMEA position")
			}
			h.position = domain.Position{Lat: *lat, Lon: *lon}
			h.hasPos = true
			if err := h.checkColumns(n); err != nil {
				return header{}, nil, 0, err
			}
			body := []byte(strings.Join(all[i+1:], "\n"))
			return h, body, n + 1, nil
		case strings.HasPrefix(trimmed, "* Sea-Bird"):
			inst := strings.TrimSpace(strings.TrimPrefix(trimmed, "* Sea-Bird"))
			h.instrument = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(inst, ":"), "Data File"))
		case strings.HasPrefix(trimmed, "* Software Version"), strings.HasPrefix(trimmed, "* Software version"):
			v, err := seasaveVersion(trimmed)
			if err != nil {
				return header{}, nil, 0, err
			}
			h.version = v
		case strings.HasPrefix(trimmed, "* NMEA Latitude"):
			_, v, _ := keyValue(trimmed, "=")
			f, err := parseDegMin(v)
			if err != nil {
				return header{}, nil, 0, corrupt(FormatCNV, n, "latitude: %v", err)
			}
			lat = &f
		case strings.HasPrefix(trimmed, "* NMEA Longitude"):
			_, v, _ := keyValue(trimmed, "=")
			f, err := parseDegMin(v)
			if err != nil {
				return header{}, nil, 0, corrupt(FormatCNV, n, "longitude: %v", err)
			}
			lon = &f
		case strings.HasPrefix(trimmed, "* NMEA UTC"):
			_, v, _ := keyValue(trimmed, "=")
			t, err := parseSeasaveTime(v)
			if err != nil {
				return header{}, nil, 0, corrupt(FormatCNV, n, "%v", err)
			}
			h.timestamp = t
		case strings.HasPrefix(trimmed, "# start_time"):
			_, v, _ := keyValue(trimmed, "=")
			t, err := parseSeasaveTime(v)
			if err != nil {
				return header{}, nil, 0, corrupt(FormatCNV, n, "%v", err)
			}
			if h.timestamp.IsZero() {
				h.timestamp = t
			}
		case strings.HasPrefix(trimmed, "** Ship"), strings.HasPrefix(trimmed, "** Vessel"):
			if _, v, ok := keyValue(trimmed, ":"); ok {
				h.vessel = v
			}
		case strings.HasPrefix(trimmed, "# nvalues"):
			_, v, _ := keyValue(trimmed, "=")
			nv, err := strconv.Atoi(v)
			if err != nil || nv < 0 {
				return header{}, nil, 0, corrupt(FormatCNV, n, "bad nvalues %q", v)
			}
			h.nvalues = nv
		case strings.HasPrefix(trimmed, "# bad_flag"):
			_, v, _ := keyValue(trimmed, "=")
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return header{}, nil, 0, corrupt(FormatCNV, n, "bad bad_flag %q", v)
			}
			h.badFlag = &f
		case strings.HasPrefix(trimmed, "# name "):
			k, v, ok := keyValue(strings.TrimPrefix(trimmed, "# name "), "=")
			if !ok {
				return header{}, nil, 0, corrupt(FormatCNV, n, "bad column declaration")
			}
			idx, err := strconv.Atoi(k)
			if err != nil || idx < 0 {
				return header{}, nil, 0, corrupt(FormatCNV, n, "bad column index %q", k)
			}
			short, _, _ := strings.Cut(v, ":")
			short = strings.TrimSpace(short)
			if _, dup := h.columns[short]; !dup {
				h.columns[short] = idx
			}
			h.ncols = max(h.ncols, idx+1)
		}
	}
	return header{}, nil, 0, truncated(FormatCNV, len(all), "missing *END* header terminator")
}

func (h header) checkColumns(line int) error {
	_, hasDepth := h.columns[cnvDepth]
	_, hasPressure := h.columns[cnvPressure]
	if !hasDepth && !hasPressure {
		return corrupt(FormatCNV, line, "no %s or %s column", cnvDepth, cnvPressure)
	}
	_, hasSpeed := h.columns[cnvSpeed]
	_, hasTemp := h.columns[cnvTemperature]
	if !hasSpeed && !hasTemp {
		return corrupt(FormatCNV, line, "no %s or %s column", cnvSpeed, cnvTemperature)
	}
	return nil
}

// seasaveVersion extracts "7.26.7" style versions and rejects unsupported majors.
func seasaveVersion(line string) (string, error) {
	fields := strings.Fields(line)
	v := fields[len(fields)-1]
	major, _, _ := strings.Cut(v, ".")
	m, err := strconv.Atoi(major)
	if err != nil {
		return "", corrupt(FormatCNV, 0, "unparseable software version %q", v)
	}
	if m < 5 || m > 7 {
		return "", unsupported(FormatCNV, v)
	}
	return v, nil
}

func (cnvDecoder) decodeSamples(h header, body []byte, firstLine int) ([]domain.Sample, error) {
	col := func(name string) int {
		if i, ok := h.columns[name]; ok {
			return i
		}
		return -1
	}
	depthCol, presCol := col(cnvDepth), col(cnvPressure)
	tempCol, salCol, speedCol := col(cnvTemperature), col(cnvSalinity), col(cnvSpeed)

	var samples []domain.Sample
	rows := 0
	for i, line := range lines(body) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		n := firstLine + i
		rows++
		if len(fields) < h.ncols {
			return nil, truncated(FormatCNV, n, "row has %d of %d columns", len(fields), h.ncols)
		}
		vals, err := parseFloats(fields[:h.ncols])
		if err != nil {
			return nil, malformed(FormatCNV, n, "%v", err)
		}
		if h.isBad(vals, depthCol, presCol, tempCol, salCol, speedCol) {
			continue
		}
		var s domain.Sample
		if depthCol >= 0 {
			s.Depth = vals[depthCol]
		} else {
			s.Depth = oceano.DepthFromPressure(vals[presCol], h.position.Lat)
		}
		if tempCol >= 0 {
			s.Temperature = ptr(vals[tempCol])
		}
		if salCol >= 0 {
			s.Salinity = ptr(vals[salCol])
		}
		if speedCol >= 0 {
			s.SoundSpeed = vals[speedCol]
		}
		samples = append(samples, s)
	}
	if h.nvalues >= 0 && rows < h.nvalues {
		return nil, truncated(FormatCNV, firstLine+rows, "expected %d rows, found %d", h.nvalues, rows)
	}
	return samples, nil
}

func (h header) isBad(vals []float64, cols ...int) bool {
	for _, c := range cols {
		if c < 0 {
			continue
		}
		v := vals[c]
		if !finite(v) {
			return true
		}
		if h.badFlag != nil && math.Abs(v-*h.badFlag) <= math.Abs(*h.badFlag)*1e-6 {
			return true
		}
	}
	return false
}
