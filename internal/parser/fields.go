package parser

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// parseDegMin converts "DD MM.mm H" (hemisphere letter optionally attached
// to the minutes) into signed decimal degrees.
func parseDegMin(v string) (float64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("empty coordinate")
	}
	hemi := v[len(v)-1]
	sign := 1.0
	switch hemi {
	case 'N', 'n', 'E', 'e':
		v = v[:len(v)-1]
	case 'S', 's', 'W', 'w':
		sign = -1
		v = v[:len(v)-1]
	default:
		return 0, fmt.Errorf("coordinate %q lacks hemisphere", v)
	}
	parts := strings.Fields(v)
	if len(parts) != 2 {
		return 0, fmt.Errorf("coordinate %q is not degrees and minutes", v)
	}
	deg, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, fmt.Errorf("coordinate degrees: %w", err)
	}
	mins, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, fmt.Errorf("coordinate minutes: %w", err)
	}
	if !finite(deg, mins) || deg < 0 || mins < 0 || mins >= 60 {
		return 0, fmt.Errorf("coordinate %q out of range", v)
	}
	return sign * (deg + mins/60), nil
}

var seasaveLayouts = []string{
	"Jan 02 2006 15:04:05",
	"Jan 2 2006 15:04:05",
}

func parseSeasaveTime(v string) (time.Time, error) {
	v = strings.Join(strings.Fields(v), " ")
	// "# start_time = May 12 2021 10:02:11 [NMEA time, header]"
	if i := strings.IndexByte(v, '['); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	for _, layout := range seasaveLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", v)
}

// keyValue splits "key = value" or "key: value" after trimming comment marks.
func keyValue(line, sep string) (string, string, bool) {
	k, v, ok := strings.Cut(line, sep)
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(k), strings.TrimSpace(v), true
}

// lines splits data into trimmed lines, tolerating CRLF.
func lines(data []byte) []string {
	raw := bytes.Split(data, []byte("\n"))
	out := make([]string, len(raw))
	for i, l := range raw {
		out[i] = strings.TrimRight(string(l), "\r")
	}
	return out
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// finite reports whether every value is a real number. Loggers write NaN or
// Inf for dropouts and neither survives JSON encoding downstream.
func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func ptr(v float64) *float64 { return &v }
