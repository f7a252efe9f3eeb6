package parser

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Format names one of the supported instrument file layouts.
type Format string

// Supported input formats.
const (
	// FormatCNV is a Sea-Bird Seasave converted CTD cast.
	FormatCNV Format = "cnv"
	// FormatEDF is a Sippican MK21/MK150 XBT export data file.
	FormatEDF Format = "edf"
	// FormatSSVLog is a surface or towed sound speed sensor CSV log.
	FormatSSVLog Format = "ssvlog"
	// FormatAtlas is a JSON climatology or synthetic record.
	FormatAtlas Format = "atlas"
)

// Formats lists every supported format in detection order.
func Formats() []Format {
	return []Format{FormatAtlas, FormatSSVLog, FormatEDF, FormatCNV}
}

// Valid reports whether f is a supported format.
func (f Format) Valid() bool {
	switch f {
	case FormatCNV, FormatEDF, FormatSSVLog, FormatAtlas:
		return true
	}
	return false
}

// ParseFormat maps a user supplied name (or file extension) to a Format.
// An empty name yields the empty Format, meaning "detect".
func ParseFormat(name string) (Format, error) {
	n := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "."))
	switch n {
	case "":
		return "", nil
	case "json":
		return FormatAtlas, nil
	case "csv", "log":
		return FormatSSVLog, nil
	}
	f := Format(n)
	if f.Valid() {
		return f, nil
	}
	msg := fmt.Sprintf("unknown format %q", name)
	if s := suggest(n); s != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", s)
	}
	return "", &Error{Kind: KindUnknownFormat, Msg: msg}
}

func suggest(name string) Format {
	best, bestDist := Format(""), 3
	for _, f := range Formats() {
		if d := levenshtein.ComputeDistance(name, string(f)); d < bestDist {
			best, bestDist = f, d
		}
	}
	return best
}
