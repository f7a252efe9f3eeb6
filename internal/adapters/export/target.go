// Package export renders corrections into the files sonar acquisition
// systems load. Every target is a pure formatting step: it maps fields and
// either produces a complete file or fails.
package export

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"soundspeed/pkg/domain"
)

// Target names an export file layout.
type Target string

// Supported targets.
const (
	// TargetASVP is the Kongsberg SIS sound velocity profile.
	TargetASVP Target = "asvp"
	// TargetCARIS is the CARIS HIPS SVP version 2 file.
	TargetCARIS Target = "caris"
	// TargetHYPACK is the HYPACK .vel sound velocity file.
	TargetHYPACK Target = "hypack"
	// TargetCSV is the per-beam or per-depth correction table.
	TargetCSV Target = "csv"
	// TargetNCEI is the CDL rendering of the NCEI orthogonal profile template.
	TargetNCEI Target = "ncei"
)

var extensions = map[Target]string{
	TargetASVP:   "asvp",
	TargetCARIS:  "svp",
	TargetHYPACK: "vel",
	TargetCSV:    "csv",
	TargetNCEI:   "cdl",
}

// Targets lists every supported target.
func Targets() []Target {
	out := make([]Target, 0, len(extensions))
	for t := range extensions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Extension returns the conventional file extension of t.
func (t Target) Extension() string { return extensions[t] }

// ContentType returns the media type served for t.
func (t Target) ContentType() string {
	if t == TargetCSV {
		return "text/csv; charset=utf-8"
	}
	return "text/plain; charset=utf-8"
}

// ParseTarget resolves a case-insensitive target name or extension.
func ParseTarget(name string) (Target, error) {
	n := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "."))
	if _, ok := extensions[Target(n)]; ok {
		return Target(n), nil
	}
	for t, ext := range extensions {
		if ext == n {
			return t, nil
		}
	}
	return "", unsupported(name)
}

func unsupported(name string) *Error {
	e := &Error{Kind: KindUnsupportedTarget, Target: Target(name)}
	best := 3
	for _, t := range Targets() {
		if d := levenshtein.ComputeDistance(strings.ToLower(name), string(t)); d < best {
			best, e.Suggestion = d, t
		}
	}
	return e
}

// ErrorKind classifies export failures.
type ErrorKind string

// Export failure kinds.
const (
	KindUnsupportedTarget    ErrorKind = "unsupported_target"
	KindIncompleteCorrection ErrorKind = "incomplete_correction"
)

// Error is returned for every export failure; it wraps domain.ErrExport.
type Error struct {
	Kind       ErrorKind
	Target     Target
	Field      string
	Suggestion Target
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindUnsupportedTarget:
		msg := fmt.Sprintf("export: unsupported target %q", e.Target)
		if e.Suggestion != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", e.Suggestion)
		}
		return msg
	default:
		return fmt.Sprintf("export %s: correction is missing %s", e.Target, e.Field)
	}
}

func (e *Error) Unwrap() error { return domain.ErrExport }

func incomplete(t Target, field string) error {
	return &Error{Kind: KindIncompleteCorrection, Target: t, Field: field}
}
