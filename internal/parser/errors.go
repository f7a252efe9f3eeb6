package parser

import (
	"errors"
	"fmt"

	"soundspeed/pkg/domain"
)

// ErrorKind classifies why an input could not be decoded.
type ErrorKind string

// Parse failure kinds.
const (
	KindTruncatedData      ErrorKind = "truncated_data"
	KindUnsupportedVersion ErrorKind = "unsupported_version"
	KindCorruptHeader      ErrorKind = "corrupt_header"
	KindMalformedData      ErrorKind = "malformed_data"
	KindUnknownFormat      ErrorKind = "unknown_format"
)

// Error is the typed failure returned by every decoder. It wraps
// domain.ErrParse.
type Error struct {
	Kind   ErrorKind
	Format Format
	Line   int
	Msg    string
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s %s at line %d: %s", e.Format, e.Kind, e.Line, e.Msg)
	}
	if e.Format == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Format, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return domain.ErrParse }

// IsKind reports whether err is a parser Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

func truncated(f Format, line int, format string, args ...any) error {
	return &Error{Kind: KindTruncatedData, Format: f, Line: line, Msg: fmt.Sprintf(format, args...)}
}

func corrupt(f Format, line int, format string, args ...any) error {
	return &Error{Kind: KindCorruptHeader, Format: f, Line: line, Msg: fmt.Sprintf(format, args...)}
}

func unsupported(f Format, version string) error {
	return &Error{Kind: KindUnsupportedVersion, Format: f, Msg: fmt.Sprintf("version %q not supported", version)}
}

func malformed(f Format, line int, format string, args ...any) error {
	return &Error{Kind: KindMalformedData, Format: f, Line: line, Msg: fmt.Sprintf(format, args...)}
}
