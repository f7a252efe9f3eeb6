package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy sentinels. Typed errors below wrap one of these so callers
// can classify failures with errors.Is.
var (
	ErrParse               = errors.New("parse error")
	ErrValidation          = errors.New("validation error")
	ErrConflictingRevision = errors.New("conflicting revision")
	ErrNotFound            = errors.New("not found")
	ErrComputation         = errors.New("computation error")
	ErrExport              = errors.New("export error")
	ErrStorage             = errors.New("storage error")
	// ErrRetired is returned when a lifecycle change targets a retired profile.
	ErrRetired = errors.New("profile retired")
)

// ConflictingRevisionError is returned when a profile id is re-inserted with
// different content.
type ConflictingRevisionError struct {
	ID       string
	Existing string
	Incoming string
}

func (e *ConflictingRevisionError) Error() string {
	return fmt.Sprintf("profile %s: revision %s conflicts with stored %s", e.ID, e.Incoming, e.Existing)
}

func (e *ConflictingRevisionError) Unwrap() error { return ErrConflictingRevision }

// NotFoundError reports a missing profile.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("profile %s not found", e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError reports a profile that failed QC. The profile is still
// stored, marked failed.
type ValidationError struct {
	ProfileID string
	Reasons   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("profile %s failed qc: %s", e.ProfileID, strings.Join(e.Reasons, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StorageError wraps a backend fault so it is reported, never swallowed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }
