// Package blob is the only entry point to the raw archive backends. It
// re-exports the core abstractions and exposes the profile archive built on
// top of them.
package blob

import (
	"soundspeed/internal/blob/core"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
)

var (
	// ErrNotFound indicates a missing key.
	ErrNotFound = core.ErrNotFound
	// ErrConflict indicates a key already holds different bytes.
	ErrConflict = core.ErrConflict
)

// Checksum returns the hex SHA-256 of b.
func Checksum(b []byte) string { return core.Checksum(b) }
