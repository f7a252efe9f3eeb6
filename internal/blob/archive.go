package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"soundspeed/pkg/domain"
)

// Archive keeps the raw bytes every profile was decoded from so it can be
// re-parsed under new QC rules. Objects are write-once and never deleted.
type Archive struct {
	store Store
}

// NewArchive wraps a backend.
func NewArchive(store Store) *Archive { return &Archive{store: store} }

// Store returns the underlying backend.
func (a *Archive) Store() Store { return a.store }

// RawKey lays raw files out by acquisition month: raw/<yyyy>/<mm>/<id>/<checksum>.
func RawKey(id string, ts time.Time, checksum string) string {
	ts = ts.UTC()
	return fmt.Sprintf("raw/%04d/%02d/%s/%s", ts.Year(), int(ts.Month()), id, checksum)
}

// Put archives data for profile id and returns the reference to store with it.
func (a *Archive) Put(ctx context.Context, id string, ts time.Time, format string, data []byte) (domain.RawRef, error) {
	sum := Checksum(data)
	key := RawKey(id, ts, sum)
	info, err := a.store.Put(ctx, key, bytes.NewReader(data), PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"profile": id, "format": format},
	})
	if err != nil {
		return domain.RawRef{}, &domain.StorageError{Op: "archive raw", Err: err}
	}
	return domain.RawRef{Key: info.Key, Checksum: sum, Size: int64(len(data))}, nil
}

// Load reads archived bytes back and verifies them against the reference.
func (a *Archive) Load(ctx context.Context, ref domain.RawRef) ([]byte, error) {
	if ref.Key == "" {
		return nil, fmt.Errorf("profile has no archived raw data: %w", domain.ErrNotFound)
	}
	_, rc, err := a.store.Get(ctx, ref.Key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("raw %s: %w", ref.Key, domain.ErrNotFound)
		}
		return nil, &domain.StorageError{Op: "load raw", Err: err}
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &domain.StorageError{Op: "load raw", Err: err}
	}
	if ref.Checksum != "" && Checksum(data) != ref.Checksum {
		return nil, &domain.StorageError{Op: "load raw", Err: fmt.Errorf("checksum mismatch for %s", ref.Key)}
	}
	return data, nil
}

// List enumerates archived objects for a month (or everything when ts is zero).
func (a *Archive) List(ctx context.Context, month time.Time) ([]Info, error) {
	prefix := "raw/"
	if !month.IsZero() {
		month = month.UTC()
		prefix = fmt.Sprintf("raw/%04d/%02d/", month.Year(), int(month.Month()))
	}
	return a.store.List(ctx, prefix)
}
