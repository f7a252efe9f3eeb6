package blob

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundspeed/pkg/domain"
)

func TestRawKeyLayout(t *testing.T) {
	ts := time.Date(2021, 5, 12, 23, 30, 0, 0, time.FixedZone("x", -3*3600))
	assert.Equal(t, "raw/2021/05/p1/abc", RawKey("p1", ts, "abc"))
}

func TestArchiveRoundTripOnEveryDriver(t *testing.T) {
	fsStore, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	stores := map[string]Store{
		"memory": NewMemory(),
		"fs":     fsStore,
		"s3":     NewMockS3ForTests(),
	}
	ts := time.Date(2021, 5, 12, 10, 0, 0, 0, time.UTC)
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := NewArchive(store)
			data := []byte("* Sea-Bird SBE 9\n*END*\n")
			ref, err := a.Put(ctx, "p1", ts, "cnv", data)
			require.NoError(t, err)
			assert.Equal(t, Checksum(data), ref.Checksum)
			assert.Equal(t, int64(len(data)), ref.Size)
			assert.Equal(t, RawKey("p1", ts, ref.Checksum), ref.Key)

			again, err := a.Put(ctx, "p1", ts, "cnv", data)
			require.NoError(t, err)
			assert.Equal(t, ref, again)

			got, err := a.Load(ctx, ref)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got))

			listed, err := a.List(ctx, ts)
			require.NoError(t, err)
			require.Len(t, listed, 1)
			assert.Equal(t, ref.Key, listed[0].Key)

			_, err = a.Load(ctx, domain.RawRef{Key: "raw/1999/01/none/x"})
			assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

			bad := ref
			bad.Checksum = "deadbeef"
			_, err = a.Load(ctx, bad)
			assert.True(t, errors.Is(err, domain.ErrStorage), "got %v", err)
		})
	}
}

func TestArchiveConflictIsStorageError(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	_, err := store.Put(ctx, "raw/2021/05/p1/abc", bytes.NewReader([]byte("one")), PutOptions{})
	require.NoError(t, err)
	_, err = store.Put(ctx, "raw/2021/05/p1/abc", bytes.NewReader([]byte("two")), PutOptions{})
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: DriverMemory})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, s.Driver())

	s, err = Open(ctx, Config{FSRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())

	_, err = Open(ctx, Config{Driver: DriverS3})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Driver: "tape"})
	assert.Error(t, err)
}
