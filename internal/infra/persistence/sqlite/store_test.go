package sqlite

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundspeed/internal/infra/persistence/memory"
	"soundspeed/internal/parser"
	"soundspeed/pkg/domain"
)

func sampleProfile(id string, lat, lon float64) domain.Profile {
	qc := domain.QCResult{
		Flags:       []domain.SampleFlag{domain.FlagAccepted, domain.FlagAccepted},
		Accepted:    []domain.Sample{{Depth: 2, SoundSpeed: 1500.2}, {Depth: 12, SoundSpeed: 1498.7}},
		MaxDepth:    12,
		SampleCount: 2,
		Passed:      true,
	}
	p := domain.Profile{
		ID:         id,
		Timestamp:  time.Date(2022, 7, 1, 8, 30, 0, 0, time.UTC),
		Position:   domain.Position{Lat: lat, Lon: lon},
		Source:     domain.SourceXBT,
		Format:     "edf",
		Vessel:     "RV Tern",
		Instrument: "T-7",
		Samples:    []domain.Sample{{Depth: 2, SoundSpeed: 1500.2}, {Depth: 12, SoundSpeed: 1498.7}},
		QC:         &qc,
		Status:     domain.StatusPassed,
		Raw:        domain.RawRef{Key: "raw/2022/07/" + id + "/ff", Checksum: "ff", Size: 128},
	}
	p.Revision = domain.ComputeRevision(p)
	return p
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "profiles.db")

	store, err := NewStore(path)
	require.NoError(t, err)
	p := sampleProfile("drop-7", 43.17, -70.6)
	res, err := store.Put(ctx, p)
	require.NoError(t, err)
	require.True(t, res.Created)

	failed := domain.QCResult{Passed: false, Reasons: []string{"coverage: too shallow"}}
	_, err = store.UpdateQC(ctx, "drop-7", failed)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewStore(path, memory.WithCellSize(0.25))
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Get(ctx, "drop-7")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, p.Revision, got.Revision)
	if diff := cmp.Diff(p.Samples, got.Samples); diff != "" {
		t.Fatalf("samples mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, p.Raw, got.Raw)
	assert.Equal(t, 0.25, reopened.CellSize())

	again, err := reopened.Put(ctx, p)
	require.NoError(t, err)
	assert.False(t, again.Created)

	version, err := reopened.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestStoreConflictIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "profiles.db")
	store, err := NewStore(path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	p := sampleProfile("a", 1, 1)
	_, err = store.Put(ctx, p)
	require.NoError(t, err)

	changed := p.Clone()
	changed.Vessel = "other"
	changed.Revision = domain.ComputeRevision(changed)
	_, err = store.Put(ctx, changed)
	assert.True(t, errors.Is(err, domain.ErrConflictingRevision))

	var vessel string
	require.NoError(t, store.DB().QueryRow("SELECT metadata FROM profiles WHERE id = ?", "a").Scan(&vessel))
	assert.Contains(t, vessel, "RV Tern")
}

func TestParsedDropoutsRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "profiles.db")
	store, err := NewStore(path)
	require.NoError(t, err)

	log := "# SSVLOG v2\n" +
		"2022-07-01T08:30:00Z,43.2,-70.6,2.0,1500.2,12.0\n" +
		"2022-07-01T08:30:10Z,43.2,-70.6,7.0,NaN,12.0\n" +
		"2022-07-01T08:30:20Z,43.2,-70.6,12.0,1498.7,Inf\n"
	parsed, err := parser.NewBank().ParseBytes([]byte(log), parser.FormatSSVLog)
	require.NoError(t, err)
	p := sampleProfile("hull-1", 43.2, -70.6)
	p.Samples = parsed.Samples
	p.Revision = domain.ComputeRevision(p)
	_, err = store.Put(ctx, p)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	got, err := reopened.Get(ctx, "hull-1")
	require.NoError(t, err)
	if diff := cmp.Diff(parsed.Samples, got.Samples); diff != "" {
		t.Fatalf("samples changed across reopen (-want +got):\n%s", diff)
	}

	bad := sampleProfile("bad", 1, 1)
	bad.Samples[1].SoundSpeed = math.NaN()
	bad.Revision = domain.ComputeRevision(bad)
	_, err = reopened.Put(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrValidation)
	var n int
	require.NoError(t, reopened.DB().QueryRow("SELECT COUNT(*) FROM profiles WHERE id = ?", "bad").Scan(&n))
	assert.Zero(t, n)
}

func TestStoreSurfacesDatabaseFaults(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(filepath.Join(t.TempDir(), "profiles.db"))
	require.NoError(t, err)
	require.NoError(t, store.DB().Close())

	_, err = store.Put(ctx, sampleProfile("a", 1, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorage)
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueryFromSQLiteIndex(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "profiles.db")
	store, err := NewStore(path)
	require.NoError(t, err)
	for _, p := range []domain.Profile{sampleProfile("b", 10, 10), sampleProfile("a", 10.5, 10.5), sampleProfile("z", -40, 100)} {
		_, err := store.Put(ctx, p)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	region := domain.Region{MinLat: 9, MaxLat: 11, MinLon: 9, MaxLon: 11}
	var ids []string
	for p, err := range reopened.Query(ctx, domain.Query{Region: &region}) {
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, 3, reopened.Len())
}
