package export

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundspeed/pkg/domain"
)

func ptr(v float64) *float64 { return &v }

func sampleCorrection() *domain.Correction {
	return &domain.Correction{
		ProfileID:       "cast-7",
		ProfileRevision: "00ff",
		Scheme:          domain.SchemeConstantLayer,
		AppliedAt:       time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC),
		Source:          domain.SourceCTD,
		Confidence:      domain.ConfidenceNormal,
		Position:        domain.Position{Lat: 43.5, Lon: -70.25},
		Timestamp:       time.Date(2024, 2, 10, 8, 30, 15, 0, time.UTC),
		Vessel:          "RV Tern",
		Layers: []domain.Sample{
			{Depth: 0, SoundSpeed: 1480, Temperature: ptr(10), Salinity: ptr(35)},
			{Depth: 10, SoundSpeed: 1490.5, Temperature: ptr(9), Salinity: ptr(35)},
		},
		Beams: []domain.BeamSolution{{AngleDeg: 0, TwoWayTime: 0.2, Depth: 148.5, NominalDepth: 150, DepthCorrection: -1.5}},
	}
}

func TestParseTarget(t *testing.T) {
	for in, want := range map[string]Target{
		"asvp": TargetASVP, "CARIS": TargetCARIS, ".svp": TargetCARIS, "vel": TargetHYPACK, " csv ": TargetCSV, "cdl": TargetNCEI,
	} {
		got, err := ParseTarget(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseTarget("csvv")
	require.ErrorIs(t, err, domain.ErrExport)
	var ee *Error
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, KindUnsupportedTarget, ee.Kind)
	assert.Equal(t, TargetCSV, ee.Suggestion)
	assert.Contains(t, err.Error(), `did you mean "csv"`)

	_, err = ParseTarget("geotiff")
	require.True(t, errors.As(err, &ee))
	assert.Empty(t, ee.Suggestion)
}

func TestTargetsSorted(t *testing.T) {
	assert.Equal(t, []Target{TargetASVP, TargetCARIS, TargetCSV, TargetHYPACK, TargetNCEI}, Targets())
	assert.Equal(t, "vel", TargetHYPACK.Extension())
	assert.Equal(t, "text/csv; charset=utf-8", TargetCSV.ContentType())
}

func TestExportASVP(t *testing.T) {
	out, err := Export(sampleCorrection(), TargetASVP)
	require.NoError(t, err)
	want := "( SoundVelocity  1.0 0 202402100830 43.50000000 -70.25000000 -1 0 0 ctd P 2 )\n" +
		"0.00 1480.00\n" +
		"10.00 1490.50\n"
	assert.Equal(t, want, string(out))
}

func TestExportCARIS(t *testing.T) {
	out, err := Export(sampleCorrection(), TargetCARIS)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "[SVP_VERSION_2]", lines[0])
	assert.Equal(t, "cast-7.svp", lines[1])
	assert.Equal(t, "Section 2024-041 08:30:15 43:30:00.00 -70:15:00.00", lines[2])
	assert.Equal(t, "10.000000 1490.500000", lines[4])
}

func TestExportHYPACK(t *testing.T) {
	out, err := Export(sampleCorrection(), TargetHYPACK)
	require.NoError(t, err)
	assert.Equal(t, "FTP NEW 2\n0.00 1480.00\n10.00 1490.50\n", string(out))
}

func TestExportCSV(t *testing.T) {
	c := sampleCorrection()
	out, err := Export(c, TargetCSV)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "# profile=cast-7 revision=00ff scheme=constant_layer confidence=normal", lines[0])
	assert.Equal(t, "0.000,0.200000,148.500,0.000,150.000,-1.500", lines[2])

	c.Beams = nil
	c.Depths = []domain.DepthSolution{{Depth: 100, OneWayTime: 0.0675, HarmonicMeanSpeed: 1481.5, NominalTime: 0.0666667, TimeCorrection: 0.0008333}}
	out, err = Export(c, TargetCSV)
	require.NoError(t, err)
	assert.Contains(t, string(out), "depth,one_way_time,harmonic_mean_speed,nominal_time,time_correction\n")
	assert.Contains(t, string(out), "100.000,0.067500000,1481.500,0.066666700,0.000833300\n")
}

func TestExportNCEI(t *testing.T) {
	out, err := Export(sampleCorrection(), TargetNCEI)
	require.NoError(t, err)
	text := string(out)
	assert.True(t, strings.HasPrefix(text, "netcdf cast-7 {\n"))
	assert.Contains(t, text, "\tz = 2 ;")
	assert.Contains(t, text, "\tprofile_id_length = 64 ;")
	assert.Contains(t, text, `:ncei_template_version = "NCEI_NetCDF_Profile_Orthogonal_Template_v2.0" ;`)
	assert.Contains(t, text, `:date_created = "2024-05-02T12:00:00Z" ;`)
	assert.Contains(t, text, `:platform = "RV Tern" ;`)
	assert.Contains(t, text, " time = 1707553815 ;")
	assert.Contains(t, text, " sound_speed = 1480.000, 1490.500 ;")
	assert.Contains(t, text, "temperature:standard_name = \"sea_water_temperature\"")

	c := sampleCorrection()
	for i := range c.Layers {
		c.Layers[i].Temperature = nil
	}
	out, err = Export(c, TargetNCEI)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "temperature")
	assert.Contains(t, string(out), "salinity = 35.0000, 35.0000 ;")
}

func TestExportIncomplete(t *testing.T) {
	cases := []struct {
		name   string
		target Target
		mutate func(*domain.Correction)
		field  string
	}{
		{"no id", TargetASVP, func(c *domain.Correction) { c.ProfileID = "" }, "profile id"},
		{"no layers", TargetHYPACK, func(c *domain.Correction) { c.Layers = nil }, "speed layers"},
		{"no time", TargetCARIS, func(c *domain.Correction) { c.Timestamp = time.Time{} }, "timestamp"},
		{"bad position", TargetNCEI, func(c *domain.Correction) { c.Position.Lat = 95 }, "position"},
		{"no solutions", TargetCSV, func(c *domain.Correction) { c.Beams = nil }, "beam or depth solutions"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := sampleCorrection()
			tc.mutate(c)
			_, err := Export(c, tc.target)
			require.ErrorIs(t, err, domain.ErrExport)
			var ee *Error
			require.True(t, errors.As(err, &ee))
			assert.Equal(t, KindIncompleteCorrection, ee.Kind)
			assert.Equal(t, tc.field, ee.Field)
		})
	}

	_, err := Export(nil, TargetASVP)
	require.ErrorIs(t, err, domain.ErrExport)
	_, err = Export(sampleCorrection(), Target("bag"))
	require.ErrorIs(t, err, domain.ErrExport)
}

func TestDMS(t *testing.T) {
	assert.Equal(t, "43:30:00.00", dms(43.5))
	assert.Equal(t, "-00:00:36.00", dms(-0.01))
	assert.Equal(t, "10:00:00.00", dms(9.9999999))
}
