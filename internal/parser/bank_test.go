package parser

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundspeed/pkg/domain"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func TestDetect(t *testing.T) {
	bank := NewBank()
	cases := map[string]Format{
		"cast01.cnv":  FormatCNV,
		"drop07.edf":  FormatEDF,
		"hull.ssvlog": FormatSSVLog,
		"woa.json":    FormatAtlas,
	}
	for name, want := range cases {
		got, ok := bank.Detect(readFixture(t, name))
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	_, ok := bank.Detect([]byte("hello world"))
	assert.False(t, ok)
}

func TestParseCNV(t *testing.T) {
	p, err := NewBank().Parse(context.Background(), bytes.NewReader(readFixture(t, "cast01.cnv")), "")
	require.NoError(t, err)

	assert.Equal(t, "cnv", p.Format)
	assert.Equal(t, "7.26.7.107", p.FormatVersion)
	assert.Equal(t, domain.SourceCTD, p.Source)
	assert.Equal(t, "RV Tern", p.Vessel)
	assert.Equal(t, "SBE 19plus", p.Instrument)
	assert.Equal(t, domain.StatusPending, p.Status)
	assert.Equal(t, time.Date(2021, 5, 12, 10, 2, 11, 0, time.UTC), p.Timestamp)
	assert.InDelta(t, 43.125, p.Position.Lat, 1e-9)
	assert.InDelta(t, -70.705, p.Position.Lon, 1e-9)

	// the bad-flag row is dropped, the negative depth is kept for QC
	require.Len(t, p.Samples, 9)
	assert.Equal(t, -1.5, p.Samples[5].Depth)
	assert.Equal(t, 1495.10, p.Samples[0].SoundSpeed)
	require.NotNil(t, p.Samples[0].Temperature)
	assert.Equal(t, 12.1, *p.Samples[0].Temperature)
	require.NotNil(t, p.Samples[0].Salinity)
}

func TestParseCNVDerivesSpeedFromTemperature(t *testing.T) {
	src := strings.Join([]string{
		"* Sea-Bird SBE 9 Data File:",
		"* Software Version Seasave V 5.37",
		"* NMEA Latitude = 10 30.00 S",
		"* NMEA Longitude = 150 00.00 E",
		"# start_time = Jan 02 2020 03:04:05",
		"# name 0 = prDM: Pressure, Digiquartz [db]",
		"# name 1 = t090C: Temperature [ITS-90, deg C]",
		"*END*",
		"  10.0  25.0",
		"  20.0  24.0",
	}, "\n")
	p, err := NewBank().ParseBytes([]byte(src), FormatCNV)
	require.NoError(t, err)
	assert.InDelta(t, -10.5, p.Position.Lat, 1e-9)
	require.Len(t, p.Samples, 2)
	assert.Less(t, p.Samples[0].Depth, 10.0)
	assert.Greater(t, p.Samples[0].SoundSpeed, 1500.0)
	assert.Nil(t, p.Samples[0].Salinity)
}

func TestParseEDF(t *testing.T) {
	p, err := NewBank().ParseBytes(readFixture(t, "drop07.edf"), "")
	require.NoError(t, err)
	assert.Equal(t, "MK21", p.FormatVersion)
	assert.Equal(t, domain.SourceXBT, p.Source)
	assert.Equal(t, "T-7", p.Instrument)
	assert.Equal(t, "serial:1298734", p.Provenance)
	assert.Equal(t, time.Date(2021, 5, 12, 11, 30, 0, 0, time.UTC), p.Timestamp)
	assert.InDelta(t, 43.17, p.Position.Lat, 1e-9)
	require.Len(t, p.Samples, 5)
	for _, s := range p.Samples {
		assert.Greater(t, s.SoundSpeed, 1450.0)
		assert.Less(t, s.SoundSpeed, 1510.0)
	}
}

func TestParseSSVLog(t *testing.T) {
	p, err := NewBank().ParseBytes(readFixture(t, "hull.ssvlog"), FormatSSVLog)
	require.NoError(t, err)
	assert.Equal(t, "2", p.FormatVersion)
	assert.Equal(t, domain.SourceSurface, p.Source)
	assert.Equal(t, "Valeport MiniSVS", p.Instrument)
	assert.Equal(t, domain.Position{Lat: 43.2, Lon: -70.6}, p.Position)
	require.Len(t, p.Samples, 3)
	assert.Nil(t, p.Samples[1].Temperature)
	assert.Equal(t, p.Samples[0].Depth, p.Samples[2].Depth)
}

func TestNonFiniteReadingsAreDropped(t *testing.T) {
	log := "# SSVLOG v2\n" +
		"2021-05-12T12:00:00Z,43.2,-70.6,4.8,1494.9,12.0\n" +
		"2021-05-12T12:00:10Z,43.2,-70.6,5.1,NaN,12.0\n" +
		"2021-05-12T12:00:20Z,43.2,-70.6,+Inf,1495.0,12.0\n" +
		"2021-05-12T12:00:30Z,43.2,-70.6,5.4,1495.2,NaN\n"
	p, err := NewBank().ParseBytes([]byte(log), FormatSSVLog)
	require.NoError(t, err)
	require.Len(t, p.Samples, 2)
	assert.Equal(t, 4.8, p.Samples[0].Depth)
	assert.Equal(t, 5.4, p.Samples[1].Depth)
	assert.Nil(t, p.Samples[1].Temperature)

	edf := strings.Replace(string(readFixture(t, "drop07.edf")), "10.4    11.84", "10.4    nan", 1)
	p, err = NewBank().ParseBytes([]byte(edf), "")
	require.NoError(t, err)
	assert.Len(t, p.Samples, 4)

	cnv := strings.Replace(string(readFixture(t, "cast01.cnv")), "1495.10", "Inf", 1)
	p, err = NewBank().ParseBytes([]byte(cnv), FormatCNV)
	require.NoError(t, err)
	require.NotEmpty(t, p.Samples)
	for _, s := range p.Samples {
		assert.False(t, math.IsInf(s.SoundSpeed, 0))
	}

	_, err = NewBank().ParseBytes([]byte("# SSVLOG v1\n2021-05-12T12:00:00Z,NaN,-70.6,4.8,1494.9\n"), FormatSSVLog)
	assert.True(t, IsKind(err, KindCorruptHeader), "got %v", err)
}

func TestParseAtlas(t *testing.T) {
	p, err := NewBank().ParseBytes(readFixture(t, "woa.json"), FormatAtlas)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceClimatology, p.Source)
	assert.Equal(t, "atlas:WOA18", p.Provenance)
	require.Len(t, p.Samples, 4)
	for _, s := range p.Samples {
		assert.Greater(t, s.SoundSpeed, 1400.0)
	}
}

func TestParseErrors(t *testing.T) {
	cnv := string(readFixture(t, "cast01.cnv"))
	cases := []struct {
		name string
		data string
		hint Format
		kind ErrorKind
	}{
		{"cnv without end", strings.Split(cnv, "*END*")[0], FormatCNV, KindTruncatedData},
		{"cnv short row", strings.Replace(cnv, "  32.1000   1495.10", "", 1), FormatCNV, KindTruncatedData},
		{"cnv missing rows", cnv[:strings.LastIndex(cnv, "     16.000")], FormatCNV, KindTruncatedData},
		{"cnv old seasave", strings.Replace(cnv, "V 7.26.7.107", "V 4.2", 1), FormatCNV, KindUnsupportedVersion},
		{"cnv bad latitude", strings.Replace(cnv, "43 07.50 N", "forty three", 1), FormatCNV, KindCorruptHeader},
		{"cnv garbage value", strings.Replace(cnv, "1495.10", "14x5.10", 1), FormatCNV, KindMalformedData},
		{"edf unknown model", strings.Replace(string(readFixture(t, "drop07.edf")), "MK21", "MK9", 1), "", KindUnsupportedVersion},
		{"ssvlog v3", "# SSVLOG v3\n2021-05-12T12:00:00Z,1,1,1,1500\n", "", KindUnsupportedVersion},
		{"ssvlog short row", "# SSVLOG v1\n2021-05-12T12:00:00Z,1,1,1,1500\n2021-05-12T12:00:01Z,1,1\n", "", KindTruncatedData},
		{"atlas cut", `{"format":"ssp-atlas","version":1,"depth":[1,2`, FormatAtlas, KindTruncatedData},
		{"atlas length mismatch", `{"format":"ssp-atlas","version":1,"kind":"synthetic","time":"2021-01-01T00:00:00Z","lat":1,"lon":1,"depth":[1,2],"sound_speed":[1500]}`, "", KindTruncatedData},
		{"hint mismatch", cnv, FormatEDF, KindCorruptHeader},
		{"undetectable", "just some text", "", KindUnknownFormat},
		{"empty", "", FormatCNV, KindTruncatedData},
	}
	bank := NewBank()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := bank.ParseBytes([]byte(tc.data), tc.hint)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrParse), "expected ErrParse, got %v", err)
			assert.True(t, IsKind(err, tc.kind), "expected %s, got %v", tc.kind, err)
		})
	}
}

func TestParseRespectsSizeLimit(t *testing.T) {
	bank := NewBank(WithMaxBytes(64))
	_, err := bank.Parse(context.Background(), bytes.NewReader(readFixture(t, "cast01.cnv")), "")
	assert.True(t, IsKind(err, KindTruncatedData), "got %v", err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(".CNV")
	require.NoError(t, err)
	assert.Equal(t, FormatCNV, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, Format(""), f)

	_, err = ParseFormat("ssvlgo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "ssvlog"`)
	assert.True(t, IsKind(err, KindUnknownFormat))
}
