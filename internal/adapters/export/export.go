package export

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"soundspeed/pkg/domain"
)

// Export renders c in the target layout.
func Export(c *domain.Correction, t Target) ([]byte, error) {
	if _, ok := extensions[t]; !ok {
		return nil, unsupported(string(t))
	}
	if c == nil {
		return nil, incomplete(t, "correction")
	}
	if err := check(c, t); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	switch t {
	case TargetASVP:
		writeASVP(&buf, c)
	case TargetCARIS:
		writeCARIS(&buf, c)
	case TargetHYPACK:
		writeHYPACK(&buf, c)
	case TargetCSV:
		writeCSV(&buf, c)
	case TargetNCEI:
		writeNCEI(&buf, c)
	}
	return buf.Bytes(), nil
}

// check verifies the fields each target requires.
func check(c *domain.Correction, t Target) error {
	if c.ProfileID == "" {
		return incomplete(t, "profile id")
	}
	needsProfile := t != TargetCSV
	needsStamp := t == TargetASVP || t == TargetCARIS || t == TargetNCEI
	if needsProfile {
		if len(c.Layers) == 0 {
			return incomplete(t, "speed layers")
		}
		for i, l := range c.Layers {
			if math.IsNaN(l.Depth) || math.IsNaN(l.SoundSpeed) || l.SoundSpeed <= 0 {
				return incomplete(t, fmt.Sprintf("a valid layer %d", i))
			}
		}
	}
	if needsStamp {
		if c.Timestamp.IsZero() {
			return incomplete(t, "timestamp")
		}
		if !c.Position.Valid() {
			return incomplete(t, "position")
		}
	}
	if t == TargetCSV && len(c.Beams) == 0 && len(c.Depths) == 0 {
		return incomplete(t, "beam or depth solutions")
	}
	return nil
}

func f(v float64, prec int) string { return strconv.FormatFloat(v, 'f', prec, 64) }

// writeASVP emits the Kongsberg header followed by depth/speed pairs.
func writeASVP(buf *bytes.Buffer, c *domain.Correction) {
	ts := c.Timestamp.UTC()
	fmt.Fprintf(buf, "( SoundVelocity  1.0 0 %s %s %s -1 0 0 %s P %d )\n",
		ts.Format("200601021504"), f(c.Position.Lat, 8), f(c.Position.Lon, 8), sourceTag(c), len(c.Layers))
	for _, l := range c.Layers {
		fmt.Fprintf(buf, "%s %s\n", f(l.Depth, 2), f(l.SoundSpeed, 2))
	}
}

func sourceTag(c *domain.Correction) string {
	if c.Source == "" {
		return "soundspeed"
	}
	return string(c.Source)
}

// writeCARIS emits a single-section SVP version 2 file.
func writeCARIS(buf *bytes.Buffer, c *domain.Correction) {
	ts := c.Timestamp.UTC()
	buf.WriteString("[SVP_VERSION_2]\n")
	fmt.Fprintf(buf, "%s.svp\n", c.ProfileID)
	fmt.Fprintf(buf, "Section %04d-%03d %s %s %s\n",
		ts.Year(), ts.YearDay(), ts.Format("15:04:05"), dms(c.Position.Lat), dms(c.Position.Lon))
	for _, l := range c.Layers {
		fmt.Fprintf(buf, "%s %s\n", f(l.Depth, 6), f(l.SoundSpeed, 6))
	}
}

// dms renders decimal degrees as signed DD:MM:SS.ss.
func dms(deg float64) string {
	sign := ""
	if deg < 0 {
		sign = "-"
		deg = -deg
	}
	d := math.Floor(deg)
	mf := (deg - d) * 60
	m := math.Floor(mf)
	s := (mf - m) * 60
	if s >= 59.995 {
		s = 0
		m++
	}
	if m >= 60 {
		m = 0
		d++
	}
	return fmt.Sprintf("%s%02d:%02d:%05.2f", sign, int(d), int(m), s)
}

// writeHYPACK emits the .vel layout: a fixed first line then depth/speed pairs.
func writeHYPACK(buf *bytes.Buffer, c *domain.Correction) {
	buf.WriteString("FTP NEW 2\n")
	for _, l := range c.Layers {
		fmt.Fprintf(buf, "%s %s\n", f(l.Depth, 2), f(l.SoundSpeed, 2))
	}
}

// writeCSV emits the beam table when beams were traced, otherwise the depth
// table.
func writeCSV(buf *bytes.Buffer, c *domain.Correction) {
	fmt.Fprintf(buf, "# profile=%s revision=%s scheme=%s confidence=%s\n", c.ProfileID, c.ProfileRevision, c.Scheme, c.Confidence)
	if len(c.Beams) > 0 {
		buf.WriteString("angle_deg,two_way_time,depth,across_track,nominal_depth,depth_correction\n")
		for _, b := range c.Beams {
			buf.WriteString(strings.Join([]string{
				f(b.AngleDeg, 3), f(b.TwoWayTime, 6), f(b.Depth, 3), f(b.AcrossTrack, 3), f(b.NominalDepth, 3), f(b.DepthCorrection, 3),
			}, ","))
			buf.WriteByte('\n')
		}
		return
	}
	buf.WriteString("depth,one_way_time,harmonic_mean_speed,nominal_time,time_correction\n")
	for _, d := range c.Depths {
		buf.WriteString(strings.Join([]string{
			f(d.Depth, 3), f(d.OneWayTime, 9), f(d.HarmonicMeanSpeed, 3), f(d.NominalTime, 9), f(d.TimeCorrection, 9),
		}, ","))
		buf.WriteByte('\n')
	}
}

const defaultProfileIDLength = 64

// writeNCEI emits CDL for the NCEI orthogonal multidimensional profile
// template. Temperature, salinity and sound speed are written only when
// their mean is non-zero.
func writeNCEI(buf *bytes.Buffer, c *domain.Correction) {
	ts := c.Timestamp.UTC()
	profileID := fmt.Sprintf("%s %.7f %.7f %s", ts.Format(time.RFC3339), c.Position.Lon, c.Position.Lat, c.Vessel)
	idLen := max(defaultProfileIDLength, len(profileID))

	var temps, sals, speeds []float64
	depths := make([]float64, len(c.Layers))
	for i, l := range c.Layers {
		depths[i] = l.Depth
		temps = append(temps, deref(l.Temperature))
		sals = append(sals, deref(l.Salinity))
		speeds = append(speeds, l.SoundSpeed)
	}

	fmt.Fprintf(buf, "netcdf %s {\n", cdlName(c.ProfileID))
	buf.WriteString("dimensions:\n")
	fmt.Fprintf(buf, "\tz = %d ;\n\tprofile = 1 ;\n\tprofile_id_length = %d ;\n", len(c.Layers), idLen)
	buf.WriteString("variables:\n")
	variable(buf, "char profile(profile, profile_id_length)",
		attr{"long_name", q("Unique identifier for each feature instance")},
		attr{"cf_role", q("profile_id")})
	variable(buf, "int time(profile)",
		attr{"long_name", q("cast time")},
		attr{"standard_name", q("time")},
		attr{"units", q("seconds since 1970-01-01 00:00:00")},
		attr{"axis", q("T")},
		attr{"_FillValue", "0"})
	variable(buf, "double lat(profile)",
		attr{"long_name", q("latitude")},
		attr{"standard_name", q("latitude")},
		attr{"units", q("degrees_north")},
		attr{"axis", q("Y")},
		attr{"valid_min", "-90."},
		attr{"valid_max", "90."},
		attr{"_FillValue", "180."})
	variable(buf, "double lon(profile)",
		attr{"long_name", q("longitude")},
		attr{"standard_name", q("longitude")},
		attr{"units", q("degrees_east")},
		attr{"axis", q("X")},
		attr{"valid_min", "-180."},
		attr{"valid_max", "180."},
		attr{"_FillValue", "360."})
	variable(buf, "double crs(profile)",
		attr{"grid_mapping_name", q("latitude_longitude")},
		attr{"epsg_code", q("EPSG:4326")},
		attr{"semi_major_axis", "6378137."},
		attr{"inverse_flattening", "298.257223563"})
	variable(buf, "float z(z)",
		attr{"long_name", q("depth below sea surface")},
		attr{"standard_name", q("depth")},
		attr{"units", q("m")},
		attr{"positive", q("down")},
		attr{"axis", q("Z")})
	emitT, emitS, emitC := mean(temps) != 0, mean(sals) != 0, mean(speeds) != 0
	if emitT {
		variable(buf, "float temperature(profile, z)",
			attr{"long_name", q("temperature in sea water")},
			attr{"standard_name", q("sea_water_temperature")},
			attr{"units", q("degree_C")})
	}
	if emitS {
		variable(buf, "float salinity(profile, z)",
			attr{"long_name", q("salinity in sea water")},
			attr{"standard_name", q("sea_water_salinity")},
			attr{"units", q("1e-3")})
	}
	if emitC {
		variable(buf, "float sound_speed(profile, z)",
			attr{"long_name", q("sound speed in sea water")},
			attr{"standard_name", q("speed_of_sound_in_sea_water")},
			attr{"units", q("m s-1")})
	}

	buf.WriteString("\n// global attributes:\n")
	for _, a := range []attr{
		{"ncei_template_version", q("NCEI_NetCDF_Profile_Orthogonal_Template_v2.0")},
		{"featureType", q("profile")},
		{"title", q("Sound speed profile")},
		{"Conventions", q("CF-1.6, ACDD-1.3")},
		{"date_created", q(c.AppliedAt.UTC().Format(time.RFC3339))},
		{"cdm_data_type", q("Station")},
		{"platform", q(c.Vessel)},
		{"source", q(fmt.Sprintf("profile %s (%s), revision %s, scheme %s", c.ProfileID, c.Source, c.ProfileRevision, c.Scheme))},
	} {
		fmt.Fprintf(buf, "\t\t:%s = %s ;\n", a.name, a.value)
	}

	buf.WriteString("data:\n\n")
	fmt.Fprintf(buf, " profile = %s ;\n\n", q(profileID))
	fmt.Fprintf(buf, " time = %d ;\n\n", ts.Unix())
	fmt.Fprintf(buf, " lat = %s ;\n\n", f(c.Position.Lat, 7))
	fmt.Fprintf(buf, " lon = %s ;\n\n", f(c.Position.Lon, 7))
	buf.WriteString(" crs = 4326 ;\n\n")
	series(buf, "z", depths, 3)
	if emitT {
		series(buf, "temperature", temps, 4)
	}
	if emitS {
		series(buf, "salinity", sals, 4)
	}
	if emitC {
		series(buf, "sound_speed", speeds, 3)
	}
	buf.WriteString("}\n")
}

type attr struct {
	name  string
	value string
}

func variable(buf *bytes.Buffer, decl string, attrs ...attr) {
	fmt.Fprintf(buf, "\t%s ;\n", decl)
	name := decl[strings.IndexByte(decl, ' ')+1 : strings.IndexByte(decl, '(')]
	for _, a := range attrs {
		fmt.Fprintf(buf, "\t\t%s:%s = %s ;\n", name, a.name, a.value)
	}
}

func series(buf *bytes.Buffer, name string, values []float64, prec int) {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = f(v, prec)
	}
	fmt.Fprintf(buf, " %s = %s ;\n\n", name, strings.Join(parts, ", "))
}

func q(s string) string { return strconv.Quote(s) }

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

// cdlName makes an identifier safe for the netcdf header line.
func cdlName(id string) string {
	var b strings.Builder
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9' || r == '-':
			if i == 0 {
				b.WriteByte('p')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
