package correction

import (
	"math"

	"soundspeed/pkg/domain"
)

// gradientEpsilon is the |dc/dz| (1/s) below which a layer is traced as
// constant speed.
const gradientEpsilon = 1e-9

// bisectionSteps fixes the iteration count of the partial gradient layer
// solve so results are reproducible.
const bisectionSteps = 60

var errTurned = &ComputationError{Reason: "ray turns before reaching its travel time (total internal reflection)"}

// scheme integrates a ray with Snell parameter p through one layer.
type scheme interface {
	// cross returns the one-way time and horizontal run across the layer.
	cross(p float64, a, b node) (dt, dx float64, err error)
	// partial returns the depth gained and horizontal run after time tr
	// inside the layer; tr is less than the full crossing time.
	partial(p float64, a, b node, tr float64) (dz, dx float64)
	// vertical returns the one-way vertical time from a down to depth z.
	vertical(a, b node, z float64) float64
}

func schemeFor(s domain.Scheme) scheme {
	switch s {
	case domain.SchemeConstantGradient:
		return gradientScheme{}
	default:
		return layerScheme{}
	}
}

// straight traces a constant-speed segment.
func straight(p, c, h float64) (dt, dx float64, err error) {
	s := p * c
	if s >= 1 {
		return 0, 0, errTurned
	}
	cos := math.Sqrt(1 - s*s)
	return h / (c * cos), h * s / cos, nil
}

func straightPartial(p, c, tr float64) (dz, dx float64) {
	s := p * c
	dist := c * tr
	return dist * math.Sqrt(1-s*s), dist * s
}

// layerScheme uses the mean of the boundary speeds for the whole layer.
type layerScheme struct{}

func (layerScheme) cross(p float64, a, b node) (float64, float64, error) {
	return straight(p, (a.c+b.c)/2, b.z-a.z)
}

func (layerScheme) partial(p float64, a, b node, tr float64) (float64, float64) {
	return straightPartial(p, (a.c+b.c)/2, tr)
}

func (layerScheme) vertical(a, b node, z float64) float64 {
	return (z - a.z) / ((a.c + b.c) / 2)
}

// gradientScheme varies speed linearly inside the layer; rays follow
// circular arcs.
type gradientScheme struct{}

func (gradientScheme) cross(p float64, a, b node) (float64, float64, error) {
	h := b.z - a.z
	g := (b.c - a.c) / h
	if math.Abs(g) < gradientEpsilon {
		return straight(p, a.c, h)
	}
	return arc(p, g, a.c, b.c)
}

func arc(p, g, c1, c2 float64) (dt, dx float64, err error) {
	s1, s2 := p*c1, p*c2
	if s1 >= 1 || s2 >= 1 {
		return 0, 0, errTurned
	}
	cos1, cos2 := math.Sqrt(1-s1*s1), math.Sqrt(1-s2*s2)
	dt = math.Log((c2*(1+cos1))/(c1*(1+cos2))) / g
	if p > 0 {
		dx = (cos1 - cos2) / (p * g)
	}
	return dt, dx, nil
}

func (gs gradientScheme) partial(p float64, a, b node, tr float64) (float64, float64) {
	h := b.z - a.z
	g := (b.c - a.c) / h
	if math.Abs(g) < gradientEpsilon {
		return straightPartial(p, a.c, tr)
	}
	lo, hi := 0.0, h
	for range bisectionSteps {
		mid := (lo + hi) / 2
		dt, _, err := arc(p, g, a.c, a.c+g*mid)
		if err != nil || dt > tr {
			hi = mid
		} else {
			lo = mid
		}
	}
	dz := (lo + hi) / 2
	_, dx, _ := arc(p, g, a.c, a.c+g*dz)
	return dz, dx
}

func (gradientScheme) vertical(a, b node, z float64) float64 {
	h := b.z - a.z
	g := (b.c - a.c) / h
	if math.Abs(g) < gradientEpsilon {
		return (z - a.z) / a.c
	}
	cz := a.c + g*(z-a.z)
	return math.Log(cz/a.c) / g
}

// traceBeam follows one beam for half its two-way time.
func traceBeam(sc scheme, col column, b domain.Beam) (domain.BeamSolution, error) {
	theta := b.AngleDeg * math.Pi / 180
	p := math.Sin(theta) / col[0].c
	remaining := b.TwoWayTime / 2
	z, x := col[0].z, 0.0
	for i := 1; i < len(col); i++ {
		dt, dx, err := sc.cross(p, col[i-1], col[i])
		if err != nil {
			return domain.BeamSolution{}, err
		}
		if dt >= remaining {
			dz, px := sc.partial(p, col[i-1], col[i], remaining)
			z += dz
			x += px
			remaining = 0
			break
		}
		remaining -= dt
		z = col[i].z
		x += dx
	}
	if remaining > 0 {
		last := col[len(col)-1].c
		if p*last >= 1 {
			return domain.BeamSolution{}, errTurned
		}
		dz, dx := straightPartial(p, last, remaining)
		z += dz
		x += dx
	}
	nominal := col[0].z + NominalSpeed*(b.TwoWayTime/2)*math.Cos(theta)
	return domain.BeamSolution{
		AngleDeg:        b.AngleDeg,
		TwoWayTime:      b.TwoWayTime,
		Depth:           z,
		AcrossTrack:     x,
		NominalDepth:    nominal,
		DepthCorrection: z - nominal,
	}, nil
}

// verticalTime integrates one-way vertical travel time from the transducer
// down to depth d.
func verticalTime(sc scheme, col column, d float64) float64 {
	var t float64
	for i := 1; i < len(col); i++ {
		a, b := col[i-1], col[i]
		if d <= b.z {
			return t + sc.vertical(a, b, d)
		}
		t += sc.vertical(a, b, b.z)
	}
	last := col[len(col)-1]
	return t + (d-last.z)/last.c
}

func solveDepth(sc scheme, col column, d float64) domain.DepthSolution {
	z0 := col[0].z
	t := verticalTime(sc, col, d)
	hm := col[0].c
	if d > z0 {
		hm = (d - z0) / t
	}
	nominal := (d - z0) / NominalSpeed
	return domain.DepthSolution{
		Depth:             d,
		OneWayTime:        t,
		HarmonicMeanSpeed: hm,
		NominalTime:       nominal,
		TimeCorrection:    t - nominal,
	}
}
