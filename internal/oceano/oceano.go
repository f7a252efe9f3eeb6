// Package oceano holds the seawater relations used when an instrument does
// not report sound speed or depth directly.
package oceano

import "math"

// DefaultSalinity is used when a probe (XBT) measures temperature only.
const DefaultSalinity = 35.0

// SoundSpeed returns the Mackenzie (1981) nine-term sound speed in m/s for
// temperature t (°C), practical salinity s and depth d (m). Valid for
// 2–30 °C, 25–40 PSU and 0–8000 m.
func SoundSpeed(t, s, d float64) float64 {
	ds := s - 35
	return 1448.96 +
		4.591*t -
		5.304e-2*t*t +
		2.374e-4*t*t*t +
		1.340*ds +
		1.630e-2*d +
		1.675e-7*d*d -
		1.025e-2*t*ds -
		7.139e-13*t*d*d*d
}

// DepthFromPressure converts sea pressure (dbar) to depth (m) at latitude lat
// using Saunders (1981).
func DepthFromPressure(p, lat float64) float64 {
	sin := math.Sin(lat * math.Pi / 180)
	c1 := (5.92 + 5.25*sin*sin) * 1e-3
	return (1-c1)*p - 2.21e-6*p*p
}
