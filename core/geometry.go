package core

import (
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// EarthRadiusM is the mean Earth radius used by the per-tick integrator and
// the great-circle helpers (metres).
const EarthRadiusM = 6371000.0

const (
	degToRad = math.Pi / 180.0
	radToDeg = 180.0 / math.Pi
)

// GeoPoint is a WGS84 position. AltM is height above the ellipsoid in metres.
type GeoPoint struct {
	Lat  float64
	Lon  float64
	AltM float64
}

// Haversine returns the great-circle distance in metres between two
// latitude/longitude pairs given in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := lat1*degToRad, lat2*degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lon2 - lon1) * degToRad

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}

// InitialBearing returns the forward azimuth in degrees, [0, 360), of the
// great circle from the first point to the second.
func InitialBearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := lat1*degToRad, lat2*degToRad
	dLambda := (lon2 - lon1) * degToRad

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	return NormalizeDegrees(math.Atan2(y, x) * radToDeg)
}

// NormalizeDegrees wraps an angle into [0, 360).
func NormalizeDegrees(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	// -tiny + 360 rounds to exactly 360 in float64.
	if d >= 360 {
		d = 0
	}
	return d
}

// normalizeLongitude wraps a longitude into [-180, 180).
func normalizeLongitude(lon float64) float64 {
	if lon >= -180 && lon < 180 {
		return lon
	}
	return NormalizeDegrees(lon+180) - 180
}

// Look is a topocentric look angle from an observer to a target.
type Look struct {
	AzimuthDeg   float64
	ElevationDeg float64
	RangeM       float64
}

// LookAngles computes azimuth, elevation and slant range from observer to
// target at the given instant. Both points are converted to ECI with the
// same Julian date so the Earth-rotation term cancels; go-satellite works in
// kilometres and radians.
func LookAngles(observer, target GeoPoint, at time.Time) Look {
	at = at.UTC()
	year, month, day := at.Date()
	hour, minute, sec := at.Clock()
	jday := satellite.JDay(year, int(month), day, hour, minute, sec)

	targetECI := satellite.LLAToECI(
		satellite.LatLong{Latitude: target.Lat * degToRad, Longitude: target.Lon * degToRad},
		target.AltM/1000.0,
		jday,
	)
	la := satellite.ECIToLookAngles(
		targetECI,
		satellite.LatLong{Latitude: observer.Lat * degToRad, Longitude: observer.Lon * degToRad},
		observer.AltM/1000.0,
		jday,
	)

	return Look{
		AzimuthDeg:   NormalizeDegrees(la.Az * radToDeg),
		ElevationDeg: la.El * radToDeg,
		RangeM:       la.Rg * 1000.0,
	}
}
