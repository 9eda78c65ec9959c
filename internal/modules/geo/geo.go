// Package geo contains pure geographic computation helpers.
package geo

import "math"

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// BearingDegrees returns the initial compass bearing from the first point to
// the second, in [0, 360). Identical points yield 0.
func BearingDegrees(lat1, lng1, lat2, lng2 float64) float64 {
	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)
	dLng := degreesToRadians(lng2 - lng1)

	y := math.Sin(dLng) * math.Cos(rLat2)
	x := math.Cos(rLat1)*math.Sin(rLat2) - math.Sin(rLat1)*math.Cos(rLat2)*math.Cos(dLng)

	deg := math.Atan2(y, x) * 180.0 / math.Pi
	return math.Mod(deg+360.0, 360.0)
}

// FitZoom returns a map zoom level that fits the given bounding box,
// clamped to [1, 18]. Used by clients to frame the whole route.
func FitZoom(minLat, minLng, maxLat, maxLng float64) int {
	span := math.Max(math.Abs(maxLat-minLat), math.Abs(maxLng-minLng))
	if span <= 0 {
		return 15
	}
	zoom := int(math.Floor(math.Log2(360.0 / span)))
	if zoom < 1 {
		zoom = 1
	}
	if zoom > 18 {
		zoom = 18
	}
	return zoom
}

// ValidCoord reports whether lat/lng are finite and within WGS84 bounds.
// Callers reject bad coordinates at the boundary so the math above never
// sees NaN or Infinity.
func ValidCoord(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lng) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
