// README: Route similarity scoring and detour estimation for candidate matching.
package routeplan

import (
	"math"

	"waypool/internal/modules/geo"
)

// Scoring weights and radii for the similarity score. The three weights sum
// to 1; direction alignment dominates, then dropoff proximity, then pickup
// proximity.
type Scoring struct {
	DirectionWeight float64
	DropoffWeight   float64
	PickupWeight    float64
	PickupRadiusKm  float64
	DropoffRadiusKm float64
}

func DefaultScoring() Scoring {
	return Scoring{
		DirectionWeight: 0.40,
		DropoffWeight:   0.35,
		PickupWeight:    0.25,
		PickupRadiusKm:  5,
		DropoffRadiusKm: 5,
	}
}

// Similarity scores how well two point-to-point trips align, 0..100.
// It combines cosine similarity of the two travel vectors with proximity of
// the pickup and dropoff endpoints. A leg whose pickup equals its dropoff has
// no direction; its direction component scores 0 rather than dividing by zero.
//
// This is a straight-line heuristic, not a road-network query: downstream use
// is advisory candidate ranking, not billing.
func Similarity(a, b Leg, sc Scoring) int {
	direction := directionScore(a, b)

	pickupKm := geo.DistanceKm(a.PickupLat, a.PickupLng, b.PickupLat, b.PickupLng)
	dropoffKm := geo.DistanceKm(a.DropoffLat, a.DropoffLng, b.DropoffLat, b.DropoffLng)

	pickup := proximityScore(pickupKm, sc.PickupRadiusKm)
	dropoff := proximityScore(dropoffKm, sc.DropoffRadiusKm)

	score := sc.DirectionWeight*direction + sc.DropoffWeight*dropoff + sc.PickupWeight*pickup
	rounded := int(math.Round(score))
	if rounded < 0 {
		return 0
	}
	if rounded > 100 {
		return 100
	}
	return rounded
}

// directionScore maps the cosine of the angle between the two travel vectors
// from [-1,1] to [0,100].
func directionScore(a, b Leg) float64 {
	axLat := a.DropoffLat - a.PickupLat
	axLng := a.DropoffLng - a.PickupLng
	bxLat := b.DropoffLat - b.PickupLat
	bxLng := b.DropoffLng - b.PickupLng

	magA := math.Sqrt(axLat*axLat + axLng*axLng)
	magB := math.Sqrt(bxLat*bxLat + bxLng*bxLng)
	if magA == 0 || magB == 0 {
		return 0
	}

	cos := (axLat*bxLat + axLng*bxLng) / (magA * magB)
	return (cos + 1) / 2 * 100
}

func proximityScore(distanceKm, radiusKm float64) float64 {
	if radiusKm <= 0 {
		return 0
	}
	return math.Max(0, 1-distanceKm/radiusKm) * 100
}

// DetourPolicy bounds how much a candidate may stretch the current route.
type DetourPolicy struct {
	MaxPercent float64
	// SmallDetourKm is an absolute carve-out: detours shorter than this are
	// accepted regardless of the relative bound. Intentional leniency for
	// short pool rides where any stop is a large fraction of the route.
	SmallDetourKm float64
	AvgSpeedKmh   float64
}

func DefaultDetourPolicy() DetourPolicy {
	return DetourPolicy{MaxPercent: 30, SmallDetourKm: 2, AvgSpeedKmh: 30}
}

// Detour is the estimated cost of folding one more rider into a route.
type Detour struct {
	DistanceKm  float64
	DurationMin float64
	Acceptable  bool
}

// EstimateDetour approximates the extra distance a route grows by serving the
// candidate's trip: for each of its two endpoints, the minimum straight-line
// distance to any existing waypoint, summed. routeKm is the route's current
// total distance; a zero-distance route falls back to the absolute carve-out
// alone.
func EstimateDetour(waypoints []Waypoint, routeKm float64, candidate Leg, pol DetourPolicy) Detour {
	if len(waypoints) == 0 {
		return Detour{Acceptable: true}
	}

	pickupKm := minDistanceTo(waypoints, candidate.PickupLat, candidate.PickupLng)
	dropoffKm := minDistanceTo(waypoints, candidate.DropoffLat, candidate.DropoffLng)
	totalKm := pickupKm + dropoffKm

	acceptable := totalKm < pol.SmallDetourKm
	if !acceptable && routeKm > 0 {
		acceptable = totalKm/routeKm*100 <= pol.MaxPercent
	}

	var durationMin float64
	if pol.AvgSpeedKmh > 0 {
		durationMin = totalKm / pol.AvgSpeedKmh * 60
	}

	return Detour{DistanceKm: totalKm, DurationMin: durationMin, Acceptable: acceptable}
}

func minDistanceTo(waypoints []Waypoint, lat, lng float64) float64 {
	min := math.Inf(1)
	for _, wp := range waypoints {
		if d := geo.DistanceKm(lat, lng, wp.Lat, wp.Lng); d < min {
			min = d
		}
	}
	return min
}
