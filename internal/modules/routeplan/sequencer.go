// README: Greedy nearest-neighbor waypoint ordering with pickup-before-dropoff precedence.
package routeplan

import (
	"waypool/internal/modules/geo"
	"waypool/internal/types"
)

// OptimizeOrder orders waypoints by repeatedly taking the nearest eligible
// stop from the current position, starting at (startLat, startLng). A dropoff
// is eligible only once its rider's pickup has been placed. Ties go to the
// earliest input index, so the result is deterministic.
//
// Malformed input (a dropoff whose pickup is absent) ends the loop early and
// the partial order is returned; the sequencer never panics. O(n²) is fine
// here since n is at most twice the passenger cap.
func OptimizeOrder(waypoints []Waypoint, startLat, startLng float64) []Waypoint {
	ordered := make([]Waypoint, 0, len(waypoints))
	placed := make([]bool, len(waypoints))
	pickedUp := make(map[types.ID]bool, len(waypoints)/2)

	curLat, curLng := startLat, startLng

	for len(ordered) < len(waypoints) {
		best := -1
		bestDist := 0.0
		for i, wp := range waypoints {
			if placed[i] {
				continue
			}
			if wp.Kind == KindDropoff && !pickedUp[wp.RiderID] {
				continue
			}
			d := geo.DistanceKm(curLat, curLng, wp.Lat, wp.Lng)
			if best == -1 || d < bestDist {
				best = i
				bestDist = d
			}
		}
		if best == -1 {
			// No eligible waypoint left; well-formed input never gets here.
			break
		}

		placed[best] = true
		wp := waypoints[best]
		if wp.Kind == KindPickup {
			pickedUp[wp.RiderID] = true
		}
		wp.Order = len(ordered)
		ordered = append(ordered, wp)
		curLat, curLng = wp.Lat, wp.Lng
	}

	return ordered
}
