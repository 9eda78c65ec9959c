// README: Waypoint and leg types shared by the scorer, the sequencer, and the pool aggregate.
package routeplan

import (
	"time"

	"waypool/internal/types"
)

// Kind distinguishes the two halves of a rider's trip.
type Kind string

const (
	KindPickup  Kind = "pickup"
	KindDropoff Kind = "dropoff"
)

// Waypoint is a single stop on a pool ride's route, owned by one rider.
type Waypoint struct {
	Lat         float64
	Lng         float64
	Address     string
	Kind        Kind
	RiderID     types.ID
	RiderName   string
	Order       int
	Completed   bool
	CompletedAt *time.Time
}

// Leg is a point-to-point trip used for similarity scoring.
type Leg struct {
	PickupLat  float64
	PickupLng  float64
	DropoffLat float64
	DropoffLng float64
}
