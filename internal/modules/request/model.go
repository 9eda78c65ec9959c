// README: Pending ride-request model read by match discovery and updated on waypoint completion.
package request

import (
	"time"

	"waypool/internal/types"
)

type Status string

const (
	StatusPending Status = "pending"
	// StatusStarted means the rider has been picked up.
	StatusStarted Status = "started"
	// StatusDone means the rider has been dropped off.
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

// Request is one rider's ride request. A request with a driver assigned is no
// longer a match candidate.
type Request struct {
	ID             types.ID
	RiderID        types.ID
	RiderName      string
	Contact        string
	PickupLat      float64
	PickupLng      float64
	PickupAddress  string
	DropoffLat     float64
	DropoffLng     float64
	DropoffAddress string
	Price          float64
	Status         Status
	DriverID       *types.ID
	CreatedAt      time.Time
	PickedUpAt     *time.Time
	DroppedOffAt   *time.Time
}

// Assignable reports whether the request can still be merged into a pool ride.
func (r *Request) Assignable() bool {
	return r.Status == StatusPending && r.DriverID == nil
}
