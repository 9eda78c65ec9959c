// README: Pool-ride aggregate, passenger, route, and status definitions.
package pool

import (
	"time"

	"waypool/internal/modules/routeplan"
	"waypool/internal/types"
)

type Status string

const (
	StatusNone       Status = "none"
	StatusMatching   Status = "matching"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// AllowedTransitions represents the pool-ride state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusMatching:   {StatusConfirmed, StatusInProgress, StatusCancelled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

type PassengerStatus string

const (
	PassengerWaiting    PassengerStatus = "waiting"
	PassengerConfirmed  PassengerStatus = "confirmed"
	PassengerPickedUp   PassengerStatus = "picked_up"
	PassengerDroppedOff PassengerStatus = "dropped_off"
	PassengerCancelled  PassengerStatus = "cancelled"
)

// Active reports whether the passenger still occupies a seat.
func (s PassengerStatus) Active() bool {
	return s != PassengerCancelled
}

// Stop is one end of a passenger's trip.
type Stop struct {
	Lat     float64
	Lng     float64
	Address string
}

// Passenger is one rider's participation in a pool ride.
type Passenger struct {
	RiderID         types.ID
	RiderName       string
	Contact         string
	RequestID       types.ID
	Pickup          Stop
	Dropoff         Stop
	Status          PassengerStatus
	OriginalPrice   float64
	DiscountedPrice float64
	DiscountPercent float64
	JoinedAt        time.Time
	PickedUpAt      *time.Time
	DroppedOffAt    *time.Time
}

// Route is the ride's ordered stop list plus display totals.
type Route struct {
	Waypoints        []routeplan.Waypoint
	TotalDistanceKm  float64
	TotalDurationMin float64
	// EstimatedSavings is the sum of original minus discounted fares over
	// active passengers.
	EstimatedSavings float64
}

// Ride is the aggregate root. All mutation goes through Service so the
// invariants (fare totals, waypoint pairing, capacity) hold after every
// commit.
type Ride struct {
	ID              types.ID
	DriverID        types.ID
	DriverName      string
	CarType         string
	Status          Status
	StatusVersion   int
	Passengers      []Passenger
	MaxPassengers   int
	VehicleCapacity int
	Route           Route
	CurrentWaypoint int
	TotalFare       float64
	DriverEarnings  float64
	PlatformFee     float64
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Event is one audit row per status or membership transition. Reason is
// free text from the caller, only set on cancellations.
type Event struct {
	ID        int64
	RideID    types.ID
	Kind      string
	RiderID   *types.ID
	From      Status
	To        Status
	Reason    string
	CreatedAt time.Time
}

// ActivePassengerCount counts passengers who have not cancelled.
func (r *Ride) ActivePassengerCount() int {
	n := 0
	for _, p := range r.Passengers {
		if p.Status.Active() {
			n++
		}
	}
	return n
}

// PassengersInVehicle returns passengers currently riding.
func (r *Ride) PassengersInVehicle() []Passenger {
	return r.filterPassengers(func(p Passenger) bool {
		return p.Status == PassengerPickedUp
	})
}

// PassengersWaiting returns passengers not yet picked up.
func (r *Ride) PassengersWaiting() []Passenger {
	return r.filterPassengers(func(p Passenger) bool {
		return p.Status == PassengerWaiting || p.Status == PassengerConfirmed
	})
}

func (r *Ride) filterPassengers(keep func(Passenger) bool) []Passenger {
	var out []Passenger
	for _, p := range r.Passengers {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// NextWaypoint returns the first uncompleted waypoint in route order, or nil
// when none remain.
func (r *Ride) NextWaypoint() *routeplan.Waypoint {
	for i := range r.Route.Waypoints {
		if !r.Route.Waypoints[i].Completed {
			return &r.Route.Waypoints[i]
		}
	}
	return nil
}

func (r *Ride) passengerByRider(riderID types.ID) *Passenger {
	for i := range r.Passengers {
		if r.Passengers[i].RiderID == riderID {
			return &r.Passengers[i]
		}
	}
	return nil
}
