// README: Pool-ride service implements aggregate mutations under per-ride mutual exclusion.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"waypool/internal/modules/fare"
	"waypool/internal/modules/geo"
	"waypool/internal/modules/routeplan"
	"waypool/internal/types"
)

var (
	ErrValidation        = errors.New("invalid input")
	ErrCapacityExceeded  = errors.New("pool capacity exceeded")
	ErrNotFound          = errors.New("pool ride not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("pool ride state conflict")
)

// Store persists the aggregate. Save is a compare-and-swap on StatusVersion:
// it returns false when the stored version moved underneath the caller.
type Store interface {
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id types.ID) (*Ride, error)
	Save(ctx context.Context, r *Ride) (bool, error)
	ListActive(ctx context.Context) ([]*Ride, error)
	AppendEvent(ctx context.Context, e *Event) error
}

// RouteEstimator is the road-network routing provider. It only refreshes the
// display totals; all matching math stays straight-line.
type RouteEstimator interface {
	Estimate(ctx context.Context, from, to types.Point) (distanceKm, durationMin float64, err error)
}

// Publisher pushes a fresh ride snapshot to the driver's client after each
// committed mutation. Best-effort; a failed push never fails the mutation.
type Publisher interface {
	PublishRideSnapshot(ctx context.Context, r *Ride) error
}

type Service struct {
	store       Store
	fares       fare.Engine
	routes      RouteEstimator // optional
	publisher   Publisher      // optional
	log         *slog.Logger
	avgSpeedKmh float64

	mu    sync.Mutex
	locks map[types.ID]*sync.Mutex
}

func NewService(store Store, fares fare.Engine, avgSpeedKmh float64, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if avgSpeedKmh <= 0 {
		avgSpeedKmh = 30
	}
	return &Service{
		store:       store,
		fares:       fares,
		log:         log,
		avgSpeedKmh: avgSpeedKmh,
		locks:       make(map[types.ID]*sync.Mutex),
	}
}

// WithRouteEstimator attaches an optional routing provider.
func (s *Service) WithRouteEstimator(r RouteEstimator) *Service {
	s.routes = r
	return s
}

// WithPublisher attaches an optional snapshot publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// SeedPassenger is the rider payload for Create and AddPassenger.
type SeedPassenger struct {
	RequestID types.ID
	RiderID   types.ID
	RiderName string
	Contact   string
	Pickup    Stop
	Dropoff   Stop
	Price     float64
}

type CreateCommand struct {
	DriverID        types.ID
	DriverName      string
	CarType         string
	VehicleCapacity int
	MaxPassengers   int
	DriverLat       float64
	DriverLng       float64
	First           SeedPassenger
}

// Create seeds a pool ride with its first passenger at the zero-discount
// tier and two sequenced waypoints.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Ride, error) {
	if cmd.DriverID == "" || cmd.First.RiderID == "" || cmd.First.RequestID == "" {
		return nil, fmt.Errorf("%w: missing ids", ErrValidation)
	}
	if cmd.VehicleCapacity <= 0 || cmd.MaxPassengers <= 0 || cmd.MaxPassengers > cmd.VehicleCapacity {
		return nil, fmt.Errorf("%w: max passengers %d exceeds vehicle capacity %d",
			ErrValidation, cmd.MaxPassengers, cmd.VehicleCapacity)
	}
	if cmd.First.Price < 0 {
		return nil, fmt.Errorf("%w: negative price", ErrValidation)
	}
	if !geo.ValidCoord(cmd.DriverLat, cmd.DriverLng) ||
		!geo.ValidCoord(cmd.First.Pickup.Lat, cmd.First.Pickup.Lng) ||
		!geo.ValidCoord(cmd.First.Dropoff.Lat, cmd.First.Dropoff.Lng) {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrValidation)
	}

	now := time.Now()
	r := &Ride{
		ID:              types.ID(uuid.NewString()),
		DriverID:        cmd.DriverID,
		DriverName:      cmd.DriverName,
		CarType:         cmd.CarType,
		Status:          StatusMatching,
		VehicleCapacity: cmd.VehicleCapacity,
		MaxPassengers:   cmd.MaxPassengers,
		CreatedAt:       now,
		Passengers:      []Passenger{newPassenger(cmd.First, now)},
	}
	r.Route.Waypoints = riderWaypoints(cmd.First)
	s.resequence(ctx, r, cmd.DriverLat, cmd.DriverLng)
	s.reprice(r)

	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, r, "created", nil, StatusNone, StatusMatching, "")
	s.publish(ctx, r)
	return r, nil
}

type AddPassengerCommand struct {
	RideID    types.ID
	DriverLat float64
	DriverLng float64
	Passenger SeedPassenger
}

// AddPassenger folds one more rider into the ride: capacity is re-checked
// here under the ride lock (discovery's earlier check may have gone stale),
// every active passenger is re-priced to the new discount tier, and the
// active waypoints are re-sequenced from the driver's current position.
func (s *Service) AddPassenger(ctx context.Context, cmd AddPassengerCommand) (*Ride, error) {
	if cmd.Passenger.RiderID == "" || cmd.Passenger.RequestID == "" {
		return nil, fmt.Errorf("%w: missing ids", ErrValidation)
	}
	if cmd.Passenger.Price < 0 {
		return nil, fmt.Errorf("%w: negative price", ErrValidation)
	}
	if !geo.ValidCoord(cmd.DriverLat, cmd.DriverLng) ||
		!geo.ValidCoord(cmd.Passenger.Pickup.Lat, cmd.Passenger.Pickup.Lng) ||
		!geo.ValidCoord(cmd.Passenger.Dropoff.Lat, cmd.Passenger.Dropoff.Lng) {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrValidation)
	}

	lock := s.lockRide(cmd.RideID)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusCompleted || r.Status == StatusCancelled {
		return nil, ErrInvalidTransition
	}
	if p := r.passengerByRider(cmd.Passenger.RiderID); p != nil && p.Status.Active() {
		return nil, fmt.Errorf("%w: rider already on this ride", ErrValidation)
	}
	if r.ActivePassengerCount() >= r.MaxPassengers {
		return nil, ErrCapacityExceeded
	}

	r.Passengers = append(r.Passengers, newPassenger(cmd.Passenger, time.Now()))
	r.Route.Waypoints = append(activeWaypoints(r), riderWaypoints(cmd.Passenger)...)
	s.resequence(ctx, r, cmd.DriverLat, cmd.DriverLng)
	s.reprice(r)

	if err := s.save(ctx, r); err != nil {
		return nil, err
	}
	riderID := cmd.Passenger.RiderID
	s.appendEvent(ctx, r, "passenger_joined", &riderID, r.Status, r.Status, "")
	s.publish(ctx, r)
	return r, nil
}

type CancelPassengerCommand struct {
	RideID  types.ID
	RiderID types.ID
	Reason  string
}

// CancelPassenger marks the rider cancelled, drops their pending waypoints,
// and re-prices the remaining riders; a lone remaining rider is back to full
// fare. When the last rider leaves, the whole ride cancels.
func (s *Service) CancelPassenger(ctx context.Context, cmd CancelPassengerCommand) (*Ride, error) {
	lock := s.lockRide(cmd.RideID)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusCompleted || r.Status == StatusCancelled {
		return nil, ErrInvalidTransition
	}
	p := r.passengerByRider(cmd.RiderID)
	if p == nil || !p.Status.Active() {
		return nil, fmt.Errorf("%w: no active passenger %s", ErrNotFound, cmd.RiderID)
	}

	p.Status = PassengerCancelled
	r.Route.Waypoints = activeWaypoints(r)
	renumber(r)
	s.recomputeTotals(ctx, r)
	s.reprice(r)

	from := r.Status
	rideCancelled := false
	if r.ActivePassengerCount() == 0 && CanTransition(r.Status, StatusCancelled) {
		r.Status = StatusCancelled
		rideCancelled = true
	}

	if err := s.save(ctx, r); err != nil {
		return nil, err
	}
	riderID := cmd.RiderID
	s.appendEvent(ctx, r, "passenger_cancelled", &riderID, from, r.Status, cmd.Reason)
	if rideCancelled {
		s.appendEvent(ctx, r, "cancelled", nil, from, StatusCancelled, "")
		s.releaseLock(r.ID)
	}
	s.publish(ctx, r)
	return r, nil
}

// Completion tells the caller which request record to update after a
// waypoint completes. The aggregate never writes the request store itself.
type Completion struct {
	RiderID       types.ID
	RequestID     types.ID
	Kind          routeplan.Kind
	RideCompleted bool
}

// CompleteWaypoint marks the waypoint at index completed and advances the
// owning passenger. Re-completing an index or passing one out of range is
// ErrValidation and leaves fare totals untouched.
func (s *Service) CompleteWaypoint(ctx context.Context, rideID types.ID, index int) (*Completion, error) {
	lock := s.lockRide(rideID)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusCompleted || r.Status == StatusCancelled {
		return nil, ErrInvalidTransition
	}
	if index < 0 || index >= len(r.Route.Waypoints) {
		return nil, fmt.Errorf("%w: waypoint index %d out of range", ErrValidation, index)
	}
	wp := &r.Route.Waypoints[index]
	if wp.Completed {
		return nil, fmt.Errorf("%w: waypoint %d already completed", ErrValidation, index)
	}
	if wp.Kind == routeplan.KindDropoff && !pickupCompleted(r, wp.RiderID) {
		return nil, fmt.Errorf("%w: rider %s not picked up yet", ErrValidation, wp.RiderID)
	}

	now := time.Now()
	wp.Completed = true
	wp.CompletedAt = &now

	p := r.passengerByRider(wp.RiderID)
	if p != nil {
		switch wp.Kind {
		case routeplan.KindPickup:
			p.Status = PassengerPickedUp
			p.PickedUpAt = &now
		case routeplan.KindDropoff:
			p.Status = PassengerDroppedOff
			p.DroppedOffAt = &now
		}
	}

	r.CurrentWaypoint = firstUncompleted(r)

	from := r.Status
	completion := &Completion{Kind: wp.Kind, RiderID: wp.RiderID}
	if p != nil {
		completion.RequestID = p.RequestID
	}
	if r.NextWaypoint() == nil && CanTransition(r.Status, StatusCompleted) {
		r.Status = StatusCompleted
		r.CompletedAt = &now
		completion.RideCompleted = true
	}

	if err := s.save(ctx, r); err != nil {
		return nil, err
	}
	riderID := wp.RiderID
	s.appendEvent(ctx, r, "waypoint_completed", &riderID, from, r.Status, "")
	if completion.RideCompleted {
		s.releaseLock(r.ID)
	}
	s.publish(ctx, r)
	return completion, nil
}

// Start moves the ride into in_progress.
func (s *Service) Start(ctx context.Context, rideID types.ID) (*Ride, error) {
	lock := s.lockRide(rideID)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, StatusInProgress) {
		return nil, ErrInvalidTransition
	}
	from := r.Status
	now := time.Now()
	r.Status = StatusInProgress
	r.StartedAt = &now

	if err := s.save(ctx, r); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, r, "started", nil, from, StatusInProgress, "")
	s.publish(ctx, r)
	return r, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return s.store.Get(ctx, id)
}

// ListActive exposes the store's active-ride scan for the match scheduler.
func (s *Service) ListActive(ctx context.Context) ([]*Ride, error) {
	return s.store.ListActive(ctx)
}

// ---------------------------------------------------------------------------
// Aggregate recomputation. Every mutation assembles the full next state in
// memory through these helpers, then commits with a single Save.
// ---------------------------------------------------------------------------

// reprice applies the current passenger-count discount tier to every active
// passenger and rebuilds the fare totals from scratch.
func (s *Service) reprice(r *Ride) {
	n := r.ActivePassengerCount()
	pct := s.fares.DiscountPercent(n)

	total := 0.0
	savings := 0.0
	for i := range r.Passengers {
		p := &r.Passengers[i]
		if !p.Status.Active() {
			continue
		}
		p.DiscountPercent = pct
		p.DiscountedPrice = s.fares.SharedFare(p.OriginalPrice, n)
		total += p.DiscountedPrice
		savings += p.OriginalPrice - p.DiscountedPrice
	}
	r.TotalFare = total
	r.DriverEarnings, r.PlatformFee = s.fares.Split(total)
	r.Route.EstimatedSavings = savings
}

// resequence re-orders the pending waypoints from the driver's position,
// keeping already-completed stops as a fixed prefix, then refreshes totals.
func (s *Service) resequence(ctx context.Context, r *Ride, driverLat, driverLng float64) {
	var done, pending []routeplan.Waypoint
	for _, wp := range r.Route.Waypoints {
		if wp.Completed {
			done = append(done, wp)
		} else {
			pending = append(pending, wp)
		}
	}
	ordered := routeplan.OptimizeOrder(pending, driverLat, driverLng)
	r.Route.Waypoints = append(done, ordered...)
	renumber(r)
	s.recomputeTotals(ctx, r)
}

// recomputeTotals refreshes the display distance/duration over the pending
// stops. The routing provider supplies road legs when available; any failure
// falls back to the straight-line chain.
func (s *Service) recomputeTotals(ctx context.Context, r *Ride) {
	var points []types.Point
	for _, wp := range r.Route.Waypoints {
		if !wp.Completed {
			points = append(points, types.Point{Lat: wp.Lat, Lng: wp.Lng})
		}
	}
	if len(points) < 2 {
		r.Route.TotalDistanceKm = 0
		r.Route.TotalDurationMin = 0
		return
	}

	totalKm := 0.0
	totalMin := 0.0
	for i := 1; i < len(points); i++ {
		km, min, ok := s.legEstimate(ctx, points[i-1], points[i])
		if !ok {
			km = geo.DistanceKm(points[i-1].Lat, points[i-1].Lng, points[i].Lat, points[i].Lng)
			min = km / s.avgSpeedKmh * 60
		}
		totalKm += km
		totalMin += min
	}
	r.Route.TotalDistanceKm = totalKm
	r.Route.TotalDurationMin = totalMin
}

func (s *Service) legEstimate(ctx context.Context, from, to types.Point) (km, min float64, ok bool) {
	if s.routes == nil {
		return 0, 0, false
	}
	km, min, err := s.routes.Estimate(ctx, from, to)
	if err != nil {
		s.log.Debug("route estimate failed, using straight line", "error", err)
		return 0, 0, false
	}
	return km, min, true
}

func (s *Service) save(ctx context.Context, r *Ride) error {
	ok, err := s.store.Save(ctx, r)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func (s *Service) appendEvent(ctx context.Context, r *Ride, kind string, riderID *types.ID, from, to Status, reason string) {
	err := s.store.AppendEvent(ctx, &Event{
		RideID:    r.ID,
		Kind:      kind,
		RiderID:   riderID,
		From:      from,
		To:        to,
		Reason:    reason,
		CreatedAt: time.Now(),
	})
	if err != nil {
		s.log.Warn("appending ride event failed", "ride_id", r.ID, "kind", kind, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, r *Ride) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishRideSnapshot(ctx, r); err != nil {
		s.log.Warn("publishing ride snapshot failed", "ride_id", r.ID, "error", err)
	}
}

func (s *Service) lockRide(id types.ID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// releaseLock drops a terminal ride's mutex from the map. Waiters already
// holding the pointer proceed normally and then fail the status check;
// anyone later gets a fresh mutex for the same outcome.
func (s *Service) releaseLock(id types.ID) {
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Small pure helpers.
// ---------------------------------------------------------------------------

// pickupCompleted reports whether the rider's pickup waypoint has already
// been completed. A rider with no pickup waypoint has nothing to wait on.
func pickupCompleted(r *Ride, riderID types.ID) bool {
	for _, wp := range r.Route.Waypoints {
		if wp.RiderID == riderID && wp.Kind == routeplan.KindPickup {
			return wp.Completed
		}
	}
	return true
}

func newPassenger(seed SeedPassenger, joinedAt time.Time) Passenger {
	return Passenger{
		RiderID:         seed.RiderID,
		RiderName:       seed.RiderName,
		Contact:         seed.Contact,
		RequestID:       seed.RequestID,
		Pickup:          seed.Pickup,
		Dropoff:         seed.Dropoff,
		Status:          PassengerConfirmed,
		OriginalPrice:   seed.Price,
		DiscountedPrice: seed.Price,
		JoinedAt:        joinedAt,
	}
}

func riderWaypoints(seed SeedPassenger) []routeplan.Waypoint {
	return []routeplan.Waypoint{
		{
			Lat: seed.Pickup.Lat, Lng: seed.Pickup.Lng, Address: seed.Pickup.Address,
			Kind: routeplan.KindPickup, RiderID: seed.RiderID, RiderName: seed.RiderName,
		},
		{
			Lat: seed.Dropoff.Lat, Lng: seed.Dropoff.Lng, Address: seed.Dropoff.Address,
			Kind: routeplan.KindDropoff, RiderID: seed.RiderID, RiderName: seed.RiderName,
		},
	}
}

// activeWaypoints keeps completed stops plus the pending stops of active
// passengers; a cancelled rider's pending stops drop out.
func activeWaypoints(r *Ride) []routeplan.Waypoint {
	var out []routeplan.Waypoint
	for _, wp := range r.Route.Waypoints {
		if wp.Completed {
			out = append(out, wp)
			continue
		}
		if p := r.passengerByRider(wp.RiderID); p != nil && p.Status.Active() {
			out = append(out, wp)
		}
	}
	return out
}

func renumber(r *Ride) {
	for i := range r.Route.Waypoints {
		r.Route.Waypoints[i].Order = i
	}
	r.CurrentWaypoint = firstUncompleted(r)
}

func firstUncompleted(r *Ride) int {
	for i, wp := range r.Route.Waypoints {
		if !wp.Completed {
			return i
		}
	}
	return len(r.Route.Waypoints)
}
