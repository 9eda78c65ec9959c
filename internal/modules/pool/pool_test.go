// README: Pool service tests over an in-memory store.
package pool

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"waypool/internal/config"
	"waypool/internal/modules/fare"
	"waypool/internal/types"
)

// memStore is an in-memory Store with the same CAS semantics as the
// Postgres store.
type memStore struct {
	mu     sync.Mutex
	rides  map[types.ID]*Ride
	events []Event
}

func newMemStore() *memStore {
	return &memStore{rides: make(map[types.ID]*Ride)}
}

func (s *memStore) Create(_ context.Context, r *Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rides[r.ID] = cloneRide(r)
	return nil
}

func (s *memStore) Get(_ context.Context, id types.ID) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (s *memStore) Save(_ context.Context, r *Ride) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rides[r.ID]
	if !ok || cur.StatusVersion != r.StatusVersion {
		return false, nil
	}
	saved := cloneRide(r)
	saved.StatusVersion++
	s.rides[r.ID] = saved
	r.StatusVersion++
	return true, nil
}

func (s *memStore) ListActive(_ context.Context) ([]*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Ride
	for _, r := range s.rides {
		if r.Status == StatusMatching || r.Status == StatusConfirmed || r.Status == StatusInProgress {
			out = append(out, cloneRide(r))
		}
	}
	return out, nil
}

func (s *memStore) AppendEvent(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

func cloneRide(r *Ride) *Ride {
	c := *r
	c.Passengers = append([]Passenger(nil), r.Passengers...)
	c.Route.Waypoints = append(c.Route.Waypoints[:0:0], r.Route.Waypoints...)
	return &c
}

func newTestService() (*Service, *memStore) {
	store := newMemStore()
	engine := fare.NewEngine(config.FareConfig{PerPassengerPct: 15, MaxPct: 25, DriverSharePct: 80})
	return NewService(store, engine, 30, nil), store
}

func seedRider(n string, price float64) SeedPassenger {
	return SeedPassenger{
		RequestID: types.ID("req-" + n),
		RiderID:   types.ID("rider-" + n),
		RiderName: n,
		Pickup:    Stop{Lat: 25.0330, Lng: 121.5654, Address: n + " pickup"},
		Dropoff:   Stop{Lat: 25.0630, Lng: 121.5654, Address: n + " dropoff"},
		Price:     price,
	}
}

func createRide(t *testing.T, svc *Service, first SeedPassenger) *Ride {
	t.Helper()
	r, err := svc.Create(context.Background(), CreateCommand{
		DriverID:        "driver-1",
		DriverName:      "Driver One",
		CarType:         "sedan",
		VehicleCapacity: 4,
		MaxPassengers:   3,
		DriverLat:       25.0300,
		DriverLng:       121.5600,
		First:           first,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return r
}

func assertFareInvariants(t *testing.T, r *Ride) {
	t.Helper()
	total := 0.0
	active := 0
	for _, p := range r.Passengers {
		if p.Status.Active() {
			total += p.DiscountedPrice
			active++
		}
	}
	if math.Abs(total-r.TotalFare) > 1e-9 {
		t.Errorf("TotalFare=%f, sum of active fares=%f", r.TotalFare, total)
	}
	if active != r.ActivePassengerCount() {
		t.Errorf("active count mismatch: %d vs %d", active, r.ActivePassengerCount())
	}
	if math.Abs(r.DriverEarnings+r.PlatformFee-r.TotalFare) > 1e-9 {
		t.Errorf("split does not sum: %f + %f != %f", r.DriverEarnings, r.PlatformFee, r.TotalFare)
	}
}

func TestCreate_FirstPassengerPaysFull(t *testing.T) {
	svc, _ := newTestService()
	r := createRide(t, svc, seedRider("a", 20))

	if r.Status != StatusMatching {
		t.Errorf("status = %s, want matching", r.Status)
	}
	p := r.Passengers[0]
	if p.DiscountPercent != 0 || p.DiscountedPrice != 20 {
		t.Errorf("first passenger discount=%f price=%f, want 0 and 20", p.DiscountPercent, p.DiscountedPrice)
	}
	if r.TotalFare != 20 || r.DriverEarnings != 16 || r.PlatformFee != 4 {
		t.Errorf("totals = %f/%f/%f, want 20/16/4", r.TotalFare, r.DriverEarnings, r.PlatformFee)
	}
	if len(r.Route.Waypoints) != 2 {
		t.Fatalf("expected 2 waypoints, got %d", len(r.Route.Waypoints))
	}
	assertFareInvariants(t, r)
}

func TestCreate_RejectsCapacityMismatch(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Create(context.Background(), CreateCommand{
		DriverID:        "driver-1",
		VehicleCapacity: 2,
		MaxPassengers:   4,
		DriverLat:       25.0,
		DriverLng:       121.5,
		First:           seedRider("a", 20),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCreate_RejectsBadCoordinates(t *testing.T) {
	svc, _ := newTestService()
	bad := seedRider("a", 20)
	bad.Pickup.Lat = 95
	_, err := svc.Create(context.Background(), CreateCommand{
		DriverID:        "driver-1",
		VehicleCapacity: 4,
		MaxPassengers:   3,
		DriverLat:       25.0,
		DriverLng:       121.5,
		First:           bad,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAddPassenger_RepricesEveryone(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	r := createRide(t, svc, seedRider("a", 20))

	second := seedRider("b", 15)
	second.Pickup = Stop{Lat: 25.0400, Lng: 121.5600}
	second.Dropoff = Stop{Lat: 25.0700, Lng: 121.5600}
	r, err := svc.AddPassenger(ctx, AddPassengerCommand{
		RideID:    r.ID,
		DriverLat: 25.0300,
		DriverLng: 121.5600,
		Passenger: second,
	})
	if err != nil {
		t.Fatalf("add passenger: %v", err)
	}

	a := r.passengerByRider("rider-a")
	b := r.passengerByRider("rider-b")
	if math.Abs(a.DiscountedPrice-17.0) > 1e-9 {
		t.Errorf("rider a pays %f, want 17.0", a.DiscountedPrice)
	}
	if math.Abs(b.DiscountedPrice-12.75) > 1e-9 {
		t.Errorf("rider b pays %f, want 12.75", b.DiscountedPrice)
	}
	if math.Abs(r.TotalFare-29.75) > 1e-9 {
		t.Errorf("total fare %f, want 29.75", r.TotalFare)
	}
	wantSavings := (20 - 17.0) + (15 - 12.75)
	if math.Abs(r.Route.EstimatedSavings-wantSavings) > 1e-9 {
		t.Errorf("savings %f, want %f", r.Route.EstimatedSavings, wantSavings)
	}
	if len(r.Route.Waypoints) != 4 {
		t.Fatalf("expected 4 waypoints, got %d", len(r.Route.Waypoints))
	}
	assertFareInvariants(t, r)
}

func TestAddPassenger_CapacityExceeded(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	r := createRide(t, svc, seedRider("a", 20))

	for _, n := range []string{"b", "c"} {
		var err error
		r, err = svc.AddPassenger(ctx, AddPassengerCommand{
			RideID: r.ID, DriverLat: 25.03, DriverLng: 121.56, Passenger: seedRider(n, 10),
		})
		if err != nil {
			t.Fatalf("add passenger %s: %v", n, err)
		}
	}
	_, err := svc.AddPassenger(ctx, AddPassengerCommand{
		RideID: r.ID, DriverLat: 25.03, DriverLng: 121.56, Passenger: seedRider("d", 10),
	})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestAddPassenger_DuplicateRiderRejected(t *testing.T) {
	svc, _ := newTestService()
	r := createRide(t, svc, seedRider("a", 20))
	_, err := svc.AddPassenger(context.Background(), AddPassengerCommand{
		RideID: r.ID, DriverLat: 25.03, DriverLng: 121.56, Passenger: seedRider("a", 20),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCancelPassenger_LoneRiderBackToFullFare(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	r := createRide(t, svc, seedRider("a", 20))
	r, err := svc.AddPassenger(ctx, AddPassengerCommand{
		RideID: r.ID, DriverLat: 25.03, DriverLng: 121.56, Passenger: seedRider("b", 15),
	})
	if err != nil {
		t.Fatalf("add passenger: %v", err)
	}

	r, err = svc.CancelPassenger(ctx, CancelPassengerCommand{RideID: r.ID, RiderID: "rider-a", Reason: "rider cancelled"})
	if err != nil {
		t.Fatalf("cancel passenger: %v", err)
	}
	if r.ActivePassengerCount() != 1 {
		t.Fatalf("active count = %d, want 1", r.ActivePassengerCount())
	}
	b := r.passengerByRider("rider-b")
	if b.DiscountedPrice != 15 || b.DiscountPercent != 0 {
		t.Errorf("remaining rider pays %f at %f%%, want full fare 15 at 0%%", b.DiscountedPrice, b.DiscountPercent)
	}
	if r.Status == StatusCancelled {
		t.Error("ride cancelled despite one active passenger remaining")
	}
	if len(r.Route.Waypoints) != 2 {
		t.Errorf("expected cancelled rider's waypoints removed, got %d", len(r.Route.Waypoints))
	}
	assertFareInvariants(t, r)
}

func TestCancelPassenger_LastRiderCancelsRide(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	r := createRide(t, svc, seedRider("a", 20))

	r, err := svc.CancelPassenger(ctx, CancelPassengerCommand{RideID: r.ID, RiderID: "rider-a", Reason: "rider cancelled"})
	if err != nil {
		t.Fatalf("cancel passenger: %v", err)
	}
	if r.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", r.Status)
	}
	if r.TotalFare != 0 {
		t.Errorf("total fare = %f, want 0", r.TotalFare)
	}
}

func TestCancelPassenger_UnknownRider(t *testing.T) {
	svc, _ := newTestService()
	r := createRide(t, svc, seedRider("a", 20))
	_, err := svc.CancelPassenger(context.Background(), CancelPassengerCommand{RideID: r.ID, RiderID: "rider-zz"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStart_Transitions(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	r := createRide(t, svc, seedRider("a", 20))

	r, err := svc.Start(ctx, r.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.Status != StatusInProgress || r.StartedAt == nil {
		t.Errorf("status=%s startedAt=%v after start", r.Status, r.StartedAt)
	}

	if _, err := svc.Start(ctx, r.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second start: expected ErrInvalidTransition, got %v", err)
	}
}

func TestCompleteWaypoint_FullLifecycle(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	r := createRide(t, svc, seedRider("a", 20))
	if _, err := svc.Start(ctx, r.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	done, err := svc.CompleteWaypoint(ctx, r.ID, 0)
	if err != nil {
		t.Fatalf("complete pickup: %v", err)
	}
	if done.Kind != "pickup" || done.RiderID != "rider-a" || done.RequestID != "req-a" {
		t.Errorf("completion = %+v, want rider-a pickup for req-a", done)
	}
	if done.RideCompleted {
		t.Error("ride reported completed after first waypoint")
	}

	r, _ = svc.Get(ctx, r.ID)
	if p := r.passengerByRider("rider-a"); p.Status != PassengerPickedUp || p.PickedUpAt == nil {
		t.Errorf("passenger status = %s after pickup", p.Status)
	}
	if next := r.NextWaypoint(); next == nil || next.Kind != "dropoff" {
		t.Fatalf("next waypoint = %+v, want the dropoff", next)
	}

	done, err = svc.CompleteWaypoint(ctx, r.ID, 1)
	if err != nil {
		t.Fatalf("complete dropoff: %v", err)
	}
	if !done.RideCompleted {
		t.Error("ride not completed after last waypoint")
	}

	r, _ = svc.Get(ctx, r.ID)
	if r.Status != StatusCompleted || r.CompletedAt == nil {
		t.Errorf("status=%s completedAt=%v, want completed", r.Status, r.CompletedAt)
	}
	if p := r.passengerByRider("rider-a"); p.Status != PassengerDroppedOff {
		t.Errorf("passenger status = %s, want dropped_off", p.Status)
	}
	if r.NextWaypoint() != nil {
		t.Error("next waypoint should be nil on a completed ride")
	}
}

func TestCompleteWaypoint_IdempotentOnRepeat(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	r := createRide(t, svc, seedRider("a", 20))
	if _, err := svc.Start(ctx, r.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.CompleteWaypoint(ctx, r.ID, 0); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	before, _ := svc.Get(ctx, r.ID)

	if _, err := svc.CompleteWaypoint(ctx, r.ID, 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("second completion: expected ErrValidation, got %v", err)
	}
	after, _ := svc.Get(ctx, r.ID)
	if before.TotalFare != after.TotalFare || before.StatusVersion != after.StatusVersion {
		t.Error("repeated completion mutated the aggregate")
	}
}

func TestCompleteWaypoint_DropoffRequiresPickup(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	r := createRide(t, svc, seedRider("a", 20))
	if _, err := svc.Start(ctx, r.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := svc.CompleteWaypoint(ctx, r.ID, 1); !errors.Is(err, ErrValidation) {
		t.Fatalf("dropoff before pickup: expected ErrValidation, got %v", err)
	}
	r, _ = svc.Get(ctx, r.ID)
	if p := r.passengerByRider("rider-a"); p.Status != PassengerConfirmed || p.DroppedOffAt != nil {
		t.Errorf("passenger = %s droppedOffAt=%v after rejected dropoff", p.Status, p.DroppedOffAt)
	}
	if r.Route.Waypoints[1].Completed {
		t.Error("dropoff waypoint marked completed despite rejection")
	}

	if _, err := svc.CompleteWaypoint(ctx, r.ID, 0); err != nil {
		t.Fatalf("pickup: %v", err)
	}
	done, err := svc.CompleteWaypoint(ctx, r.ID, 1)
	if err != nil {
		t.Fatalf("dropoff after pickup: %v", err)
	}
	if !done.RideCompleted {
		t.Error("ride not completed after ordered waypoints")
	}
}

func TestCancelPassenger_ReasonOnEvent(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	r := createRide(t, svc, seedRider("a", 20))
	if _, err := svc.CancelPassenger(ctx, CancelPassengerCommand{
		RideID: r.ID, RiderID: "rider-a", Reason: "plans changed",
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	found := false
	for _, e := range store.events {
		if e.Kind == "passenger_cancelled" {
			found = true
			if e.Reason != "plans changed" {
				t.Errorf("event reason = %q, want the caller's reason", e.Reason)
			}
		}
	}
	if !found {
		t.Fatal("no passenger_cancelled event recorded")
	}
}

func TestTerminalRideReleasesLock(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	r := createRide(t, svc, seedRider("a", 20))
	if _, err := svc.Start(ctx, r.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.CompleteWaypoint(ctx, r.ID, 0); err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if _, err := svc.CompleteWaypoint(ctx, r.ID, 1); err != nil {
		t.Fatalf("dropoff: %v", err)
	}
	svc.mu.Lock()
	_, held := svc.locks[r.ID]
	svc.mu.Unlock()
	if held {
		t.Error("completed ride still holds a lock entry")
	}

	r2 := createRide(t, svc, seedRider("b", 20))
	if _, err := svc.CancelPassenger(ctx, CancelPassengerCommand{
		RideID: r2.ID, RiderID: "rider-b", Reason: "plans changed",
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	svc.mu.Lock()
	_, held = svc.locks[r2.ID]
	svc.mu.Unlock()
	if held {
		t.Error("cancelled ride still holds a lock entry")
	}
}

func TestCompleteWaypoint_OutOfRange(t *testing.T) {
	svc, _ := newTestService()
	r := createRide(t, svc, seedRider("a", 20))
	if _, err := svc.CompleteWaypoint(context.Background(), r.ID, 7); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestPassengerFilters(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	r := createRide(t, svc, seedRider("a", 20))
	r, err := svc.AddPassenger(ctx, AddPassengerCommand{
		RideID: r.ID, DriverLat: 25.03, DriverLng: 121.56, Passenger: seedRider("b", 15),
	})
	if err != nil {
		t.Fatalf("add passenger: %v", err)
	}
	if _, err := svc.Start(ctx, r.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	r, _ = svc.Get(ctx, r.ID)
	pickupIdx := -1
	for i, wp := range r.Route.Waypoints {
		if wp.Kind == "pickup" && wp.RiderID == "rider-a" {
			pickupIdx = i
			break
		}
	}
	if pickupIdx == -1 {
		t.Fatal("rider-a pickup waypoint missing")
	}
	if _, err := svc.CompleteWaypoint(ctx, r.ID, pickupIdx); err != nil {
		t.Fatalf("complete pickup: %v", err)
	}

	r, _ = svc.Get(ctx, r.ID)
	inVehicle := r.PassengersInVehicle()
	waiting := r.PassengersWaiting()
	if len(inVehicle) != 1 || inVehicle[0].RiderID != "rider-a" {
		t.Errorf("in vehicle = %+v, want rider-a only", inVehicle)
	}
	if len(waiting) != 1 || waiting[0].RiderID != "rider-b" {
		t.Errorf("waiting = %+v, want rider-b only", waiting)
	}
}

func TestFareConsistency_AfterJoinCancelSequence(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	r := createRide(t, svc, seedRider("a", 20))

	steps := []struct {
		add    bool
		rider  string
		price  float64
	}{
		{add: true, rider: "b", price: 15},
		{add: true, rider: "c", price: 30},
		{add: false, rider: "b"},
		{add: true, rider: "d", price: 12},
		{add: false, rider: "a"},
	}
	for _, step := range steps {
		var err error
		if step.add {
			r, err = svc.AddPassenger(ctx, AddPassengerCommand{
				RideID: r.ID, DriverLat: 25.03, DriverLng: 121.56,
				Passenger: seedRider(step.rider, step.price),
			})
		} else {
			r, err = svc.CancelPassenger(ctx, CancelPassengerCommand{
				RideID: r.ID, RiderID: types.ID("rider-" + step.rider),
			})
		}
		if err != nil {
			t.Fatalf("step %+v: %v", step, err)
		}
		assertFareInvariants(t, r)
	}
	if r.ActivePassengerCount() != 2 {
		t.Errorf("final active count = %d, want 2", r.ActivePassengerCount())
	}
}

func TestTerminalRideRejectsMutation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	r := createRide(t, svc, seedRider("a", 20))
	if _, err := svc.CancelPassenger(ctx, CancelPassengerCommand{RideID: r.ID, RiderID: "rider-a"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := svc.AddPassenger(ctx, AddPassengerCommand{
		RideID: r.ID, DriverLat: 25.03, DriverLng: 121.56, Passenger: seedRider("b", 15),
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("add on cancelled ride: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.CompleteWaypoint(ctx, r.ID, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("complete on cancelled ride: expected ErrInvalidTransition, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusMatching, StatusConfirmed, true},
		{StatusMatching, StatusInProgress, true},
		{StatusConfirmed, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusMatching, StatusCancelled, true},
		{StatusConfirmed, StatusCancelled, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusMatching, false},
		{StatusMatching, StatusCompleted, false},
		{StatusCompleted, StatusInProgress, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
