// README: Match discovery tests over a stubbed request source.
package match

import (
	"context"
	"testing"
	"time"

	"waypool/internal/config"
	"waypool/internal/modules/fare"
	"waypool/internal/modules/pool"
	"waypool/internal/modules/request"
	"waypool/internal/modules/routeplan"
	"waypool/internal/types"
)

type stubRequests struct {
	pending []request.Request
}

func (s *stubRequests) ListPendingNear(_ context.Context, _ types.Point, _ float64, _ int) ([]request.Request, error) {
	return s.pending, nil
}

// testRide is a one-passenger pool ride heading due north, 3 seats.
func testRide() *pool.Ride {
	r := &pool.Ride{
		ID:              "ride-1",
		DriverID:        "driver-1",
		Status:          pool.StatusMatching,
		VehicleCapacity: 4,
		MaxPassengers:   3,
		Passengers: []pool.Passenger{{
			RiderID:   "rider-a",
			RequestID: "req-a",
			Status:    pool.PassengerConfirmed,
			Pickup:    pool.Stop{Lat: 25.0330, Lng: 121.5654},
			Dropoff:   pool.Stop{Lat: 25.0930, Lng: 121.5654},
		}},
	}
	r.Route.Waypoints = []routeplan.Waypoint{
		{Lat: 25.0330, Lng: 121.5654, Kind: routeplan.KindPickup, RiderID: "rider-a", Order: 0},
		{Lat: 25.0930, Lng: 121.5654, Kind: routeplan.KindDropoff, RiderID: "rider-a", Order: 1},
	}
	r.Route.TotalDistanceKm = 6.7
	return r
}

func pendingReq(n string, pickupLat, pickupLng, dropoffLat, dropoffLng float64) request.Request {
	return request.Request{
		ID:         types.ID("req-" + n),
		RiderID:    types.ID("rider-" + n),
		RiderName:  n,
		PickupLat:  pickupLat,
		PickupLng:  pickupLng,
		DropoffLat: dropoffLat,
		DropoffLng: dropoffLng,
		Price:      15,
		Status:     request.StatusPending,
	}
}

func testEngine() fare.Engine {
	return fare.NewEngine(config.FareConfig{PerPassengerPct: 15, MaxPct: 25, DriverSharePct: 80})
}

var driverAt = types.Point{Lat: 25.0300, Lng: 121.5600}

func TestFindCandidates_RanksParallelTrips(t *testing.T) {
	// Same leg as the ride, and the same leg shifted ~0.5km east.
	src := &stubRequests{pending: []request.Request{
		pendingReq("shifted", 25.0330, 121.5704, 25.0930, 121.5704),
		pendingReq("same", 25.0330, 121.5654, 25.0930, 121.5654),
	}}
	svc := NewService(src, testEngine(), DefaultPolicy(), nil)

	got, err := svc.FindCandidates(context.Background(), testRide(), driverAt)
	if err != nil {
		t.Fatalf("find candidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].RiderID != "rider-same" || got[1].RiderID != "rider-shifted" {
		t.Errorf("order = [%s, %s], want identical leg ranked first", got[0].RiderID, got[1].RiderID)
	}
	if got[0].RouteSimilarity < got[1].RouteSimilarity {
		t.Errorf("not sorted by similarity: %d then %d", got[0].RouteSimilarity, got[1].RouteSimilarity)
	}

	best := got[0]
	if best.PotentialDiscount != 15 {
		t.Errorf("potential discount = %f, want 15 for a second passenger", best.PotentialDiscount)
	}
	if best.PickupDistanceKm <= 0 || best.PickupDistanceKm > 2 {
		t.Errorf("pickup distance = %f, want a short positive hop", best.PickupDistanceKm)
	}
	if !best.ExpiresAt.After(time.Now()) {
		t.Errorf("expiry %v not in the future", best.ExpiresAt)
	}
}

func TestFindCandidates_EmptyWhenAtCapacity(t *testing.T) {
	src := &stubRequests{pending: []request.Request{
		pendingReq("same", 25.0330, 121.5654, 25.0930, 121.5654),
	}}
	svc := NewService(src, testEngine(), DefaultPolicy(), nil)

	r := testRide()
	r.MaxPassengers = 1
	got, err := svc.FindCandidates(context.Background(), r, driverAt)
	if err != nil {
		t.Fatalf("find candidates: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d candidates from a full ride, want 0", len(got))
	}
}

func TestFindCandidates_SkipsUnusableRequests(t *testing.T) {
	assignedDriver := types.ID("driver-9")
	assigned := pendingReq("assigned", 25.0330, 121.5654, 25.0930, 121.5654)
	assigned.DriverID = &assignedDriver
	onRide := pendingReq("a", 25.0330, 121.5654, 25.0930, 121.5654) // rider-a already rides
	farPickup := pendingReq("far", 25.3000, 121.5654, 25.3600, 121.5654)

	src := &stubRequests{pending: []request.Request{assigned, onRide, farPickup}}
	svc := NewService(src, testEngine(), DefaultPolicy(), nil)

	got, err := svc.FindCandidates(context.Background(), testRide(), driverAt)
	if err != nil {
		t.Fatalf("find candidates: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d candidates, want 0 (assigned, duplicate, out of radius)", len(got))
	}
}

func TestFindCandidates_OppositeDirectionFailsTier(t *testing.T) {
	// Ride leg reversed: pickup at the ride's dropoff, heading back south.
	src := &stubRequests{pending: []request.Request{
		pendingReq("reverse", 25.0930, 121.5654, 25.0330, 121.5654),
	}}
	svc := NewService(src, testEngine(), DefaultPolicy(), nil)

	got, err := svc.FindCandidates(context.Background(), testRide(), driverAt)
	if err != nil {
		t.Fatalf("find candidates: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("opposite-direction trip surfaced as candidate: %+v", got)
	}
}

func TestFindCandidates_DetourGate(t *testing.T) {
	// Parallel leg shifted ~0.5km east: similar enough, but ~1km of detour.
	shifted := pendingReq("shifted", 25.0330, 121.5704, 25.0930, 121.5704)

	strict := DefaultPolicy()
	strict.Detour.SmallDetourKm = 0.1
	strict.Detour.MaxPercent = 5

	src := &stubRequests{pending: []request.Request{shifted}}
	svc := NewService(src, testEngine(), strict, nil)
	got, err := svc.FindCandidates(context.Background(), testRide(), driverAt)
	if err != nil {
		t.Fatalf("find candidates: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("strict detour policy admitted %d candidates, want 0", len(got))
	}

	open := strict
	open.DetourGate = false
	svc = NewService(src, testEngine(), open, nil)
	got, err = svc.FindCandidates(context.Background(), testRide(), driverAt)
	if err != nil {
		t.Fatalf("find candidates: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("gate disabled but candidate still filtered")
	}
	if got[0].DetourDistanceKm <= 0 || got[0].DetourDurationMin <= 0 {
		t.Errorf("detour cost = %f km / %f min, want positive estimates",
			got[0].DetourDistanceKm, got[0].DetourDurationMin)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.MatchConfig{
		PickupRadiusKm:   20,
		PendingLimit:     10,
		TimeoutMinutes:   3,
		DetourGate:       true,
		MaxDetourPercent: 25,
		SmallDetourKm:    1,
		AvgSpeedKmh:      40,
	})
	if p.PickupRadiusKm != 20 || p.PendingLimit != 10 || p.Timeout != 3*time.Minute {
		t.Errorf("policy basics = %+v", p)
	}
	if len(p.Tiers) != 3 || p.Tiers[2].MaxPickupKm != 20 {
		t.Errorf("tiers not scaled to radius: %+v", p.Tiers)
	}
	if p.Detour.MaxPercent != 25 || p.Detour.SmallDetourKm != 1 || p.Detour.AvgSpeedKmh != 40 {
		t.Errorf("detour policy = %+v", p.Detour)
	}
}

func TestMinSimilarityFor(t *testing.T) {
	p := DefaultPolicy()
	cases := []struct {
		km   float64
		want int
	}{
		{0.5, 40},
		{2, 40},
		{3, 55},
		{8, 70},
		{50, 70},
	}
	for _, tc := range cases {
		if got := p.minSimilarityFor(tc.km); got != tc.want {
			t.Errorf("minSimilarityFor(%f) = %d, want %d", tc.km, got, tc.want)
		}
	}
}
