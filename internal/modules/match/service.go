// README: Match discovery scores pending requests against active pool rides.
package match

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"waypool/internal/modules/fare"
	"waypool/internal/modules/geo"
	"waypool/internal/modules/pool"
	"waypool/internal/modules/request"
	"waypool/internal/modules/routeplan"
	"waypool/internal/types"
)

// RequestSource lists pending, unassigned ride requests near a point.
type RequestSource interface {
	ListPendingNear(ctx context.Context, at types.Point, radiusKm float64, limit int) ([]request.Request, error)
}

// DriverLocator resolves a driver's last reported position.
type DriverLocator interface {
	Locate(ctx context.Context, driverID types.ID) (types.Point, bool, error)
}

// Notifier pushes a fresh candidate list to a driver. Best-effort.
type Notifier interface {
	NotifyCandidates(ctx context.Context, driverID types.ID, rideID types.ID, candidates []Candidate) error
}

// Service is advisory and read-only: it never mutates the ride it scores
// against. Accepting a candidate is a separate, explicit AddPassenger call,
// which re-checks capacity under the ride lock.
type Service struct {
	requests RequestSource
	fares    fare.Engine
	policy   Policy
	log      *slog.Logger
}

func NewService(requests RequestSource, fares fare.Engine, policy Policy, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{requests: requests, fares: fares, policy: policy, log: log}
}

// FindCandidates ranks pending requests by fit against the ride. The ride
// may be a slightly stale snapshot; the result is advisory either way.
func (s *Service) FindCandidates(ctx context.Context, r *pool.Ride, driverAt types.Point) ([]Candidate, error) {
	if r.ActivePassengerCount() >= r.MaxPassengers {
		return nil, nil
	}
	reference, ok := referenceLeg(r)
	if !ok {
		return nil, nil
	}

	pending, err := s.requests.ListPendingNear(ctx, driverAt, s.policy.PickupRadiusKm, s.policy.PendingLimit)
	if err != nil {
		return nil, err
	}

	onRide := make(map[types.ID]bool, len(r.Passengers))
	for _, p := range r.Passengers {
		if p.Status.Active() {
			onRide[p.RiderID] = true
		}
	}

	discount := s.fares.DiscountPercent(r.ActivePassengerCount() + 1)
	expiresAt := time.Now().Add(s.policy.Timeout)

	var out []Candidate
	for i := range pending {
		req := &pending[i]
		if !req.Assignable() || onRide[req.RiderID] {
			continue
		}
		pickupKm := geo.DistanceKm(driverAt.Lat, driverAt.Lng, req.PickupLat, req.PickupLng)
		if pickupKm > s.policy.PickupRadiusKm {
			continue
		}

		leg := routeplan.Leg{
			PickupLat: req.PickupLat, PickupLng: req.PickupLng,
			DropoffLat: req.DropoffLat, DropoffLng: req.DropoffLng,
		}
		similarity := routeplan.Similarity(reference, leg, s.policy.Scoring)
		if similarity < s.policy.minSimilarityFor(pickupKm) {
			continue
		}

		detour := routeplan.EstimateDetour(r.Route.Waypoints, r.Route.TotalDistanceKm, leg, s.policy.Detour)
		if s.policy.DetourGate && !detour.Acceptable {
			continue
		}

		out = append(out, Candidate{
			RequestID:         req.ID,
			RiderID:           req.RiderID,
			RiderName:         req.RiderName,
			Pickup:            pool.Stop{Lat: req.PickupLat, Lng: req.PickupLng, Address: req.PickupAddress},
			Dropoff:           pool.Stop{Lat: req.DropoffLat, Lng: req.DropoffLng, Address: req.DropoffAddress},
			OriginalPrice:     req.Price,
			RouteSimilarity:   similarity,
			PickupDistanceKm:  pickupKm,
			DetourDistanceKm:  detour.DistanceKm,
			DetourDurationMin: detour.DurationMin,
			PotentialDiscount: discount,
			ExpiresAt:         expiresAt,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RouteSimilarity > out[j].RouteSimilarity
	})
	return out, nil
}

// referenceLeg is the first active passenger's trip; the aggregate's
// endpoints stand in for a full route polyline.
func referenceLeg(r *pool.Ride) (routeplan.Leg, bool) {
	for _, p := range r.Passengers {
		if !p.Status.Active() {
			continue
		}
		return routeplan.Leg{
			PickupLat: p.Pickup.Lat, PickupLng: p.Pickup.Lng,
			DropoffLat: p.Dropoff.Lat, DropoffLng: p.Dropoff.Lng,
		}, true
	}
	return routeplan.Leg{}, false
}

// Scheduler periodically re-runs discovery for every active ride and pushes
// the result to the driver.
type Scheduler struct {
	matches  *Service
	rides    *pool.Service
	drivers  DriverLocator
	notifier Notifier // optional
	interval time.Duration
	log      *slog.Logger
}

func NewScheduler(matches *Service, rides *pool.Service, drivers DriverLocator, interval time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scheduler{matches: matches, rides: rides, drivers: drivers, interval: interval, log: log}
}

// WithNotifier attaches an optional candidate push channel.
func (s *Scheduler) WithNotifier(n Notifier) *Scheduler {
	s.notifier = n
	return s
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	rides, err := s.rides.ListActive(ctx)
	if err != nil {
		s.log.Error("listing active rides", "error", err)
		return
	}
	for _, r := range rides {
		if r.ActivePassengerCount() >= r.MaxPassengers {
			continue
		}
		at, ok, err := s.drivers.Locate(ctx, r.DriverID)
		if err != nil {
			s.log.Warn("locating driver", "driver_id", r.DriverID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		candidates, err := s.matches.FindCandidates(ctx, r, at)
		if err != nil {
			s.log.Warn("finding candidates", "ride_id", r.ID, "error", err)
			continue
		}
		if len(candidates) == 0 || s.notifier == nil {
			continue
		}
		if err := s.notifier.NotifyCandidates(ctx, r.DriverID, r.ID, candidates); err != nil {
			s.log.Warn("notifying driver", "driver_id", r.DriverID, "error", err)
		}
	}
}
