// README: Driver-facing push channels: FCM candidate alerts, RTDB ride snapshots.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/db"
	"firebase.google.com/go/v4/messaging"

	"waypool/internal/modules/driver"
	"waypool/internal/modules/match"
	"waypool/internal/modules/pool"
	"waypool/internal/types"
)

// Profiles resolves a driver's profile for its device token.
type Profiles interface {
	Get(ctx context.Context, id types.ID) (*driver.Profile, error)
}

// CandidateNotifier pushes match-candidate alerts to a driver's device over
// FCM. Implements the match scheduler's Notifier.
type CandidateNotifier struct {
	fcm      *messaging.Client
	profiles Profiles
	log      *slog.Logger
}

func NewCandidateNotifier(fcm *messaging.Client, profiles Profiles, log *slog.Logger) *CandidateNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &CandidateNotifier{fcm: fcm, profiles: profiles, log: log}
}

// NotifyCandidates sends one data message summarising the ranked list. The
// client fetches the full list over HTTP; the push only wakes it up.
func (n *CandidateNotifier) NotifyCandidates(ctx context.Context, driverID, rideID types.ID, candidates []match.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	p, err := n.profiles.Get(ctx, driverID)
	if err != nil {
		return fmt.Errorf("resolving driver profile: %w", err)
	}
	if p.DeviceToken == "" {
		n.log.Debug("driver has no device token", "driver_id", driverID)
		return nil
	}

	best := candidates[0]
	msg := &messaging.Message{
		Token: p.DeviceToken,
		Data: map[string]string{
			"type":            "pool_candidates",
			"ride_id":         string(rideID),
			"count":           fmt.Sprintf("%d", len(candidates)),
			"best_similarity": fmt.Sprintf("%d", best.RouteSimilarity),
			"expires_at":      best.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
		},
		Notification: &messaging.Notification{
			Title: "New pool candidates",
			Body:  fmt.Sprintf("%d riders match your current route", len(candidates)),
		},
	}
	if _, err := n.fcm.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending fcm message: %w", err)
	}
	return nil
}

// SnapshotPublisher mirrors the ride aggregate into the Realtime Database so
// driver and rider clients can watch it. Implements the pool service's
// Publisher.
type SnapshotPublisher struct {
	rtdb *db.Client
}

func NewSnapshotPublisher(rtdb *db.Client) *SnapshotPublisher {
	return &SnapshotPublisher{rtdb: rtdb}
}

// PublishRideSnapshot writes the full current state under pool_rides/<id>.
// Terminal rides overwrite their node rather than deleting it; clients decide
// when to stop watching.
func (p *SnapshotPublisher) PublishRideSnapshot(ctx context.Context, r *pool.Ride) error {
	ref := p.rtdb.NewRef("pool_rides/" + string(r.ID))
	if err := ref.Set(ctx, snapshot(r)); err != nil {
		return fmt.Errorf("writing ride snapshot: %w", err)
	}
	return nil
}

func snapshot(r *pool.Ride) map[string]interface{} {
	passengers := make([]map[string]interface{}, 0, len(r.Passengers))
	for _, p := range r.Passengers {
		passengers = append(passengers, map[string]interface{}{
			"rider_id":         string(p.RiderID),
			"rider_name":       p.RiderName,
			"status":           string(p.Status),
			"pickup":           stop(p.Pickup),
			"dropoff":          stop(p.Dropoff),
			"original_price":   p.OriginalPrice,
			"discounted_price": p.DiscountedPrice,
			"discount_percent": p.DiscountPercent,
		})
	}
	waypoints := make([]map[string]interface{}, 0, len(r.Route.Waypoints))
	for _, wp := range r.Route.Waypoints {
		waypoints = append(waypoints, map[string]interface{}{
			"lat":       wp.Lat,
			"lng":       wp.Lng,
			"address":   wp.Address,
			"kind":      string(wp.Kind),
			"rider_id":  string(wp.RiderID),
			"order":     wp.Order,
			"completed": wp.Completed,
		})
	}
	return map[string]interface{}{
		"status":             string(r.Status),
		"driver_id":          string(r.DriverID),
		"driver_name":        r.DriverName,
		"passenger_count":    r.ActivePassengerCount(),
		"max_passengers":     r.MaxPassengers,
		"current_waypoint":   r.CurrentWaypoint,
		"total_fare":         r.TotalFare,
		"driver_earnings":    r.DriverEarnings,
		"platform_fee":       r.PlatformFee,
		"total_distance_km":  r.Route.TotalDistanceKm,
		"total_duration_min": r.Route.TotalDurationMin,
		"estimated_savings":  r.Route.EstimatedSavings,
		"passengers":         passengers,
		"waypoints":          waypoints,
	}
}

func stop(s pool.Stop) map[string]interface{} {
	return map[string]interface{}{"lat": s.Lat, "lng": s.Lng, "address": s.Address}
}
