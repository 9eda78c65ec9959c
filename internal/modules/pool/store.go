// README: Pool-ride store backed by PostgreSQL; the aggregate commits as one transaction.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"waypool/internal/modules/routeplan"
	"waypool/internal/types"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, r *Ride) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning pool ride insert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
        INSERT INTO pool_rides (
            id, driver_id, driver_name, car_type, status, status_version,
            max_passengers, vehicle_capacity, current_waypoint,
            total_fare, driver_earnings, platform_fee,
            total_distance_km, total_duration_min, estimated_savings,
            created_at, started_at, completed_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6,
            $7, $8, $9,
            $10, $11, $12,
            $13, $14, $15,
            $16, $17, $18
        )`,
		string(r.ID), string(r.DriverID), r.DriverName, r.CarType, string(r.Status), r.StatusVersion,
		r.MaxPassengers, r.VehicleCapacity, r.CurrentWaypoint,
		r.TotalFare, r.DriverEarnings, r.PlatformFee,
		r.Route.TotalDistanceKm, r.Route.TotalDurationMin, r.Route.EstimatedSavings,
		r.CreatedAt, r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting pool ride: %w", err)
	}
	if err := insertChildren(ctx, tx, r); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Ride, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, driver_id, driver_name, car_type, status, status_version,
               max_passengers, vehicle_capacity, current_waypoint,
               total_fare, driver_earnings, platform_fee,
               total_distance_km, total_duration_min, estimated_savings,
               created_at, started_at, completed_at
        FROM pool_rides
        WHERE id = $1`, string(id),
	)

	var r Ride
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.DriverID, &r.DriverName, &r.CarType, &r.Status, &r.StatusVersion,
		&r.MaxPassengers, &r.VehicleCapacity, &r.CurrentWaypoint,
		&r.TotalFare, &r.DriverEarnings, &r.PlatformFee,
		&r.Route.TotalDistanceKm, &r.Route.TotalDurationMin, &r.Route.EstimatedSavings,
		&r.CreatedAt, &startedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.StartedAt = toTimePtr(startedAt)
	r.CompletedAt = toTimePtr(completedAt)

	if r.Passengers, err = s.loadPassengers(ctx, id); err != nil {
		return nil, err
	}
	if r.Route.Waypoints, err = s.loadWaypoints(ctx, id); err != nil {
		return nil, err
	}
	return &r, nil
}

// Save rewrites the whole aggregate guarded by a version CAS on the root
// row. A false return means another writer committed first; the caller
// should reload and retry or surface a conflict.
func (s *PGStore) Save(ctx context.Context, r *Ride) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning pool ride save: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
        UPDATE pool_rides
        SET status = $1,
            status_version = status_version + 1,
            current_waypoint = $2,
            total_fare = $3,
            driver_earnings = $4,
            platform_fee = $5,
            total_distance_km = $6,
            total_duration_min = $7,
            estimated_savings = $8,
            started_at = $9,
            completed_at = $10
        WHERE id = $11 AND status_version = $12`,
		string(r.Status), r.CurrentWaypoint,
		r.TotalFare, r.DriverEarnings, r.PlatformFee,
		r.Route.TotalDistanceKm, r.Route.TotalDurationMin, r.Route.EstimatedSavings,
		r.StartedAt, r.CompletedAt,
		string(r.ID), r.StatusVersion,
	)
	if err != nil {
		return false, fmt.Errorf("updating pool ride: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM pool_ride_passengers WHERE ride_id = $1`, string(r.ID)); err != nil {
		return false, fmt.Errorf("clearing passengers: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM pool_ride_waypoints WHERE ride_id = $1`, string(r.ID)); err != nil {
		return false, fmt.Errorf("clearing waypoints: %w", err)
	}
	if err := insertChildren(ctx, tx, r); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	r.StatusVersion++
	return true, nil
}

func (s *PGStore) ListActive(ctx context.Context) ([]*Ride, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id FROM pool_rides
        WHERE status IN ('matching', 'confirmed', 'in_progress')
        ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing active pool rides: %w", err)
	}
	defer rows.Close()

	var ids []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.ID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Ride, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *PGStore) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO pool_ride_events (
            ride_id, kind, rider_id, from_status, to_status, reason, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.RideID), e.Kind, toStringPtr(e.RiderID),
		string(e.From), string(e.To), e.Reason, e.CreatedAt,
	)
	return err
}

func (s *PGStore) loadPassengers(ctx context.Context, rideID types.ID) ([]Passenger, error) {
	rows, err := s.db.Query(ctx, `
        SELECT rider_id, rider_name, contact, request_id,
               pickup_lat, pickup_lng, pickup_address,
               dropoff_lat, dropoff_lng, dropoff_address,
               status, original_price, discounted_price, discount_percent,
               joined_at, picked_up_at, dropped_off_at
        FROM pool_ride_passengers
        WHERE ride_id = $1
        ORDER BY joined_at`, string(rideID),
	)
	if err != nil {
		return nil, fmt.Errorf("loading passengers: %w", err)
	}
	defer rows.Close()

	var out []Passenger
	for rows.Next() {
		var p Passenger
		var pickedUpAt, droppedOffAt sql.NullTime
		err := rows.Scan(
			&p.RiderID, &p.RiderName, &p.Contact, &p.RequestID,
			&p.Pickup.Lat, &p.Pickup.Lng, &p.Pickup.Address,
			&p.Dropoff.Lat, &p.Dropoff.Lng, &p.Dropoff.Address,
			&p.Status, &p.OriginalPrice, &p.DiscountedPrice, &p.DiscountPercent,
			&p.JoinedAt, &pickedUpAt, &droppedOffAt,
		)
		if err != nil {
			return nil, err
		}
		p.PickedUpAt = toTimePtr(pickedUpAt)
		p.DroppedOffAt = toTimePtr(droppedOffAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) loadWaypoints(ctx context.Context, rideID types.ID) ([]routeplan.Waypoint, error) {
	rows, err := s.db.Query(ctx, `
        SELECT lat, lng, address, kind, rider_id, rider_name, ord, completed, completed_at
        FROM pool_ride_waypoints
        WHERE ride_id = $1
        ORDER BY ord`, string(rideID),
	)
	if err != nil {
		return nil, fmt.Errorf("loading waypoints: %w", err)
	}
	defer rows.Close()

	var out []routeplan.Waypoint
	for rows.Next() {
		var wp routeplan.Waypoint
		var completedAt sql.NullTime
		err := rows.Scan(
			&wp.Lat, &wp.Lng, &wp.Address, &wp.Kind, &wp.RiderID, &wp.RiderName,
			&wp.Order, &wp.Completed, &completedAt,
		)
		if err != nil {
			return nil, err
		}
		wp.CompletedAt = toTimePtr(completedAt)
		out = append(out, wp)
	}
	return out, rows.Err()
}

func insertChildren(ctx context.Context, tx pgx.Tx, r *Ride) error {
	for _, p := range r.Passengers {
		_, err := tx.Exec(ctx, `
            INSERT INTO pool_ride_passengers (
                ride_id, rider_id, rider_name, contact, request_id,
                pickup_lat, pickup_lng, pickup_address,
                dropoff_lat, dropoff_lng, dropoff_address,
                status, original_price, discounted_price, discount_percent,
                joined_at, picked_up_at, dropped_off_at
            ) VALUES (
                $1, $2, $3, $4, $5,
                $6, $7, $8,
                $9, $10, $11,
                $12, $13, $14, $15,
                $16, $17, $18
            )`,
			string(r.ID), string(p.RiderID), p.RiderName, p.Contact, string(p.RequestID),
			p.Pickup.Lat, p.Pickup.Lng, p.Pickup.Address,
			p.Dropoff.Lat, p.Dropoff.Lng, p.Dropoff.Address,
			string(p.Status), p.OriginalPrice, p.DiscountedPrice, p.DiscountPercent,
			p.JoinedAt, p.PickedUpAt, p.DroppedOffAt,
		)
		if err != nil {
			return fmt.Errorf("inserting passenger %s: %w", p.RiderID, err)
		}
	}
	for _, wp := range r.Route.Waypoints {
		_, err := tx.Exec(ctx, `
            INSERT INTO pool_ride_waypoints (
                ride_id, lat, lng, address, kind, rider_id, rider_name,
                ord, completed, completed_at
            ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			string(r.ID), wp.Lat, wp.Lng, wp.Address, string(wp.Kind),
			string(wp.RiderID), wp.RiderName, wp.Order, wp.Completed, wp.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting waypoint %d: %w", wp.Order, err)
		}
	}
	return nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
