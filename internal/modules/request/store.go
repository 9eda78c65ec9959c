// README: Request store backed by PostgreSQL rows plus a Redis GEO index of pending pickups.
package request

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"waypool/internal/types"
)

const pendingGeoKey = "requests:pending"

var ErrNotFound = errors.New("ride request not found")

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewStore(db *pgxpool.Pool, redis *redis.Client) *Store {
	return &Store{db: db, redis: redis}
}

func (s *Store) Create(ctx context.Context, r *Request) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO ride_requests (
            id, rider_id, rider_name, contact,
            pickup_lat, pickup_lng, pickup_address,
            dropoff_lat, dropoff_lng, dropoff_address,
            price, status, driver_id, created_at
        ) VALUES (
            $1, $2, $3, $4,
            $5, $6, $7,
            $8, $9, $10,
            $11, $12, $13, $14
        )`,
		string(r.ID), string(r.RiderID), r.RiderName, r.Contact,
		r.PickupLat, r.PickupLng, r.PickupAddress,
		r.DropoffLat, r.DropoffLng, r.DropoffAddress,
		r.Price, string(r.Status), toStringPtr(r.DriverID), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting ride request: %w", err)
	}
	return s.redis.GeoAdd(ctx, pendingGeoKey, &redis.GeoLocation{
		Name:      string(r.ID),
		Longitude: r.PickupLng,
		Latitude:  r.PickupLat,
	}).Err()
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Request, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, rider_id, rider_name, contact,
               pickup_lat, pickup_lng, pickup_address,
               dropoff_lat, dropoff_lng, dropoff_address,
               price, status, driver_id, created_at, picked_up_at, dropped_off_at
        FROM ride_requests
        WHERE id = $1`, string(id),
	)
	return scanRequest(row)
}

// ListPendingNear returns up to limit pending, unassigned requests whose
// pickup lies within radiusKm of the given point, nearest first. The Redis
// GEO index pre-filters by radius; Postgres is the source of truth for
// status and assignment.
func (s *Store) ListPendingNear(ctx context.Context, at types.Point, radiusKm float64, limit int) ([]Request, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.redis.GeoSearch(ctx, pendingGeoKey, &redis.GeoSearchQuery{
		Longitude:  at.Lng,
		Latitude:   at.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
		Count:      limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("searching pending pickups: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	out := make([]Request, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(ctx, types.ID(id))
		if errors.Is(err, ErrNotFound) {
			// Stale index entry; drop it and move on.
			_ = s.redis.ZRem(ctx, pendingGeoKey, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if !r.Assignable() {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

// Assign stamps the driver onto the request and removes it from the pending
// index so discovery stops surfacing it.
func (s *Store) Assign(ctx context.Context, id, driverID types.ID) error {
	tag, err := s.db.Exec(ctx, `
        UPDATE ride_requests
        SET driver_id = $1
        WHERE id = $2 AND status = 'pending' AND driver_id IS NULL`,
		string(driverID), string(id),
	)
	if err != nil {
		return fmt.Errorf("assigning request: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return s.redis.ZRem(ctx, pendingGeoKey, string(id)).Err()
}

// Release undoes an assignment (rider cancelled before pickup) and puts the
// request back in the pending index.
func (s *Store) Release(ctx context.Context, id types.ID) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
        UPDATE ride_requests
        SET driver_id = NULL
        WHERE id = $1 AND status = 'pending'`, string(id),
	)
	if err != nil {
		return fmt.Errorf("releasing request: %w", err)
	}
	return s.redis.GeoAdd(ctx, pendingGeoKey, &redis.GeoLocation{
		Name:      string(id),
		Longitude: r.PickupLng,
		Latitude:  r.PickupLat,
	}).Err()
}

// MarkPickedUp records the pickup-completed transition reported by the pool
// aggregate's caller.
func (s *Store) MarkPickedUp(ctx context.Context, id types.ID) error {
	return s.markStatus(ctx, id, StatusStarted, "picked_up_at")
}

// MarkDroppedOff records the dropoff-completed transition.
func (s *Store) MarkDroppedOff(ctx context.Context, id types.ID) error {
	return s.markStatus(ctx, id, StatusDone, "dropped_off_at")
}

// Cancel marks the request cancelled and clears it from the pending index.
func (s *Store) Cancel(ctx context.Context, id types.ID) error {
	tag, err := s.db.Exec(ctx, `
        UPDATE ride_requests SET status = 'cancelled' WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("cancelling request: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return s.redis.ZRem(ctx, pendingGeoKey, string(id)).Err()
}

func (s *Store) markStatus(ctx context.Context, id types.ID, to Status, stampCol string) error {
	// stampCol is one of two fixed column names, never user input.
	tag, err := s.db.Exec(ctx, fmt.Sprintf(`
        UPDATE ride_requests
        SET status = $1, %s = NOW()
        WHERE id = $2`, stampCol),
		string(to), string(id),
	)
	if err != nil {
		return fmt.Errorf("updating request status: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var driverID sql.NullString
	var pickedUpAt, droppedOffAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.RiderID, &r.RiderName, &r.Contact,
		&r.PickupLat, &r.PickupLng, &r.PickupAddress,
		&r.DropoffLat, &r.DropoffLng, &r.DropoffAddress,
		&r.Price, &r.Status, &driverID, &r.CreatedAt, &pickedUpAt, &droppedOffAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if driverID.Valid {
		d := types.ID(driverID.String)
		r.DriverID = &d
	}
	r.PickedUpAt = toTimePtr(pickedUpAt)
	r.DroppedOffAt = toTimePtr(droppedOffAt)
	return &r, nil
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
