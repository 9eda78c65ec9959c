// README: Driver store backed by PostgreSQL profiles and a Redis GEO index of live positions.
package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"waypool/internal/types"
)

const locationGeoKey = "drivers:location"

var ErrNotFound = errors.New("driver not found")

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewStore(db *pgxpool.Pool, redis *redis.Client) *Store {
	return &Store{db: db, redis: redis}
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Profile, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, name, car_type, pooling_enabled, max_passengers,
               vehicle_capacity, device_token, active_pool_ride_id
        FROM drivers
        WHERE id = $1`, string(id),
	)

	var p Profile
	var deviceToken, activeRide sql.NullString
	err := row.Scan(
		&p.ID, &p.Name, &p.CarType, &p.PoolingEnabled, &p.MaxPassengers,
		&p.VehicleCapacity, &deviceToken, &activeRide,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.DeviceToken = deviceToken.String
	if activeRide.Valid {
		r := types.ID(activeRide.String)
		p.ActivePoolRideID = &r
	}
	return &p, nil
}

// SetActivePoolRide stamps (or clears, with nil) the driver's current pool
// ride on the profile.
func (s *Store) SetActivePoolRide(ctx context.Context, driverID types.ID, rideID *types.ID) error {
	var v *string
	if rideID != nil {
		id := string(*rideID)
		v = &id
	}
	tag, err := s.db.Exec(ctx, `
        UPDATE drivers SET active_pool_ride_id = $1 WHERE id = $2`,
		v, string(driverID),
	)
	if err != nil {
		return fmt.Errorf("stamping active pool ride: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// UpdateLocation records the driver's live position in the GEO index.
func (s *Store) UpdateLocation(ctx context.Context, id types.ID, p types.Point) error {
	return s.redis.GeoAdd(ctx, locationGeoKey, &redis.GeoLocation{
		Name:      string(id),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

// Locate returns the driver's last known position. The second return value
// is false when no position has been reported yet.
func (s *Store) Locate(ctx context.Context, id types.ID) (types.Point, bool, error) {
	pos, err := s.redis.GeoPos(ctx, locationGeoKey, string(id)).Result()
	if err != nil {
		return types.Point{}, false, fmt.Errorf("reading driver position: %w", err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return types.Point{}, false, nil
	}
	return types.Point{Lat: pos[0].Latitude, Lng: pos[0].Longitude}, true, nil
}
