// README: Driver pooling preferences and live location.
package driver

import "waypool/internal/types"

// Profile carries the pooling-relevant slice of a driver record.
type Profile struct {
	ID               types.ID
	Name             string
	CarType          string
	PoolingEnabled   bool
	MaxPassengers    int
	VehicleCapacity  int
	DeviceToken      string
	ActivePoolRideID *types.ID
}
