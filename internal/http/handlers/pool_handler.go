// README: Pool-ride handlers: create, start, waypoints, passengers.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"waypool/internal/http/middleware"
	"waypool/internal/modules/driver"
	"waypool/internal/modules/pool"
	"waypool/internal/modules/request"
	"waypool/internal/modules/routeplan"
	"waypool/internal/types"
)

type PoolHandler struct {
	pools    *pool.Service
	requests *request.Store
	drivers  *driver.Store
}

func NewPoolHandler(pools *pool.Service, requests *request.Store, drivers *driver.Store) *PoolHandler {
	return &PoolHandler{pools: pools, requests: requests, drivers: drivers}
}

type createPoolReq struct {
	RequestID     string  `json:"request_id"`
	MaxPassengers int     `json:"max_passengers"`
	DriverLat     float64 `json:"driver_lat"`
	DriverLng     float64 `json:"driver_lng"`
}

// Create opens a pool ride: the authenticated driver accepts a pending
// request as the first passenger.
func (h *PoolHandler) Create(c *gin.Context) {
	if middleware.CallerRole(c) != "driver" {
		writeError(c, http.StatusForbidden, "forbidden: driver role required")
		return
	}
	var body createPoolReq
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if body.RequestID == "" {
		writeError(c, http.StatusBadRequest, "missing request_id")
		return
	}
	ctx := c.Request.Context()
	driverID := types.ID(middleware.CallerUID(c))

	profile, err := h.drivers.Get(ctx, driverID)
	if err != nil {
		writePoolError(c, err)
		return
	}
	if !profile.PoolingEnabled {
		writeError(c, http.StatusForbidden, "forbidden: ride sharing disabled for driver")
		return
	}
	if profile.ActivePoolRideID != nil {
		writeError(c, http.StatusConflict, "driver already has an active pool ride")
		return
	}

	req, err := h.requests.Get(ctx, types.ID(body.RequestID))
	if err != nil {
		writePoolError(c, err)
		return
	}
	if err := h.requests.Assign(ctx, req.ID, driverID); err != nil {
		writePoolError(c, err)
		return
	}

	maxPassengers := body.MaxPassengers
	if maxPassengers <= 0 {
		maxPassengers = profile.MaxPassengers
	}
	ride, err := h.pools.Create(ctx, pool.CreateCommand{
		DriverID:        driverID,
		DriverName:      profile.Name,
		CarType:         profile.CarType,
		VehicleCapacity: profile.VehicleCapacity,
		MaxPassengers:   maxPassengers,
		DriverLat:       body.DriverLat,
		DriverLng:       body.DriverLng,
		First:           seedFromRequest(req),
	})
	if err != nil {
		// Put the request back so other drivers can still see it.
		_ = h.requests.Release(ctx, req.ID)
		writePoolError(c, err)
		return
	}
	if err := h.drivers.SetActivePoolRide(ctx, driverID, &ride.ID); err != nil {
		writePoolError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, rideView(ride))
}

func (h *PoolHandler) Get(c *gin.Context) {
	ride, err := h.pools.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writePoolError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rideView(ride))
}

// Start moves the ride into in_progress. Only the owning driver may start.
func (h *PoolHandler) Start(c *gin.Context) {
	ride, ok := h.ownedRide(c)
	if !ok {
		return
	}
	ride, err := h.pools.Start(c.Request.Context(), ride.ID)
	if err != nil {
		writePoolError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rideView(ride))
}

// CompleteWaypoint marks one stop done and propagates the transition to the
// rider's request record. The last waypoint completes the ride and frees the
// driver for a new pool.
func (h *PoolHandler) CompleteWaypoint(c *gin.Context) {
	ride, ok := h.ownedRide(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid waypoint index")
		return
	}
	ctx := c.Request.Context()
	done, err := h.pools.CompleteWaypoint(ctx, ride.ID, index)
	if err != nil {
		writePoolError(c, err)
		return
	}

	if done.RequestID != "" {
		switch done.Kind {
		case routeplan.KindPickup:
			err = h.requests.MarkPickedUp(ctx, done.RequestID)
		case routeplan.KindDropoff:
			err = h.requests.MarkDroppedOff(ctx, done.RequestID)
		}
		if err != nil {
			writePoolError(c, err)
			return
		}
	}
	if done.RideCompleted {
		if err := h.drivers.SetActivePoolRide(ctx, ride.DriverID, nil); err != nil {
			writePoolError(c, err)
			return
		}
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"rider_id":       done.RiderID,
		"request_id":     done.RequestID,
		"kind":           done.Kind,
		"ride_completed": done.RideCompleted,
	})
}

type addPassengerReq struct {
	RequestID string  `json:"request_id"`
	DriverLat float64 `json:"driver_lat"`
	DriverLng float64 `json:"driver_lng"`
}

// AddPassenger accepts a match candidate into the ride.
func (h *PoolHandler) AddPassenger(c *gin.Context) {
	ride, ok := h.ownedRide(c)
	if !ok {
		return
	}
	var body addPassengerReq
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if body.RequestID == "" {
		writeError(c, http.StatusBadRequest, "missing request_id")
		return
	}
	ctx := c.Request.Context()

	req, err := h.requests.Get(ctx, types.ID(body.RequestID))
	if err != nil {
		writePoolError(c, err)
		return
	}
	if err := h.requests.Assign(ctx, req.ID, ride.DriverID); err != nil {
		writePoolError(c, err)
		return
	}

	ride, err = h.pools.AddPassenger(ctx, pool.AddPassengerCommand{
		RideID:    ride.ID,
		DriverLat: body.DriverLat,
		DriverLng: body.DriverLng,
		Passenger: seedFromRequest(req),
	})
	if err != nil {
		_ = h.requests.Release(ctx, req.ID)
		writePoolError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rideView(ride))
}

type cancelPassengerReq struct {
	Reason string `json:"reason"`
}

// CancelPassenger removes a rider from the ride and cancels their request.
func (h *PoolHandler) CancelPassenger(c *gin.Context) {
	ride, ok := h.ownedRide(c)
	if !ok {
		return
	}
	riderID := types.ID(c.Param("riderId"))
	var body cancelPassengerReq
	_ = c.ShouldBindJSON(&body)

	ctx := c.Request.Context()
	ride, err := h.pools.CancelPassenger(ctx, pool.CancelPassengerCommand{
		RideID:  ride.ID,
		RiderID: riderID,
		Reason:  body.Reason,
	})
	if err != nil {
		writePoolError(c, err)
		return
	}
	for _, p := range ride.Passengers {
		if p.RiderID == riderID && p.Status == pool.PassengerCancelled {
			if err := h.requests.Cancel(ctx, p.RequestID); err != nil {
				writePoolError(c, err)
				return
			}
			break
		}
	}
	if ride.Status == pool.StatusCancelled {
		if err := h.drivers.SetActivePoolRide(ctx, ride.DriverID, nil); err != nil {
			writePoolError(c, err)
			return
		}
	}
	writeJSON(c, http.StatusOK, rideView(ride))
}

// ownedRide loads the ride and enforces that the caller is its driver.
func (h *PoolHandler) ownedRide(c *gin.Context) (*pool.Ride, bool) {
	if middleware.CallerRole(c) != "driver" {
		writeError(c, http.StatusForbidden, "forbidden: driver role required")
		return nil, false
	}
	ride, err := h.pools.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writePoolError(c, err)
		return nil, false
	}
	if string(ride.DriverID) != middleware.CallerUID(c) {
		writeError(c, http.StatusForbidden, "forbidden: not your ride")
		return nil, false
	}
	return ride, true
}

func seedFromRequest(req *request.Request) pool.SeedPassenger {
	return pool.SeedPassenger{
		RequestID: req.ID,
		RiderID:   req.RiderID,
		RiderName: req.RiderName,
		Contact:   req.Contact,
		Pickup:    pool.Stop{Lat: req.PickupLat, Lng: req.PickupLng, Address: req.PickupAddress},
		Dropoff:   pool.Stop{Lat: req.DropoffLat, Lng: req.DropoffLng, Address: req.DropoffAddress},
		Price:     req.Price,
	}
}

// ---------------------------------------------------------------------------
// Response shapes.
// ---------------------------------------------------------------------------

type stopView struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

type passengerView struct {
	RiderID         types.ID   `json:"rider_id"`
	RiderName       string     `json:"rider_name"`
	RequestID       types.ID   `json:"request_id"`
	Status          string     `json:"status"`
	Pickup          stopView   `json:"pickup"`
	Dropoff         stopView   `json:"dropoff"`
	OriginalPrice   float64    `json:"original_price"`
	DiscountedPrice float64    `json:"discounted_price"`
	DiscountPercent float64    `json:"discount_percent"`
	PickedUpAt      *time.Time `json:"picked_up_at,omitempty"`
	DroppedOffAt    *time.Time `json:"dropped_off_at,omitempty"`
}

type waypointView struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Address   string   `json:"address"`
	Kind      string   `json:"kind"`
	RiderID   types.ID `json:"rider_id"`
	Order     int      `json:"order"`
	Completed bool     `json:"completed"`
}

type poolRideView struct {
	ID               types.ID        `json:"ride_id"`
	DriverID         types.ID        `json:"driver_id"`
	DriverName       string          `json:"driver_name"`
	CarType          string          `json:"car_type"`
	Status           string          `json:"status"`
	PassengerCount   int             `json:"passenger_count"`
	MaxPassengers    int             `json:"max_passengers"`
	VehicleCapacity  int             `json:"vehicle_capacity"`
	Passengers       []passengerView `json:"passengers"`
	Waypoints        []waypointView  `json:"waypoints"`
	CurrentWaypoint  int             `json:"current_waypoint"`
	TotalDistanceKm  float64         `json:"total_distance_km"`
	TotalDurationMin float64         `json:"total_duration_min"`
	EstimatedSavings float64         `json:"estimated_savings"`
	TotalFare        float64         `json:"total_fare"`
	DriverEarnings   float64         `json:"driver_earnings"`
	PlatformFee      float64         `json:"platform_fee"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

func rideView(r *pool.Ride) poolRideView {
	passengers := make([]passengerView, 0, len(r.Passengers))
	for _, p := range r.Passengers {
		passengers = append(passengers, passengerView{
			RiderID:         p.RiderID,
			RiderName:       p.RiderName,
			RequestID:       p.RequestID,
			Status:          string(p.Status),
			Pickup:          stopView(p.Pickup),
			Dropoff:         stopView(p.Dropoff),
			OriginalPrice:   p.OriginalPrice,
			DiscountedPrice: p.DiscountedPrice,
			DiscountPercent: p.DiscountPercent,
			PickedUpAt:      p.PickedUpAt,
			DroppedOffAt:    p.DroppedOffAt,
		})
	}
	waypoints := make([]waypointView, 0, len(r.Route.Waypoints))
	for _, wp := range r.Route.Waypoints {
		waypoints = append(waypoints, waypointView{
			Lat:       wp.Lat,
			Lng:       wp.Lng,
			Address:   wp.Address,
			Kind:      string(wp.Kind),
			RiderID:   wp.RiderID,
			Order:     wp.Order,
			Completed: wp.Completed,
		})
	}
	return poolRideView{
		ID:               r.ID,
		DriverID:         r.DriverID,
		DriverName:       r.DriverName,
		CarType:          r.CarType,
		Status:           string(r.Status),
		PassengerCount:   r.ActivePassengerCount(),
		MaxPassengers:    r.MaxPassengers,
		VehicleCapacity:  r.VehicleCapacity,
		Passengers:       passengers,
		Waypoints:        waypoints,
		CurrentWaypoint:  r.CurrentWaypoint,
		TotalDistanceKm:  r.Route.TotalDistanceKm,
		TotalDurationMin: r.Route.TotalDurationMin,
		EstimatedSavings: r.Route.EstimatedSavings,
		TotalFare:        r.TotalFare,
		DriverEarnings:   r.DriverEarnings,
		PlatformFee:      r.PlatformFee,
		CreatedAt:        r.CreatedAt,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
	}
}
