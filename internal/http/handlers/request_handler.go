// README: Rider-side ride-request handlers.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"waypool/internal/http/middleware"
	"waypool/internal/modules/geo"
	"waypool/internal/modules/request"
	"waypool/internal/types"
)

// Geocoder fills in a human-readable address for a stop submitted without
// one. Optional; failures leave the address empty.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, p types.Point) (string, error)
}

type RequestHandler struct {
	requests *request.Store
	geocoder Geocoder // optional
}

func NewRequestHandler(requests *request.Store) *RequestHandler {
	return &RequestHandler{requests: requests}
}

// WithGeocoder attaches an optional reverse geocoder.
func (h *RequestHandler) WithGeocoder(g Geocoder) *RequestHandler {
	h.geocoder = g
	return h
}

type createRequestReq struct {
	RiderName      string  `json:"rider_name"`
	Contact        string  `json:"contact"`
	PickupLat      float64 `json:"pickup_lat"`
	PickupLng      float64 `json:"pickup_lng"`
	PickupAddress  string  `json:"pickup_address"`
	DropoffLat     float64 `json:"dropoff_lat"`
	DropoffLng     float64 `json:"dropoff_lng"`
	DropoffAddress string  `json:"dropoff_address"`
	Price          float64 `json:"price"`
}

// Create submits a new pending ride request for the authenticated rider.
func (h *RequestHandler) Create(c *gin.Context) {
	var body createRequestReq
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !geo.ValidCoord(body.PickupLat, body.PickupLng) || !geo.ValidCoord(body.DropoffLat, body.DropoffLng) {
		writeError(c, http.StatusBadRequest, "coordinates out of range")
		return
	}
	if body.Price < 0 {
		writeError(c, http.StatusBadRequest, "negative price")
		return
	}
	ctx := c.Request.Context()

	if body.PickupAddress == "" {
		body.PickupAddress = h.lookupAddress(ctx, body.PickupLat, body.PickupLng)
	}
	if body.DropoffAddress == "" {
		body.DropoffAddress = h.lookupAddress(ctx, body.DropoffLat, body.DropoffLng)
	}

	req := &request.Request{
		ID:             types.ID(uuid.NewString()),
		RiderID:        types.ID(middleware.CallerUID(c)),
		RiderName:      body.RiderName,
		Contact:        body.Contact,
		PickupLat:      body.PickupLat,
		PickupLng:      body.PickupLng,
		PickupAddress:  body.PickupAddress,
		DropoffLat:     body.DropoffLat,
		DropoffLng:     body.DropoffLng,
		DropoffAddress: body.DropoffAddress,
		Price:          body.Price,
		Status:         request.StatusPending,
		CreatedAt:      time.Now(),
	}
	if err := h.requests.Create(ctx, req); err != nil {
		writePoolError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, map[string]any{"request_id": req.ID, "status": req.Status})
}

func (h *RequestHandler) Get(c *gin.Context) {
	req, err := h.requests.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writePoolError(c, err)
		return
	}
	if string(req.RiderID) != middleware.CallerUID(c) && middleware.CallerRole(c) != "driver" {
		writeError(c, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"request_id":      req.ID,
		"status":          req.Status,
		"driver_id":       req.DriverID,
		"price":           req.Price,
		"pickup_address":  req.PickupAddress,
		"dropoff_address": req.DropoffAddress,
	})
}

// Cancel withdraws a rider's own pending request.
func (h *RequestHandler) Cancel(c *gin.Context) {
	ctx := c.Request.Context()
	req, err := h.requests.Get(ctx, types.ID(c.Param("id")))
	if err != nil {
		writePoolError(c, err)
		return
	}
	if string(req.RiderID) != middleware.CallerUID(c) {
		writeError(c, http.StatusForbidden, "forbidden: not your request")
		return
	}
	if req.DriverID != nil {
		writeError(c, http.StatusConflict, "request already picked up by a driver")
		return
	}
	if err := h.requests.Cancel(ctx, req.ID); err != nil {
		writePoolError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": request.StatusCancelled})
}

func (h *RequestHandler) lookupAddress(ctx context.Context, lat, lng float64) string {
	if h.geocoder == nil {
		return ""
	}
	addr, err := h.geocoder.ReverseGeocode(ctx, types.Point{Lat: lat, Lng: lng})
	if err != nil {
		return ""
	}
	return addr
}
