// README: Driver location reporting.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"waypool/internal/http/middleware"
	"waypool/internal/modules/driver"
	"waypool/internal/modules/geo"
	"waypool/internal/types"
)

type LocationHandler struct {
	drivers *driver.Store
}

func NewLocationHandler(drivers *driver.Store) *LocationHandler {
	return &LocationHandler{drivers: drivers}
}

type locationUpdateReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Update records the driver's current position in the location index. Only
// the authenticated driver may update their own position.
func (h *LocationHandler) Update(c *gin.Context) {
	id := c.Param("id")
	if middleware.CallerRole(c) != "driver" {
		writeError(c, http.StatusForbidden, "forbidden: driver role required")
		return
	}
	if middleware.CallerUID(c) != id {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
		return
	}
	var body locationUpdateReq
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !geo.ValidCoord(body.Lat, body.Lng) {
		writeError(c, http.StatusBadRequest, "coordinates out of range")
		return
	}
	if err := h.drivers.UpdateLocation(c.Request.Context(), types.ID(id), types.Point{Lat: body.Lat, Lng: body.Lng}); err != nil {
		writePoolError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "ok"})
}
