// README: Match discovery handler: ranked candidates for a pool ride.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"waypool/internal/http/middleware"
	"waypool/internal/modules/driver"
	"waypool/internal/modules/match"
	"waypool/internal/modules/pool"
	"waypool/internal/types"
)

type MatchHandler struct {
	matches *match.Service
	pools   *pool.Service
	drivers *driver.Store
}

func NewMatchHandler(matches *match.Service, pools *pool.Service, drivers *driver.Store) *MatchHandler {
	return &MatchHandler{matches: matches, pools: pools, drivers: drivers}
}

// Candidates returns the ranked candidate list for the driver's ride. The
// driver position comes from lat/lng query params, falling back to the last
// reported location.
func (h *MatchHandler) Candidates(c *gin.Context) {
	if middleware.CallerRole(c) != "driver" {
		writeError(c, http.StatusForbidden, "forbidden: driver role required")
		return
	}
	ctx := c.Request.Context()
	ride, err := h.pools.Get(ctx, types.ID(c.Param("id")))
	if err != nil {
		writePoolError(c, err)
		return
	}
	if string(ride.DriverID) != middleware.CallerUID(c) {
		writeError(c, http.StatusForbidden, "forbidden: not your ride")
		return
	}

	at, ok := h.driverPosition(c, ride.DriverID)
	if !ok {
		return
	}
	candidates, err := h.matches.FindCandidates(ctx, ride, at)
	if err != nil {
		writePoolError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"candidates": candidates})
}

func (h *MatchHandler) driverPosition(c *gin.Context, driverID types.ID) (types.Point, bool) {
	latStr, lngStr := c.Query("lat"), c.Query("lng")
	if latStr != "" && lngStr != "" {
		lat, errLat := strconv.ParseFloat(latStr, 64)
		lng, errLng := strconv.ParseFloat(lngStr, 64)
		if errLat != nil || errLng != nil {
			writeError(c, http.StatusBadRequest, "invalid lat/lng")
			return types.Point{}, false
		}
		return types.Point{Lat: lat, Lng: lng}, true
	}
	at, found, err := h.drivers.Locate(c.Request.Context(), driverID)
	if err != nil {
		writePoolError(c, err)
		return types.Point{}, false
	}
	if !found {
		writeError(c, http.StatusBadRequest, "driver position unknown, pass lat/lng")
		return types.Point{}, false
	}
	return at, true
}
