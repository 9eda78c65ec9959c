// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"waypool/internal/http/handlers"
	"waypool/internal/http/middleware"
	"waypool/internal/infra"
	"waypool/internal/modules/driver"
	"waypool/internal/modules/match"
	"waypool/internal/modules/pool"
	"waypool/internal/modules/request"
)

type RouterDeps struct {
	Pools    *pool.Service
	Matches  *match.Service
	Requests *request.Store
	Drivers  *driver.Store
	Verifier infra.TokenVerifier
	Geocoder handlers.Geocoder // optional
	Log      *slog.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log), middleware.Logging(deps.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	requestHandler := handlers.NewRequestHandler(deps.Requests)
	if deps.Geocoder != nil {
		requestHandler.WithGeocoder(deps.Geocoder)
	}
	api.POST("/requests", requestHandler.Create)
	api.GET("/requests/:id", requestHandler.Get)
	api.POST("/requests/:id/cancel", requestHandler.Cancel)

	poolHandler := handlers.NewPoolHandler(deps.Pools, deps.Requests, deps.Drivers)
	api.POST("/pool/rides", poolHandler.Create)
	api.GET("/pool/rides/:id", poolHandler.Get)
	api.POST("/pool/rides/:id/start", poolHandler.Start)
	api.POST("/pool/rides/:id/waypoints/:index/complete", poolHandler.CompleteWaypoint)
	api.POST("/pool/rides/:id/passengers", poolHandler.AddPassenger)
	api.POST("/pool/rides/:id/passengers/:riderId/cancel", poolHandler.CancelPassenger)

	matchHandler := handlers.NewMatchHandler(deps.Matches, deps.Pools, deps.Drivers)
	api.GET("/pool/rides/:id/candidates", matchHandler.Candidates)

	locationHandler := handlers.NewLocationHandler(deps.Drivers)
	api.PUT("/drivers/:id/location", locationHandler.Update)

	return r
}
