// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"waypool/internal/modules/driver"
	"waypool/internal/modules/pool"
	"waypool/internal/modules/request"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writePoolError maps the domain error taxonomy onto HTTP statuses.
func writePoolError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pool.ErrValidation):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, pool.ErrNotFound),
		errors.Is(err, request.ErrNotFound),
		errors.Is(err, driver.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, pool.ErrCapacityExceeded),
		errors.Is(err, pool.ErrInvalidTransition),
		errors.Is(err, pool.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
