package handlers

import (
	"net/http"

	"github.com/sony/gobreaker/v2"
)

// breakerState is implemented by *database.Guarded.
type breakerState interface {
	State() gobreaker.State
}

// HealthCheck reports liveness plus the state of the store breaker. The
// relay keeps serving live sessions while the store is down, so an open
// breaker is reported as degraded rather than unhealthy.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	storeStatus := "disabled"
	if b, ok := h.History.(breakerState); ok {
		switch b.State() {
		case gobreaker.StateClosed:
			storeStatus = "connected"
		case gobreaker.StateHalfOpen:
			storeStatus = "recovering"
			status = "degraded"
		default:
			storeStatus = "unavailable"
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"store":    storeStatus,
		"sessions": h.Registry.Count(),
	})
}
