// Package health aggregates the readiness of every downstream dependency
// the broker has (delegation modules, JWKS endpoints) into the single
// /health document RFC-unspecified but required by the broker's external
// interface contract.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker reports the per-name health of its dependencies.
type Checker interface {
	HealthCheckAll(ctx context.Context) map[string]error
}

// Handler serves GET /health.
type Handler struct {
	serviceName string
	checkers    []Checker
	now         func() time.Time
}

// New constructs a Handler aggregating the given Checkers.
func New(serviceName string, checkers ...Checker) *Handler {
	return &Handler{serviceName: serviceName, checkers: checkers, now: time.Now}
}

type response struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Timestamp string            `json:"timestamp"`
	Modules   map[string]string `json:"modules,omitempty"`
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	modules := make(map[string]string)
	healthy := true

	for _, c := range h.checkers {
		for name, err := range c.HealthCheckAll(r.Context()) {
			if err != nil {
				modules[name] = err.Error()
				healthy = false
			} else {
				modules[name] = "ok"
			}
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response{
		Status:    status,
		Service:   h.serviceName,
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Modules:   modules,
	})
}
