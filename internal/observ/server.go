package observ

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HealthStatus represents overall agent health
type HealthStatus struct {
	Status    string         `json:"status"`    // "healthy", "degraded", "failed"
	Timestamp string         `json:"timestamp"` // ISO 8601
	Uptime    string         `json:"uptime"`
	Version   string         `json:"version"`
	Details   map[string]any `json:"details,omitempty"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// Version returns the build version.
func Version() string {
	return version
}

// HealthFunc reports the agent's status string and extra details.
type HealthFunc func() (string, map[string]any)

// NewRouter builds the ops HTTP surface: /metrics, /healthz and /state.
func NewRouter(health HealthFunc, state func() any) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status, details := "healthy", map[string]any(nil)
		if health != nil {
			status, details = health()
		}
		hs := HealthStatus{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
			Details:   details,
		}
		code := http.StatusOK
		switch status {
		case "degraded":
			code = http.StatusPartialContent
		case "failed":
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, hs)
	})
	r.Get("/state", func(w http.ResponseWriter, req *http.Request) {
		if state == nil {
			http.NotFound(w, req)
			return
		}
		writeJSON(w, http.StatusOK, state())
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
