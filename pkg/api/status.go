// Package api exposes the master's pool state over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/procmaster/procmaster/pkg/supervisor"
)

// StatusHandler serves liveness and pool state for one supervisor.
type StatusHandler struct {
	sup       *supervisor.Supervisor
	startTime time.Time
}

// NewStatusHandler creates a status handler
func NewStatusHandler(s *supervisor.Supervisor) *StatusHandler {
	return &StatusHandler{sup: s, startTime: time.Now()}
}

// RegisterRoutes registers all status routes
func (h *StatusHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.HandleFunc("/status", h.Status).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// workerStatus is one live worker in the status response.
type workerStatus struct {
	ID  int `json:"id"`
	PID int `json:"pid"`
}

// statusResponse is the /status payload.
type statusResponse struct {
	Scope         string         `json:"scope"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	WorkerCount   int            `json:"worker_count"`
	Workers       []workerStatus `json:"workers"`
}

// Health handles liveness probes.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports the live worker pool.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	handles := h.sup.Workers()
	resp := statusResponse{
		Scope:         h.sup.Config().Scope,
		UptimeSeconds: time.Since(h.startTime).Seconds(),
		WorkerCount:   len(handles),
		Workers:       make([]workerStatus, 0, len(handles)),
	}
	for _, wh := range handles {
		resp.Workers = append(resp.Workers, workerStatus{ID: wh.ID(), PID: wh.Pid()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
