package health

import (
	"encoding/json"
	"net/http"
)

// RegisterRoutes mounts the probe endpoints. /healthz is pure liveness;
// /readyz runs the checks and reports per-component results.
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", m.handleLiveness)
	mux.HandleFunc("/readyz", m.handleReadiness)
}

func (m *Manager) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (m *Manager) handleReadiness(w http.ResponseWriter, r *http.Request) {
	results := m.Run(r.Context())
	ready := Ready(results)

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"ready":      ready,
		"components": results,
	})
}
