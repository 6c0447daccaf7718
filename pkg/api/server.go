package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/fleetmedic/fleetmedic/pkg/lifecycle"
	"github.com/fleetmedic/fleetmedic/pkg/metrics"
	"github.com/fleetmedic/fleetmedic/pkg/storage"
	"github.com/fleetmedic/fleetmedic/pkg/types"
)

// StatusServer exposes read-only HTTP endpoints for operators: process
// liveness, Prometheus metrics, and per-instance pipeline status. It
// never mutates pipeline state.
type StatusServer struct {
	store   storage.Store
	tracker *lifecycle.Tracker
	version string
	mux     *http.ServeMux
}

// NewStatusServer creates the operator status server
func NewStatusServer(store storage.Store, tracker *lifecycle.Tracker, version string) *StatusServer {
	mux := http.NewServeMux()
	s := &StatusServer{
		store:   store,
		tracker: tracker,
		version: version,
		mux:     mux,
	}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/status/instances", s.instancesHandler)
	mux.HandleFunc("/status/instances/", s.instanceHandler)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start starts the status HTTP server
func (s *StatusServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// Handler returns the underlying mux, for tests and embedding.
func (s *StatusServer) Handler() http.Handler {
	return s.mux
}

// HealthResponse is the liveness check payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// InstanceStatus summarizes one instance's position in the pipeline.
type InstanceStatus struct {
	InstanceID string          `json:"instance_id"`
	State      lifecycle.State `json:"state"`
	Terminal   bool            `json:"terminal"`
}

// InstanceDetail is the full per-instance view: lifecycle state plus
// recent records from the store.
type InstanceDetail struct {
	InstanceID    string                      `json:"instance_id"`
	State         lifecycle.State             `json:"state,omitempty"`
	HealthEvents  []*types.HealthEvent        `json:"health_events,omitempty"`
	Diagnostics   []*types.DiagnosticRecord   `json:"diagnostics,omitempty"`
	HealActions   []*types.HealActionRecord   `json:"heal_actions,omitempty"`
	Verifications []*types.VerificationRecord `json:"verifications,omitempty"`
}

// healthHandler is a liveness check: 200 while the process is up.
func (s *StatusServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   s.version,
	})
}

func (s *StatusServer) instancesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	states := s.tracker.States()
	statuses := make([]InstanceStatus, 0, len(states))
	for id, state := range states {
		statuses = append(statuses, InstanceStatus{
			InstanceID: id,
			State:      state,
			Terminal:   state.Terminal(),
		})
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *StatusServer) instanceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	instanceID := strings.TrimPrefix(r.URL.Path, "/status/instances/")
	if instanceID == "" || strings.Contains(instanceID, "/") {
		http.Error(w, "instance ID required", http.StatusBadRequest)
		return
	}

	const recent = 10
	detail := InstanceDetail{InstanceID: instanceID}
	detail.State, _ = s.tracker.State(instanceID)
	detail.HealthEvents, _ = s.store.HealthEventHistory(instanceID, recent)
	detail.Diagnostics, _ = s.store.DiagnosticHistory(instanceID, recent)
	detail.HealActions, _ = s.store.HealActionHistory(instanceID, recent)
	detail.Verifications, _ = s.store.VerificationHistory(instanceID, recent)

	if detail.State == "" && len(detail.HealthEvents) == 0 && len(detail.HealActions) == 0 {
		http.Error(w, "unknown instance", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
