package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/SiriusScan/go-fleet/fleet"
)

const maxBodySize = 1 << 20

// Server exposes the push Service over HTTP for workers that cannot reach
// the broker.
type Server struct {
	server  *http.Server
	mux     *http.ServeMux
	service *Service
}

func NewServer(addr string, service *Service) *Server {
	s := &Server{mux: http.NewServeMux(), service: service}
	s.routes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/v1/worker/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("POST /api/v1/worker/findings", s.handleFinding)
	s.mux.HandleFunc("POST /api/v1/worker/task-complete", s.handleTaskComplete)
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "fleet-push"})
	})
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	slog.Info("Starting push API server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Stopping push API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.service.Heartbeat(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"host_id": req.HostID, "status": fleet.HostOnline})
}

func (s *Server) handleFinding(w http.ResponseWriter, r *http.Request) {
	var req FindingRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.service.SubmitFinding(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message": "finding stored"})
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	var req TaskCompleteRequest
	if !readJSON(w, r, &req) {
		return
	}
	t, err := s.service.TaskComplete(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Push request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fleet.ErrInvalidRecord), errors.Is(err, fleet.ErrParse):
		return http.StatusBadRequest
	case errors.Is(err, fleet.ErrHostNotFound), errors.Is(err, fleet.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, fleet.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
