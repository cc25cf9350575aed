package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/commentops/internal/logging"
	"github.com/fentz26/commentops/internal/models"
	"github.com/fentz26/commentops/internal/queue"
	"github.com/fentz26/commentops/internal/state"
)

// Version is reported by /health.
var Version = "dev"

const maxBodyBytes = 1 << 20

// Server provides the HTTP API for commentops.
type Server struct {
	service *Service
	events  *EventStream
	addr    string
	server  *http.Server
	logger  *slog.Logger
}

// NewServer creates a new HTTP server. events may be nil to disable /events.
func NewServer(service *Service, events *EventStream, addr string, logger *slog.Logger) *Server {
	return &Server{
		service: service,
		events:  events,
		addr:    addr,
		logger:  logging.Component(logger, "controlplane"),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /workflow/run", s.handleRunWorkflow)
	mux.HandleFunc("POST /learning/trigger", s.handleTriggerImprovement)
	mux.HandleFunc("GET /communications", s.handleCommunications)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /audit", s.handleAudit)

	mux.HandleFunc("GET /queue/stats", s.handleQueueStats)
	mux.HandleFunc("GET /queue/dead-letters", s.handleDeadLetters)
	mux.HandleFunc("POST /queue/enqueue", s.handleEnqueue)
	mux.HandleFunc("POST /queue/purge", s.handlePurge)
	mux.HandleFunc("GET /queue/replay", s.handleReplay)

	mux.HandleFunc("GET /state/{agent}", s.handleGetState)
	mux.HandleFunc("GET /state/{agent}/history", s.handleStateHistory)
	mux.HandleFunc("POST /state/{agent}/restore/{version}", s.handleRestoreState)
	mux.HandleFunc("GET /snapshots", s.handleListSnapshots)
	mux.HandleFunc("POST /snapshots", s.handleCreateSnapshot)
	mux.HandleFunc("POST /snapshots/{id}/restore", s.handleRestoreSnapshot)

	if s.events != nil {
		mux.HandleFunc("GET /events", s.events.ServeHTTP)
	}
	return mux
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.logger.Info("starting commentops daemon", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		return errors.Join(ErrInvalidRequest, err)
	}
	return nil
}

// intQuery reads a non-negative integer query parameter.
func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Join(ErrInvalidRequest, errors.New(name+" must be a non-negative integer"))
	}
	return n, nil
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.service.Ping(r.Context()); err != nil {
		health.OK = false
		health.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// --- Coordinator Handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var req WorkflowRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.service.RunWorkflow(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTriggerImprovement(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.TriggerImprovement(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCommunications(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Communications(limit))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.History(limit))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.service.AuditTrail(r.Context(), r.URL.Query().Get("action"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Queue Handlers ---

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.QueueStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.service.DeadLetters(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.PersistentMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.service.Enqueue(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

type purgeRequest struct {
	Days int `json:"days"`
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	n, err := s.service.Purge(r.Context(), req.Days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var from time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, errors.Join(ErrInvalidRequest, errors.New("from must be an RFC 3339 timestamp")))
			return
		}
		from = t
	}
	msgs, err := s.service.Replay(r.Context(), r.URL.Query().Get("topic"), from)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.PersistentMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// --- State Handlers ---

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	version, err := intQuery(r, "version", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.service.AgentState(r.Context(), r.PathValue("agent"), version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStateHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 20)
	if err != nil {
		s.writeError(w, err)
		return
	}
	states, err := s.service.StateHistory(r.Context(), r.PathValue("agent"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if states == nil {
		states = []models.AgentState{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleRestoreState(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		s.writeError(w, errors.Join(ErrInvalidRequest, errors.New("version must be an integer")))
		return
	}
	st, err := s.service.RestoreState(r.Context(), r.PathValue("agent"), version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.service.Snapshots(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if snaps == nil {
		snaps = []state.SnapshotInfo{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req SnapshotRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	id, err := s.service.CreateSnapshot(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"snapshot_id": id})
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.RestoreSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
