// Package httpapi exposes the engine's HTTP surface (spec.md §6): goal
// submission, goal lookup, chat, tool listing, and health. Uses plain
// net/http, the idiom the retrieval pack's production repos follow.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/orchestrator"
	"github.com/neuralcore/engine/pkg/store"
	"github.com/neuralcore/engine/pkg/tools"
)

// processor is the subset of *orchestrator.Orchestrator the HTTP surface
// needs; accepting the interface keeps handler tests free of the
// Orchestrator's full dependency graph.
type processor interface {
	Process(ctx context.Context, goalText string) orchestrator.Outcome
}

// errVocabulary is the small external-facing error vocabulary spec.md §7
// mandates: no language/source specifics leak across the HTTP boundary.
type errVocabulary string

const (
	errBadRequest errVocabulary = "bad_request"
	errNotFound   errVocabulary = "not_found"
	errUnauthorized errVocabulary = "unauthorized"
	errInternal   errVocabulary = "internal"
	errDeadline   errVocabulary = "deadline"
)

var statusFor = map[errVocabulary]int{
	errBadRequest:   http.StatusBadRequest,
	errNotFound:     http.StatusNotFound,
	errUnauthorized: http.StatusUnauthorized,
	errInternal:     http.StatusInternalServerError,
	errDeadline:     http.StatusGatewayTimeout,
}

// Server is the HTTP API. BearerToken, when non-empty, is required on every
// request via an Authorization: Bearer <token> header.
type Server struct {
	orch        processor
	store       store.Store
	registry    *tools.Registry
	logger      core.Logger
	bearerToken string
	version     string
	startedAt   time.Time
	mux         *http.ServeMux
}

// New builds a Server and registers its routes.
func New(orch processor, st store.Store, registry *tools.Registry, logger core.Logger, bearerToken, version string) *Server {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	s := &Server{
		orch:        orch,
		store:       st,
		registry:    registry,
		logger:      logger,
		bearerToken: bearerToken,
		version:     version,
		startedAt:   time.Now(),
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/goals", s.auth(s.handleGoals))
	s.mux.HandleFunc("/api/v1/goals/", s.auth(s.handleGoalByID))
	s.mux.HandleFunc("/api/v1/chat", s.auth(s.handleChat))
	s.mux.HandleFunc("/api/v1/tools", s.auth(s.handleTools))
	s.mux.HandleFunc("/api/v1/health", s.handleHealth)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.bearerToken == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if header != "Bearer "+s.bearerToken {
			writeError(w, errUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

type goalRequest struct {
	Goal      string `json:"goal"`
	AsyncMode bool   `json:"async_mode"`
}

type goalResponse struct {
	GoalID string `json:"goal_id"`
	Status string `json:"status"`
	Goal   string `json:"goal"`
	Result interface{} `json:"result,omitempty"`
	Response string `json:"response,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleGoals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitGoal(w, r)
	case http.MethodGet:
		s.listGoals(w, r)
	default:
		writeError(w, errBadRequest, "method not allowed")
	}
}

func (s *Server) submitGoal(w http.ResponseWriter, r *http.Request) {
	var req goalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		writeError(w, errBadRequest, "goal is empty")
		return
	}

	if req.AsyncMode {
		go s.orch.Process(context.Background(), req.Goal)
		writeJSON(w, http.StatusAccepted, goalResponse{Status: "processing", Goal: req.Goal})
		return
	}

	outcome := s.orch.Process(r.Context(), req.Goal)
	resp := goalResponse{GoalID: outcome.GoalID, Goal: req.Goal, Result: outcome.Result, Response: outcome.Response}
	if outcome.Success {
		resp.Status = "completed"
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Status = "failed"
	resp.Error = outcome.Error
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listGoals(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	executions, err := s.store.GetRecentExecutions(r.Context(), limit)
	if err != nil {
		s.logger.Error("list goals failed", map[string]interface{}{"error": err.Error()})
		writeError(w, errInternal, "could not list goals")
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

func (s *Server) handleGoalByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, errBadRequest, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/goals/")
	if id == "" {
		writeError(w, errBadRequest, "missing goal id")
		return
	}
	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		s.logger.Error("get goal failed", map[string]interface{}{"goal_id": id, "error": err.Error()})
		writeError(w, errInternal, "could not load goal")
		return
	}
	if exec == nil {
		writeError(w, errNotFound, "goal not found")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errBadRequest, "method not allowed")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, errBadRequest, "message is empty")
		return
	}

	outcome := s.orch.Process(r.Context(), req.Message)
	resp := goalResponse{GoalID: outcome.GoalID, Goal: req.Message, Result: outcome.Result, Response: outcome.Response}
	if outcome.Success {
		resp.Status = "completed"
	} else {
		resp.Status = "failed"
		resp.Error = outcome.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

// toolSummary merges a tool's static metadata with its rolling performance
// view, when one is available.
type toolSummary struct {
	tools.Metadata
	TotalExecutions int     `json:"total_executions"`
	SuccessRate     float64 `json:"success_rate"`
	AvgDurationMS   float64 `json:"avg_duration_ms"`
	CurrentVersion  int     `json:"current_version"`
	RecentFailures  int     `json:"recent_failures"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, errBadRequest, "method not allowed")
		return
	}

	views, err := s.store.GetToolPerformanceView(r.Context())
	if err != nil {
		s.logger.Warn("list tools: performance view unavailable, returning metadata only", map[string]interface{}{"error": err.Error()})
	}
	byName := make(map[string]store.ToolPerformanceView, len(views))
	for _, v := range views {
		byName[v.ToolName] = v
	}

	metas := s.registry.All()
	summaries := make([]toolSummary, 0, len(metas))
	for _, m := range metas {
		summary := toolSummary{Metadata: m}
		if v, ok := byName[m.Name]; ok {
			summary.TotalExecutions = v.TotalExecutions
			summary.SuccessRate = v.SuccessRate
			summary.AvgDurationMS = v.AvgDurationMS
			summary.CurrentVersion = v.CurrentVersion
			summary.RecentFailures = v.RecentFailures
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, summaries)
}

type healthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "healthy",
		Version:       s.version,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   errVocabulary `json:"error"`
	Message string        `json:"message"`
}

func writeError(w http.ResponseWriter, kind errVocabulary, message string) {
	status, ok := statusFor[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody{Error: kind, Message: message})
}
