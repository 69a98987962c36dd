// Package httpapi exposes the REST surface of autoflow: preset catalog,
// per-ticket automation documents, dry-run evaluation and the execution log.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/rendis/autoflow/internal/entities"
	"github.com/rendis/autoflow/internal/graph"
	"github.com/rendis/autoflow/internal/presets"
	"github.com/rendis/autoflow/internal/rules"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/schema"
)

// Deps wires the server to the rest of the system. All fields are required
// except Logger, which defaults to slog.Default().
type Deps struct {
	Store     store.Store
	Source    entities.Source
	Wire      *validation.WireValidator
	Flow      *validation.FlowValidator
	Evaluator *rules.Evaluator
	Catalog   *presets.Catalog
	Logger    *slog.Logger
}

// Server routes automation REST calls to the store and the evaluator.
type Server struct {
	deps   Deps
	router *mux.Router
}

// New builds the server with CORS middleware and all routes registered.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "PUT", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
	})
	s.router.Use(c.Handler)
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/api/presets", s.handleListPresets).Methods(http.MethodGet)

	s.router.HandleFunc("/api/tickets/{key}/automation",
		s.handleGetAutomation).Methods(http.MethodGet)
	s.router.HandleFunc("/api/tickets/{key}/automation",
		s.handlePutAutomation).Methods(http.MethodPut)
	s.router.HandleFunc("/api/tickets/{key}/automation",
		s.handleDeleteAutomation).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/tickets/{key}/automation/enabled",
		s.handleSetEnabled).Methods(http.MethodPut)

	s.router.HandleFunc("/api/tickets/{key}/transitions",
		s.handleListTransitions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/tickets/{key}/dry-run",
		s.handleDryRun).Methods(http.MethodPost)
	s.router.HandleFunc("/api/tickets/{key}/executions",
		s.handleListExecutions).Methods(http.MethodGet)

	// OPTIONS handlers to allow CORS pre-flight
	preflight := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	s.router.HandleFunc("/api/tickets/{key}/automation", preflight).Methods(http.MethodOptions)
	s.router.HandleFunc("/api/tickets/{key}/automation/enabled", preflight).Methods(http.MethodOptions)
	s.router.HandleFunc("/api/tickets/{key}/dry-run", preflight).Methods(http.MethodOptions)
}

// ---- Handlers -----------------------------------------------------------

func (s *Server) handleListPresets(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"presets": s.deps.Catalog.List()})
}

func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	key, err := ticketKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cfg, err := s.deps.Store.GetAutomation(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

// putAutomationRequest is the save payload: the full graph document plus the
// enabled flag. Rules are always recompiled server-side, never trusted from
// the client.
type putAutomationRequest struct {
	Graph   json.RawMessage `json:"graph"`
	Enabled bool            `json:"enabled"`
}

func (s *Server) handlePutAutomation(w http.ResponseWriter, r *http.Request) {
	key, err := ticketKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req putAutomationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %v", err))
		return
	}
	if len(req.Graph) == 0 {
		s.writeError(w, schema.NewError(schema.ErrCodeValidation, "graph is required"))
		return
	}

	g, err := s.deps.Wire.DecodeGraph(req.Graph)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if findings := s.deps.Flow.ValidateFlow(g); len(findings) > 0 {
		s.writeError(w, schema.NewError(schema.ErrCodeValidation, "graph failed validation").
			WithDetails(map[string]any{"findings": findings}))
		return
	}

	cfg := &store.AutomationConfig{
		TicketKey: key,
		Graph:     g,
		Rules:     graph.Compile(g),
		Enabled:   req.Enabled,
	}
	if prev, err := s.deps.Store.GetAutomation(r.Context(), key); err == nil {
		cfg.State = prev.State
		cfg.CreatedAt = prev.CreatedAt
	} else if !schema.IsCode(err, schema.ErrCodeNotFound) {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Store.SaveAutomation(r.Context(), cfg); err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Logger.InfoContext(r.Context(), "automation saved",
		"ticket_key", key, "rules", len(cfg.Rules), "enabled", cfg.Enabled)
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	key, err := ticketKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Store.DeleteAutomation(r.Context(), key); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": key})
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	key, err := ticketKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %v", err))
		return
	}
	if err := s.deps.Store.SetAutomationEnabled(r.Context(), key, req.Enabled); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ticketKey": key, "enabled": req.Enabled})
}

// dryRunRequest optionally overrides the stored rules, so an unsaved graph
// can be tested from the editor.
type dryRunRequest struct {
	Rules []schema.Rule `json:"rules"`
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	key, err := ticketKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req dryRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %v", err))
			return
		}
	}

	in := rules.Input{TicketKey: key, Rules: req.Rules}

	cfg, err := s.deps.Store.GetAutomation(r.Context(), key)
	switch {
	case err == nil:
		in.State = cfg.State
		if in.Rules == nil {
			in.Rules = cfg.Rules
		}
	case !schema.IsCode(err, schema.ErrCodeNotFound):
		s.writeError(w, err)
		return
	}

	snap, err := entities.Fetch(r.Context(), s.deps.Source, key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	in.WorkItem = snap.WorkItem
	in.Subtasks = snap.Subtasks
	in.Activities = snap.Activities

	records, err := s.deps.Store.ListExecutions(r.Context(), key, rules.MaxExecutions)
	if err != nil {
		s.writeError(w, err)
		return
	}
	in.Executions = store.Executions(records)

	result, err := s.deps.Evaluator.Evaluate(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleListTransitions proxies the status transitions available to the
// work item, used when filling in a transition action's toStatus.
func (s *Server) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	key, err := ticketKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	transitions, err := s.deps.Source.ListStatusTransitions(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if transitions == nil {
		transitions = []schema.Transition{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ticketKey": key, "transitions": transitions})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	key, err := ticketKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid limit %q", raw))
			return
		}
	}
	records, err := s.deps.Store.ListExecutions(r.Context(), key, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ticketKey": key, "executions": records})
}

// ---- Helpers ------------------------------------------------------------

func ticketKey(r *http.Request) (string, error) {
	key := strings.ToUpper(strings.TrimSpace(mux.Vars(r)["key"]))
	if key == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "ticket key is required")
	}
	return key, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the wire shape of every failed call.
type errorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error(), Code: schema.ErrCodeStore}
	status := http.StatusInternalServerError

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		resp.Error = fe.Message
		resp.Code = fe.Code
		resp.Details = fe.Details
		status = statusForCode(fe.Code)
	}
	s.deps.Logger.Warn("request failed", "code", resp.Code, "error", resp.Error)
	s.writeJSON(w, status, resp)
}

func statusForCode(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeInterpolation, schema.ErrCodeExpression:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeStaleContext:
		return http.StatusConflict
	case schema.ErrCodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
