package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

// Pinger reports database reachability for the health check.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Server struct {
	engine  *rules.Engine
	db      Pinger
	storage string
	started time.Time
	router  *chi.Mux
}

// ServerOptions tunes the HTTP layer.
type ServerOptions struct {
	// Storage names the backend in health responses.
	Storage string
	// DB is pinged by the health check; nil for in-memory storage.
	DB Pinger
	// SlowRequest is the latency above which requests are counted slow.
	SlowRequest time.Duration
	// RequestTimeout bounds each request's handler.
	RequestTimeout time.Duration
}

func NewServer(engine *rules.Engine, opts ServerOptions) *Server {
	if opts.Storage == "" {
		opts.Storage = "memory"
	}
	if opts.SlowRequest <= 0 {
		opts.SlowRequest = time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		engine:  engine,
		db:      opts.DB,
		storage: opts.Storage,
		started: time.Now(),
	}
	s.setupRoutes(opts)
	return s
}

func (s *Server) setupRoutes(opts ServerOptions) {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.SlowRequest))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/metrics", s.handleMetrics)
	r.Get("/api/v1/catalog", s.handleCatalog)

	// Event surface
	r.Post("/api/v1/events", s.handleEvent)

	// Dry run
	r.Post("/api/v1/automations/test", s.handleTestAutomation)

	// Rule management
	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)

		r.Route("/{ruleId}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
			r.Post("/toggle", s.handleToggleRule)
			r.Post("/stage", s.handleTransitionStage)
			r.Get("/shadow-log", s.handleShadowLog)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Storage: s.storage, Time: time.Now().UTC()}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	all, err := s.engine.ListRules(r.Context(), "")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	counts := RuleCounts{ByStage: make(map[rules.RolloutStage]int, len(rules.Stages()))}
	for _, st := range rules.Stages() {
		counts.ByStage[st] = 0
	}
	for _, rule := range all {
		counts.Total++
		if rule.Enabled {
			counts.Enabled++
		}
		counts.ByStage[rule.RolloutStage]++
		if rule.ConfigError != "" {
			counts.ConfigErrors++
		}
	}

	respondJSON(w, http.StatusOK, MetricsResponse{
		Dispatch: s.engine.Stats(),
		Rules:    counts,
		Log:      logger.Snapshot(),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	var resp CatalogResponse
	for _, t := range rules.Triggers() {
		resp.Triggers = append(resp.Triggers, TriggerInfo{Name: t, EntityType: t.EntityType()})
	}
	for _, a := range rules.Actions() {
		resp.Actions = append(resp.Actions, ActionInfo{Name: a, RequiredFields: rules.RequiredFields(a)})
	}
	resp.Operators = rules.Operators()
	for _, from := range rules.Stages() {
		info := StageInfo{Name: from, Transitions: []rules.RolloutStage{}}
		for _, to := range rules.Stages() {
			if from != to && from.CanTransition(to) {
				info.Transitions = append(info.Transitions, to)
			}
		}
		resp.Stages = append(resp.Stages, info)
	}
	respondJSON(w, http.StatusOK, resp)
}

// Event handler: dispatches a trigger event to matching rules
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var event rules.TriggerEvent
	if err := decodeBody(r, &event); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if !event.Trigger.Valid() {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown trigger %q", event.Trigger), nil)
		return
	}
	if event.EntityID == "" {
		respondError(w, http.StatusBadRequest, "entity_id is required", nil)
		return
	}

	startTime := time.Now()
	results, err := s.engine.Dispatch(r.Context(), event)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "dispatch failed", err)
		return
	}
	if results == nil {
		results = []rules.EvaluationResult{}
	}

	respondJSON(w, http.StatusOK, EventResponse{
		Results:        results,
		EvaluationTime: time.Since(startTime).String(),
	})
}

func (s *Server) handleTestAutomation(w http.ResponseWriter, r *http.Request) {
	var req rules.TestRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.EntityID == "" {
		respondError(w, http.StatusBadRequest, "entity_id is required", nil)
		return
	}
	if len(rules.TriggersForEntity(req.EntityType)) == 0 {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown entity_type %q", req.EntityType), nil)
		return
	}

	result, err := s.engine.Test(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "dry run failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// List rules handler; ?trigger= filters by trigger
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	trigger := rules.Trigger(r.URL.Query().Get("trigger"))
	if trigger != "" && !trigger.Valid() {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown trigger %q", trigger), nil)
		return
	}

	list, err := s.engine.ListRules(r.Context(), trigger)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list})
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := req.toRule("")
	if err != nil {
		respondEngineError(w, "failed to create rule", err)
		return
	}
	if err := s.engine.AddRule(r.Context(), rule); err != nil {
		respondEngineError(w, "failed to create rule", err)
		return
	}

	created, err := s.engine.GetRule(r.Context(), rule.ID)
	if err != nil {
		respondEngineError(w, "failed to read created rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.engine.GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondEngineError(w, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Update rule handler. Omitted rollout_stage and enabled keep their current values.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	var req RuleRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	existing, err := s.engine.GetRule(r.Context(), ruleID)
	if err != nil {
		respondEngineError(w, "failed to update rule", err)
		return
	}
	if req.RolloutStage == "" {
		req.RolloutStage = existing.RolloutStage
	}
	if req.Enabled == nil {
		req.Enabled = &existing.Enabled
	}

	rule, err := req.toRule(ruleID)
	if err != nil {
		respondEngineError(w, "failed to update rule", err)
		return
	}
	if err := s.engine.UpdateRule(r.Context(), rule); err != nil {
		respondEngineError(w, "failed to update rule", err)
		return
	}

	updated, err := s.engine.GetRule(r.Context(), ruleID)
	if err != nil {
		respondEngineError(w, "failed to read updated rule", err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteRule(r.Context(), chi.URLParam(r, "ruleId")); err != nil {
		respondEngineError(w, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	var req ToggleRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	var (
		rule *rules.Rule
		err  error
	)
	if req.Enabled != nil {
		rule, err = s.engine.SetEnabled(r.Context(), ruleID, *req.Enabled)
	} else {
		rule, err = s.engine.ToggleEnabled(r.Context(), ruleID)
	}
	if err != nil {
		respondEngineError(w, "failed to toggle rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleTransitionStage(w http.ResponseWriter, r *http.Request) {
	var req StageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Stage == "" {
		respondError(w, http.StatusBadRequest, "stage is required", nil)
		return
	}

	rule, err := s.engine.TransitionStage(r.Context(), chi.URLParam(r, "ruleId"), req.Stage, req.Percentage)
	if err != nil {
		respondEngineError(w, "failed to change rollout stage", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleShadowLog(w http.ResponseWriter, r *http.Request) {
	rule, err := s.engine.GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondEngineError(w, "failed to get shadow log", err)
		return
	}
	entries := rule.ShadowLog
	if entries == nil {
		entries = []rules.ShadowDecision{}
	}
	respondJSON(w, http.StatusOK, ShadowLogResponse{RuleID: rule.ID, Stage: rule.RolloutStage, Entries: entries})
}

// Helper functions

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

// respondEngineError maps rule engine errors to HTTP statuses.
func respondEngineError(w http.ResponseWriter, message string, err error) {
	var verr *rules.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Details: err.Error(), Fields: verr.Errors})
	case errors.Is(err, rules.ErrRuleNotFound):
		respondError(w, http.StatusNotFound, "rule not found", err)
	case errors.Is(err, rules.ErrRuleExists),
		errors.Is(err, rules.ErrVersionConflict),
		errors.Is(err, rules.ErrInvalidTransition):
		respondError(w, http.StatusConflict, message, err)
	default:
		respondError(w, http.StatusInternalServerError, message, err)
	}
}
