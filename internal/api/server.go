// SPDX-License-Identifier: MIT

// Package api is the HTTP boundary: routing, auth, rate limiting,
// correlation ids, and the stable response envelope.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arbiterhq/arbiter/internal/auth"
	"github.com/arbiterhq/arbiter/internal/backends"
	"github.com/arbiterhq/arbiter/internal/backpressure"
	"github.com/arbiterhq/arbiter/internal/budget"
	"github.com/arbiterhq/arbiter/internal/cache"
	"github.com/arbiterhq/arbiter/internal/dlq"
	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/pipeline"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
	"github.com/arbiterhq/arbiter/internal/resilience"
	"github.com/arbiterhq/arbiter/internal/session"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/telemetry"
)

// HeaderIdempotencyKey lets clients make POST /v1/turn safe to retry.
const HeaderIdempotencyKey = "Idempotency-Key"

// idempotencyTTL bounds how long a cached turn result answers retries.
const idempotencyTTL = 5 * time.Minute

// globalRequestLimit is the coarse per-IP cap in requests per minute,
// ahead of the per-client token bucket.
const globalRequestLimit = 600

// Deps are the server's collaborators, all injected.
type Deps struct {
	Auth     *auth.Authenticator
	Limiter  *ratelimit.Limiter
	Sessions *session.Manager
	Gate     *policy.Gate
	Turns    *pipeline.Orchestrator
	Breakers *resilience.Registry
	Queue    *dlq.Queue
	Replay   *dlq.ReplayPolicy
	Governor *budget.Governor
	Store    *store.Store          // nil disables idempotency keys
	Events   *telemetry.MemorySink // nil disables the recent-event feed
	Cache    cache.Cache           // nil omits cache stats
	Inputs   *backpressure.Manager // nil omits input-queue stats
}

// Server is the HTTP boundary.
type Server struct {
	deps    Deps
	started time.Time
}

// NewServer builds a server over its collaborators.
func NewServer(deps Deps) *Server {
	return &Server{deps: deps, started: time.Now()}
}

// Routes assembles the router and middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(CorrelationID)
	r.Use(log.Middleware())
	r.Use(Recover)
	r.Use(httprate.LimitByIP(globalRequestLimit, time.Minute))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(s.deps.Auth))
		r.Use(RateLimit(s.deps.Limiter))

		r.Post("/v1/sessions", s.handleCreateSession)
		r.Get("/v1/sessions/{id}", s.handleGetSession)
		r.Delete("/v1/sessions/{id}", s.handleDeleteSession)

		r.Post("/v1/turn", s.handleTurn)

		r.Get("/v1/confirmations/pending", s.handlePendingConfirmations)
		r.Post("/v1/confirmations/{id}/approve", s.handleApprove)
		r.Post("/v1/confirmations/{id}/deny", s.handleDeny)

		r.Get("/v1/dlq", s.handleDLQList)
		r.Post("/v1/dlq/{id}/replay", s.handleDLQReplay)

		r.Get("/diagnostics/snapshot", s.handleDiagnostics)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime_s":        int(time.Since(s.started).Seconds()),
		"active_sessions": s.deps.Sessions.ActiveCount(),
	})
}

type createSessionRequest struct {
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	Profile        string         `json:"profile"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, CodeInvalidArgument, err.Error(), nil)
		return
	}
	if req.UserID == "" {
		respondError(w, CodeInvalidArgument, "user_id is required", nil)
		return
	}

	sess, err := s.deps.Sessions.Create(r.Context(), req.UserID, req.ConversationID, session.Profile(req.Profile))
	if err != nil {
		respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"ok": true, "session": sess})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "session": sess})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Sessions.Close(r.Context(), id); err != nil {
		respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": id, "status": "closed"})
}

type turnRequest struct {
	SessionID      string           `json:"session_id"`
	UserID         string           `json:"user_id"`
	ConversationID string           `json:"conversation_id"`
	Profile        string           `json:"profile"`
	InputText      string           `json:"input_text"`
	Frames         []backends.Frame `json:"frames,omitempty"`
	Model          string           `json:"model,omitempty"`
}

type turnResponse struct {
	OK            bool                   `json:"ok"`
	TurnID        string                 `json:"turn_id"`
	SessionID     string                 `json:"session_id"`
	AssistantText string                 `json:"assistant_text"`
	Model         string                 `json:"model,omitempty"`
	ToolCalls     []pipeline.ToolOutcome `json:"tool_calls,omitempty"`
	Memory        pipeline.MemoryReport  `json:"memory"`
	DurationMs    int64                  `json:"duration_ms"`
	Latency       pipeline.Latency       `json:"latency"`
	Quality       pipeline.Quality       `json:"quality"`
	Truncated     bool                   `json:"truncated,omitempty"`
}

// handleTurn admits and runs one turn. With no session_id the session is
// created implicitly from user_id, so a bare first request works.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, CodeInvalidArgument, err.Error(), nil)
		return
	}
	if req.InputText == "" {
		respondError(w, CodeInvalidArgument, "input_text is required", nil)
		return
	}

	idemKey := r.Header.Get(HeaderIdempotencyKey)
	if idemKey != "" && s.deps.Store != nil {
		if entry, err := s.deps.Store.GetIdempotencyKey(r.Context(), idemKey); err == nil && entry != nil {
			w.Header().Set("Idempotency-Replayed", "true")
			respondJSON(w, http.StatusOK, entry.Result)
			return
		}
	}

	if req.SessionID == "" {
		if req.UserID == "" {
			respondError(w, CodeInvalidArgument, "session_id or user_id is required", nil)
			return
		}
		sess, err := s.deps.Sessions.Create(r.Context(), req.UserID, req.ConversationID, session.Profile(req.Profile))
		if err != nil {
			respondMapped(w, r, err)
			return
		}
		req.SessionID = sess.SessionID
	}

	result, err := s.deps.Turns.Run(r.Context(), &pipeline.TurnRequest{
		SessionID: req.SessionID,
		InputText: req.InputText,
		Frames:    req.Frames,
		Model:     req.Model,
	})
	if err != nil {
		respondMapped(w, r, err)
		return
	}

	resp := turnResponse{
		OK:            true,
		TurnID:        result.TurnID,
		SessionID:     req.SessionID,
		AssistantText: result.AssistantText,
		Model:         result.Model,
		ToolCalls:     result.ToolCalls,
		Memory:        result.Memory,
		DurationMs:    result.Latency.TotalMs,
		Latency:       result.Latency,
		Quality:       result.Quality,
		Truncated:     result.Truncated,
	}

	if idemKey != "" && s.deps.Store != nil {
		if cached, err := toMap(resp); err == nil {
			if err := s.deps.Store.PersistIdempotencyKey(r.Context(), idemKey, result.TurnID, cached, idempotencyTTL); err != nil {
				log.WithComponentFromContext(r.Context(), "api").Warn().Err(err).Msg("idempotency persist failed")
			}
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePendingConfirmations(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		respondError(w, CodeInvalidArgument, "session_id query parameter is required", nil)
		return
	}
	pending := s.deps.Gate.Pending(sessionID)
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"pending": pending,
		"count":   len(pending),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.respondDecision(w, s.deps.Gate.Approve(r.Context(), chi.URLParam(r, "id")))
}

type denyRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	var req denyRequest
	// an empty body is a valid deny with no reason
	_ = decodeBody(r, &req)
	s.respondDecision(w, s.deps.Gate.Deny(r.Context(), chi.URLParam(r, "id"), req.Reason))
}

// respondDecision returns the gate's envelope verbatim. Unknown ids keep
// their {ok:false, status:"not_found"} shape with a 404.
func (s *Server) respondDecision(w http.ResponseWriter, d policy.Decision) {
	status := http.StatusOK
	if !d.OK {
		status = http.StatusNotFound
	}
	respondJSON(w, status, d)
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	letters := s.deps.Queue.List(offset, limit)
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"letters": letters,
		"stats":   s.deps.Queue.Stats(),
	})
}

type replayRequest struct {
	Mode string `json:"mode,omitempty"`
}

func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	_ = decodeBody(r, &req)
	if req.Mode == "" {
		req.Mode = r.URL.Query().Get("mode")
	}
	mode := dlq.Mode(req.Mode)
	if mode == "" {
		mode = dlq.DryRun
	}
	if mode != dlq.DryRun && mode != dlq.Live {
		respondError(w, CodeInvalidArgument, "mode must be DRY_RUN or LIVE", nil)
		return
	}
	outcome := s.deps.Replay.Evaluate(r.Context(), chi.URLParam(r, "id"), mode)
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "outcome": outcome})
}

// handleDiagnostics is the operator snapshot: breaker states, DLQ depth,
// budget decisions, limiter size, and the recent correlated events.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]any{
		"ok":               true,
		"uptime_s":         int(time.Since(s.started).Seconds()),
		"active_sessions":  s.deps.Sessions.ActiveCount(),
		"circuit_breakers": s.deps.Breakers.Snapshots(),
		"dead_letters":     s.deps.Queue.Stats(),
		"budget_decisions": s.deps.Governor.Log(),
		"rate_limiter":     map[string]any{"tracked_clients": s.deps.Limiter.Size()},
	}
	if s.deps.Cache != nil {
		snapshot["cache"] = s.deps.Cache.Stats()
	}
	if s.deps.Inputs != nil {
		snapshot["input_queues"] = s.deps.Inputs.Stats()
	}
	if s.deps.Events != nil {
		events := s.deps.Events.Events()
		if len(events) > 50 {
			events = events[len(events)-50:]
		}
		snapshot["recent_events"] = events
	}
	respondJSON(w, http.StatusOK, snapshot)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
