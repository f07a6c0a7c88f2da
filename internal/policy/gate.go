// SPDX-License-Identifier: MIT

package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/redact"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/telemetry"
)

// RequirementState is the confirmation lifecycle state.
type RequirementState string

const (
	StatePending  RequirementState = "pending"
	StateApproved RequirementState = "approved"
	StateDenied   RequirementState = "denied"
	StateExpired  RequirementState = "expired"
	StateExecuted RequirementState = "executed"
)

// Defaults for the gate.
const (
	DefaultConfirmationTTL = 120 * time.Second
	DefaultMaxPending      = 10
	DefaultSweepInterval   = 10 * time.Second
)

// Requirement is one pending or decided approval for a guarded tool.
type Requirement struct {
	RequirementID string           `json:"requirement_id"`
	SessionID     string           `json:"session_id"`
	TurnID        string           `json:"turn_id"`
	CorrelationID string           `json:"correlation_id"`
	ToolName      string           `json:"tool_name"`
	Args          map[string]any   `json:"args"`
	RiskTier      Classification   `json:"risk_tier"`
	State         RequirementState `json:"state"`
	Reason        string           `json:"reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
}

func (r *Requirement) clone() *Requirement {
	c := *r
	return &c
}

// MaxPendingError is returned when a session's pending count is at the limit.
type MaxPendingError struct {
	SessionID string
	Limit     int
}

func (e *MaxPendingError) Error() string {
	return fmt.Sprintf("session %s already has %d pending confirmations", e.SessionID, e.Limit)
}

// ConfirmationBypassError is raised on any execution attempt that does not
// consume an approved requirement exactly once.
type ConfirmationBypassError struct {
	RequirementID string
	State         RequirementState // empty for unknown ids
}

func (e *ConfirmationBypassError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("confirmation bypass: requirement %s not found", e.RequirementID)
	}
	return fmt.Sprintf("confirmation bypass: requirement %s is %s, not approved", e.RequirementID, e.State)
}

// Decision is the envelope returned by Approve and Deny.
type Decision struct {
	OK         bool   `json:"ok"`
	Status     string `json:"status"`
	Idempotent bool   `json:"idempotent,omitempty"`
}

// GateConfig tunes the confirmation gate.
type GateConfig struct {
	TTL           time.Duration
	MaxPending    int
	SweepInterval time.Duration
}

// DefaultGateConfig returns the gate defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		TTL:           DefaultConfirmationTTL,
		MaxPending:    DefaultMaxPending,
		SweepInterval: DefaultSweepInterval,
	}
}

// Gate manages confirmation requirements. It is the only code path allowed
// to move a guarded tool from requested to executed.
type Gate struct {
	mu           sync.Mutex
	requirements map[string]*Requirement
	waiters      map[string][]chan RequirementState
	bypassTotal  int
	bypassBySess map[string]int

	cfg     GateConfig
	mirror  *store.Store // nil disables persistence
	emitter *telemetry.Emitter
	clock   func() time.Time

	stop chan struct{}
	done chan struct{}
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateClock injects a clock for tests.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.clock = now }
}

// WithGateEmitter attaches a telemetry emitter.
func WithGateEmitter(e *telemetry.Emitter) GateOption {
	return func(g *Gate) { g.emitter = e }
}

// NewGate creates a confirmation gate. mirror may be nil.
func NewGate(cfg GateConfig, mirror *store.Store, opts ...GateOption) *Gate {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfirmationTTL
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	g := &Gate{
		requirements: make(map[string]*Requirement),
		waiters:      make(map[string][]chan RequirementState),
		bypassBySess: make(map[string]int),
		cfg:          cfg,
		mirror:       mirror,
		clock:        time.Now,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Require mints a pending requirement for a guarded tool call.
func (g *Gate) Require(ctx context.Context, tool string, args map[string]any, sessionID, turnID, correlationID string) (*Requirement, error) {
	now := g.clock()

	g.mu.Lock()
	pending := 0
	for _, r := range g.requirements {
		if r.SessionID == sessionID && r.State == StatePending {
			pending++
		}
	}
	if pending >= g.cfg.MaxPending {
		g.mu.Unlock()
		return nil, &MaxPendingError{SessionID: sessionID, Limit: g.cfg.MaxPending}
	}

	req := &Requirement{
		RequirementID: "cnf_" + uuid.NewString(),
		SessionID:     sessionID,
		TurnID:        turnID,
		CorrelationID: correlationID,
		ToolName:      tool,
		Args:          redact.Map(args),
		RiskTier:      GuardedWrite,
		State:         StatePending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(g.cfg.TTL),
	}
	g.requirements[req.RequirementID] = req
	g.mu.Unlock()

	g.persist(ctx, req)
	if g.emitter != nil {
		g.emitter.Emit(ctx, "confirmation.required", map[string]any{
			"requirement_id": req.RequirementID,
			"tool_name":      tool,
			"session_id":     sessionID,
			"expires_at":     req.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	metrics.RecordConfirmation("required")
	return req.clone(), nil
}

// Approve transitions pending -> approved. Repeat calls on a decided
// requirement return its terminal status with idempotent=true.
func (g *Gate) Approve(ctx context.Context, reqID string) Decision {
	return g.decide(ctx, reqID, StateApproved, "")
}

// Deny transitions pending -> denied, symmetric to Approve.
func (g *Gate) Deny(ctx context.Context, reqID, reason string) Decision {
	return g.decide(ctx, reqID, StateDenied, reason)
}

func (g *Gate) decide(ctx context.Context, reqID string, target RequirementState, reason string) Decision {
	g.mu.Lock()
	req, ok := g.requirements[reqID]
	if !ok {
		g.mu.Unlock()
		return Decision{OK: false, Status: "not_found"}
	}

	if g.expireLocked(req) {
		g.notifyLocked(reqID, StateExpired)
		g.mu.Unlock()
		g.persist(ctx, req)
		return Decision{OK: true, Status: string(StateExpired), Idempotent: true}
	}

	if req.State != StatePending {
		status := string(req.State)
		g.mu.Unlock()
		return Decision{OK: true, Status: status, Idempotent: true}
	}

	req.State = target
	req.Reason = reason
	snapshot := req.clone()
	g.notifyLocked(reqID, target)
	g.mu.Unlock()

	g.persist(ctx, snapshot)
	metrics.RecordConfirmation(string(target))
	if g.emitter != nil {
		g.emitter.Emit(ctx, "confirmation.decided", map[string]any{
			"requirement_id": reqID,
			"decision":       string(target),
		})
	}
	return Decision{OK: true, Status: string(target)}
}

// ValidateExecution consumes an approved requirement exactly once. Every
// other state, and unknown ids, raise ConfirmationBypassError and count a
// bypass attempt.
func (g *Gate) ValidateExecution(ctx context.Context, reqID string) error {
	g.mu.Lock()
	req, ok := g.requirements[reqID]
	if !ok {
		g.bypassTotal++
		g.mu.Unlock()
		metrics.RecordBypassAttempt()
		return &ConfirmationBypassError{RequirementID: reqID}
	}

	g.expireLocked(req)

	if req.State != StateApproved {
		g.bypassTotal++
		g.bypassBySess[req.SessionID]++
		state := req.State
		g.mu.Unlock()
		metrics.RecordBypassAttempt()
		log.WithComponentFromContext(ctx, "policy").Warn().
			Str("requirement_id", reqID).
			Str("state", string(state)).
			Msg("guarded tool execution rejected")
		return &ConfirmationBypassError{RequirementID: reqID, State: state}
	}

	req.State = StateExecuted
	snapshot := req.clone()
	g.mu.Unlock()

	g.persist(ctx, snapshot)
	metrics.RecordConfirmation("executed")
	return nil
}

// Get returns a copy of the requirement.
func (g *Gate) Get(reqID string) (*Requirement, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requirements[reqID]
	if !ok {
		return nil, false
	}
	return req.clone(), true
}

// Pending lists a session's pending requirements, oldest first.
func (g *Gate) Pending(sessionID string) []*Requirement {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Requirement, 0)
	for _, r := range g.requirements {
		if r.SessionID == sessionID && r.State == StatePending && !g.clock().After(r.ExpiresAt) {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// BypassAttempts returns the global and per-session bypass counters.
func (g *Gate) BypassAttempts(sessionID string) (global, session int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bypassTotal, g.bypassBySess[sessionID]
}

// Sweep expires stale pending requirements and returns the count.
func (g *Gate) Sweep(ctx context.Context) int {
	g.mu.Lock()
	var expired []*Requirement
	for _, r := range g.requirements {
		if r.State == StatePending && g.clock().After(r.ExpiresAt) {
			r.State = StateExpired
			g.notifyLocked(r.RequirementID, StateExpired)
			expired = append(expired, r.clone())
		}
	}
	g.mu.Unlock()

	for _, r := range expired {
		g.persist(ctx, r)
		metrics.RecordConfirmation("expired")
	}
	return len(expired)
}

// Run sweeps periodically until Shutdown.
func (g *Gate) Run(ctx context.Context) {
	defer close(g.done)
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Sweep(ctx)
		case <-g.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops the sweeper and waits for it to exit.
func (g *Gate) Shutdown() {
	close(g.stop)
	<-g.done
}

// Rehydrate restores pending confirmations from the durable store.
func (g *Gate) Rehydrate(ctx context.Context) error {
	if g.mirror == nil {
		return nil
	}
	records, err := g.mirror.LoadPendingConfirmations(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, rec := range records {
		g.requirements[rec.RequirementID] = &Requirement{
			RequirementID: rec.RequirementID,
			SessionID:     rec.SessionID,
			TurnID:        rec.TurnID,
			ToolName:      rec.ToolName,
			Args:          rec.Args,
			RiskTier:      Classification(rec.RiskTier),
			State:         RequirementState(rec.State),
			CreatedAt:     time.UnixMilli(rec.CreatedAtMs),
			ExpiresAt:     time.UnixMilli(rec.ExpiresAtMs),
		}
	}
	return nil
}

// WaitDecision blocks until the requirement leaves pending or ctx ends.
// Callers bound the wait with a deadline (the confirmation-wait timeout).
func (g *Gate) WaitDecision(ctx context.Context, reqID string) (RequirementState, error) {
	g.mu.Lock()
	req, ok := g.requirements[reqID]
	if !ok {
		g.mu.Unlock()
		return "", fmt.Errorf("requirement %s not found", reqID)
	}
	g.expireLocked(req)
	if req.State != StatePending {
		state := req.State
		g.mu.Unlock()
		return state, nil
	}
	ch := make(chan RequirementState, 1)
	g.waiters[reqID] = append(g.waiters[reqID], ch)
	g.mu.Unlock()

	select {
	case state := <-ch:
		return state, nil
	case <-ctx.Done():
		return StatePending, ctx.Err()
	}
}

// notifyLocked wakes waiters for a decided requirement. Caller holds the lock.
func (g *Gate) notifyLocked(reqID string, state RequirementState) {
	for _, ch := range g.waiters[reqID] {
		ch <- state
	}
	delete(g.waiters, reqID)
}

// expireLocked marks a pending requirement past its TTL as expired.
// Caller holds the lock.
func (g *Gate) expireLocked(req *Requirement) bool {
	if req.State == StatePending && g.clock().After(req.ExpiresAt) {
		req.State = StateExpired
		metrics.RecordConfirmation("expired")
		return true
	}
	return false
}

func (g *Gate) persist(ctx context.Context, req *Requirement) {
	if g.mirror == nil {
		return
	}
	rec := &store.ConfirmationRecord{
		RequirementID: req.RequirementID,
		SessionID:     req.SessionID,
		TurnID:        req.TurnID,
		ToolName:      req.ToolName,
		Args:          req.Args,
		RiskTier:      string(req.RiskTier),
		State:         string(req.State),
		CreatedAtMs:   req.CreatedAt.UnixMilli(),
		ExpiresAtMs:   req.ExpiresAt.UnixMilli(),
	}
	if err := g.mirror.PersistConfirmation(ctx, rec); err != nil {
		log.WithComponentFromContext(ctx, "policy").Warn().Err(err).
			Str("requirement_id", req.RequirementID).
			Msg("confirmation persist failed")
	}
}
