// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/backpressure"
	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/telemetry"
)

// ErrNotFound is returned for unknown or non-active session ids.
var ErrNotFound = errors.New("session not found")

// ErrBargeInTimeout is returned when a prior turn does not observe its
// cancellation within the bounded wait.
var ErrBargeInTimeout = errors.New("prior turn did not observe cancellation in time")

// ErrTurnCancelled is the cancellation cause delivered to a barged-in turn.
var ErrTurnCancelled = errors.New("turn cancelled by newer input")

// QuotaExceededError reports which admission bound was hit.
type QuotaExceededError struct {
	Scope string // "global" or "user"
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s session quota of %d exceeded", e.Scope, e.Limit)
}

// ManagerConfig tunes the session table.
type ManagerConfig struct {
	MaxSessions        int           // global active bound (default 1000)
	MaxSessionsPerUser int           // per-user active bound (default 10)
	SessionTTL         time.Duration // idle expiry (default 30m)
	SweepInterval      time.Duration // expiry sweep period (default 30s)
	BargeInWait        time.Duration // bound on waiting for a cancelled turn (default 1s)
}

// DefaultManagerConfig returns the manager defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxSessions:        1000,
		MaxSessionsPerUser: 10,
		SessionTTL:         30 * time.Minute,
		SweepInterval:      30 * time.Second,
		BargeInWait:        time.Second,
	}
}

// TurnHandle is the pipeline's grip on one in-flight turn. The pipeline must
// call Finish exactly once, on every path including cancellation.
type TurnHandle struct {
	TurnID    string
	SessionID string
	Ctx       context.Context

	cancel context.CancelCauseFunc
	done   chan struct{}
	once   sync.Once
}

// Finish marks the turn as observed-complete, releasing the session slot.
func (h *TurnHandle) Finish() {
	h.once.Do(func() { close(h.done) })
}

// Cancelled reports whether the handle's context was cancelled.
func (h *TurnHandle) Cancelled() bool {
	return h.Ctx.Err() != nil
}

// Manager owns the session table.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	turns    map[string]*TurnHandle // session id -> active turn
	byUser   map[string]int         // active count per user

	cfg     ManagerConfig
	mirror  *store.Store // nil disables persistence
	emitter *telemetry.Emitter
	inputs  *backpressure.Manager // nil disables input-queue cleanup
	clock   func() time.Time

	stop chan struct{}
	done chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock injects a clock for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = now }
}

// WithManagerEmitter attaches a telemetry emitter.
func WithManagerEmitter(e *telemetry.Emitter) ManagerOption {
	return func(m *Manager) { m.emitter = e }
}

// WithInputQueues drains a session's queued inputs when it terminates.
func WithInputQueues(q *backpressure.Manager) ManagerOption {
	return func(m *Manager) { m.inputs = q }
}

// NewManager creates a session manager. mirror may be nil.
func NewManager(cfg ManagerConfig, mirror *store.Store, opts ...ManagerOption) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1000
	}
	if cfg.MaxSessionsPerUser <= 0 {
		cfg.MaxSessionsPerUser = 10
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.BargeInWait <= 0 {
		cfg.BargeInWait = time.Second
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		turns:    make(map[string]*TurnHandle),
		byUser:   make(map[string]int),
		cfg:      cfg,
		mirror:   mirror,
		clock:    time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create admits a new session, enforcing the global and per-user bounds.
func (m *Manager) Create(ctx context.Context, userID, conversationID string, profile Profile) (*Session, error) {
	if !profile.Valid() {
		profile = ProfileLowLatency
	}
	now := m.clock()

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, &QuotaExceededError{Scope: "global", Limit: m.cfg.MaxSessions}
	}
	if m.byUser[userID] >= m.cfg.MaxSessionsPerUser {
		m.mu.Unlock()
		return nil, &QuotaExceededError{Scope: "user", Limit: m.cfg.MaxSessionsPerUser}
	}

	s := &Session{
		SessionID:      "ses_" + uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Profile:        profile,
		Status:         StatusActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.SessionTTL),
		LastActivity:   now,
		TurnState:      TurnIdle,
		VisionEnabled:  profile == ProfileVision,
	}
	m.sessions[s.SessionID] = s
	m.byUser[userID]++
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.SetActiveSessions(count)
	m.persist(ctx, s)
	if m.emitter != nil {
		m.emitter.Emit(ctx, "session.created", map[string]any{
			"session_id": s.SessionID,
			"profile":    string(profile),
		})
	}
	return s.clone(), nil
}

// Get returns an active session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

// Touch records activity on a session and extends its expiry.
func (m *Manager) Touch(ctx context.Context, id string) error {
	now := m.clock()

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.LastActivity = now
	s.ExpiresAt = now.Add(m.cfg.SessionTTL)
	snapshot := s.clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	return nil
}

// Close terminates a session explicitly.
func (m *Manager) Close(ctx context.Context, id string) error {
	return m.remove(ctx, id, StatusClosed)
}

func (m *Manager) remove(ctx context.Context, id string, terminal Status) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if h, active := m.turns[id]; active {
		h.cancel(ErrTurnCancelled)
		delete(m.turns, id)
	}
	delete(m.sessions, id)
	m.byUser[s.UserID]--
	if m.byUser[s.UserID] <= 0 {
		delete(m.byUser, s.UserID)
	}
	s.Status = terminal
	snapshot := s.clone()
	count := len(m.sessions)
	m.mu.Unlock()

	if m.inputs != nil {
		m.inputs.ResetSession(id)
	}
	metrics.SetActiveSessions(count)
	m.persist(ctx, snapshot)
	if m.emitter != nil {
		m.emitter.Emit(ctx, "session.closed", map[string]any{
			"session_id": id,
			"status":     string(terminal),
		})
	}
	return nil
}

// BeginTurn admits a turn on the session, cancelling any in-flight turn
// first (barge-in) and waiting a bounded time for it to be observed. The
// at-most-one-turn invariant holds across the wait.
func (m *Manager) BeginTurn(ctx context.Context, sessionID string) (*TurnHandle, error) {
	m.mu.Lock()
	if _, ok := m.sessions[sessionID]; !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	prior := m.turns[sessionID]
	if prior != nil {
		prior.cancel(ErrTurnCancelled)
	}
	m.mu.Unlock()

	if prior != nil {
		metrics.RecordBargeIn()
		if m.emitter != nil {
			m.emitter.Emit(ctx, "turn.barged_in", map[string]any{
				"session_id":     sessionID,
				"cancelled_turn": prior.TurnID,
			})
		}
		select {
		case <-prior.done:
		case <-time.After(m.cfg.BargeInWait):
			return nil, ErrBargeInTimeout
		}
	}

	turnID := "trn_" + uuid.NewString()
	turnCtx, cancel := context.WithCancelCause(ctx)
	turnCtx = log.ContextWithSessionID(turnCtx, sessionID)
	turnCtx = log.ContextWithTurnID(turnCtx, turnID)

	handle := &TurnHandle{
		TurnID:    turnID,
		SessionID: sessionID,
		Ctx:       turnCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		cancel(ErrTurnCancelled)
		return nil, ErrNotFound
	}
	if current := m.turns[sessionID]; current != nil && current != prior {
		// a concurrent barge-in won the race; yield to it
		m.mu.Unlock()
		cancel(ErrTurnCancelled)
		return nil, ErrBargeInTimeout
	}
	m.turns[sessionID] = handle
	s.TurnCount++
	s.TurnState = TurnListening
	s.LastActivity = m.clock()
	snapshot := s.clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	return handle, nil
}

// EndTurn releases the session's turn slot if handle is still the active turn.
func (m *Manager) EndTurn(handle *TurnHandle) {
	handle.Finish()
	terminal := TurnComplete
	if handle.Cancelled() {
		terminal = TurnCancelled
	}
	m.mu.Lock()
	if m.turns[handle.SessionID] == handle {
		delete(m.turns, handle.SessionID)
		if s, ok := m.sessions[handle.SessionID]; ok {
			s.TurnState = terminal
		}
	}
	m.mu.Unlock()
}

// MarkTurnState records the current stage of a session's in-flight turn.
// Transient state: it is not persisted and resets on rehydrate.
func (m *Manager) MarkTurnState(sessionID string, state TurnState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.TurnState = state
	}
}

// ActiveCount returns the number of active sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep expires sessions idle past their TTL and returns the count.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.clock()

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.remove(ctx, id, StatusExpired); err == nil {
			metrics.RecordSessionExpired()
		}
	}
	return len(expired)
}

// Run sweeps periodically until Shutdown.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				log.WithComponent("session").Debug().Int("expired", n).Msg("idle sweep")
			}
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops the sweeper and waits for it to exit.
func (m *Manager) Shutdown() {
	close(m.stop)
	<-m.done
}

// Rehydrate restores active sessions from the durable store.
func (m *Manager) Rehydrate(ctx context.Context) error {
	if m.mirror == nil {
		return nil
	}
	records, err := m.mirror.LoadActiveSessions(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, rec := range records {
		if len(m.sessions) >= m.cfg.MaxSessions {
			break
		}
		s := &Session{
			SessionID:      rec.SessionID,
			UserID:         rec.UserID,
			ConversationID: rec.ConversationID,
			Profile:        Profile(rec.Profile),
			Status:         StatusActive,
			CreatedAt:      time.UnixMilli(rec.CreatedAtMs),
			ExpiresAt:      time.UnixMilli(rec.ExpiresAtMs),
			LastActivity:   time.UnixMilli(rec.LastActivityMs),
			TurnCount:      rec.TurnCount,
			TurnState:      TurnIdle,
			Metadata:       rec.Metadata,
		}
		m.sessions[s.SessionID] = s
		m.byUser[s.UserID]++
	}
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.SetActiveSessions(count)
	return nil
}

func (m *Manager) persist(ctx context.Context, s *Session) {
	if m.mirror == nil {
		return
	}
	rec := &store.SessionRecord{
		SessionID:      s.SessionID,
		UserID:         s.UserID,
		ConversationID: s.ConversationID,
		Profile:        string(s.Profile),
		Status:         string(s.Status),
		CreatedAtMs:    s.CreatedAt.UnixMilli(),
		ExpiresAtMs:    s.ExpiresAt.UnixMilli(),
		LastActivityMs: s.LastActivity.UnixMilli(),
		TurnCount:      s.TurnCount,
		Metadata:       s.Metadata,
	}
	if err := m.mirror.PersistSession(ctx, rec); err != nil {
		log.WithComponentFromContext(ctx, "session").Warn().Err(err).
			Str("session_id", s.SessionID).
			Msg("session persist failed")
	}
}
