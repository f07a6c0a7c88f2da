// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/backends"
	"github.com/arbiterhq/arbiter/internal/backpressure"
	"github.com/arbiterhq/arbiter/internal/budget"
	"github.com/arbiterhq/arbiter/internal/dlq"
	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/resilience"
	"github.com/arbiterhq/arbiter/internal/session"
	"github.com/arbiterhq/arbiter/internal/telemetry"
)

type fakeModel struct {
	mu    sync.Mutex
	resp  *backends.ChatResponse
	err   error
	block bool // wait for ctx cancellation
	calls int
}

func (f *fakeModel) Chat(ctx context.Context, _ *backends.ChatRequest) (*backends.ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMemory struct {
	mu         sync.Mutex
	entries    []backends.MemoryEntry
	searchErr  error
	storeErr   error
	storeCalls int
}

func (f *fakeMemory) Search(_ context.Context, _ *backends.SearchRequest) (*backends.SearchResponse, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return &backends.SearchResponse{Entries: f.entries}, nil
}

func (f *fakeMemory) Store(_ context.Context, _ *backends.StoreRequest) error {
	f.mu.Lock()
	f.storeCalls++
	f.mu.Unlock()
	return f.storeErr
}

func (f *fakeMemory) stores() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storeCalls
}

type fakeTools struct {
	mu    sync.Mutex
	resp  *backends.ExecuteResponse
	err   error
	calls int
}

func (f *fakeTools) Execute(_ context.Context, _ *backends.ExecuteRequest) (*backends.ExecuteResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &backends.ExecuteResponse{Status: "ok", Result: map[string]any{"done": true}}, nil
}

func (f *fakeTools) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePerception struct{ desc string }

func (f *fakePerception) Describe(_ context.Context, _ *backends.DescribeRequest) (*backends.DescribeResponse, error) {
	return &backends.DescribeResponse{Description: f.desc}, nil
}

type fixture struct {
	orch     *Orchestrator
	sessions *session.Manager
	gate     *policy.Gate
	queue    *dlq.Queue
	inputs   *backpressure.Manager
	sink     *telemetry.MemorySink
	model    *fakeModel
	memory   *fakeMemory
	tools    *fakeTools
}

func newFixture(t *testing.T, cfg Config, model *fakeModel, memory *fakeMemory, tools *fakeTools) *fixture {
	t.Helper()
	sink := telemetry.NewMemorySink(256)
	emitter := telemetry.NewEmitter(sink)
	queue := dlq.NewQueue(10, nil)
	inputs := backpressure.NewManager(4)
	gate := policy.NewGate(policy.DefaultGateConfig(), nil, policy.WithGateEmitter(emitter))
	sessions := session.NewManager(session.DefaultManagerConfig(), nil,
		session.WithManagerEmitter(emitter), session.WithInputQueues(inputs))

	orch := New(cfg, Deps{
		Sessions:    sessions,
		Gate:        gate,
		Breakers:    resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig(), emitter),
		Governor:    budget.NewGovernor(nil),
		DeadLetters: queue,
		Emitter:     emitter,
		Inputs:      inputs,
		Model:       model,
		Memory:      memory,
		Tools:       tools,
		Perception:  &fakePerception{desc: "a desk"},
	})
	return &fixture{orch: orch, sessions: sessions, gate: gate, queue: queue, inputs: inputs, sink: sink, model: model, memory: memory, tools: tools}
}

func turnCtx(corr string) context.Context {
	return log.ContextWithCorrelationID(context.Background(), corr)
}

func TestHealthyTurn(t *testing.T) {
	model := &fakeModel{resp: &backends.ChatResponse{Response: "The answer is 4.", Model: "gpt-x"}}
	memory := &fakeMemory{entries: []backends.MemoryEntry{{EntryID: "m1", Content: "prior chat"}}}
	f := newFixture(t, Config{}, model, memory, &fakeTools{})

	sess, err := f.sessions.Create(context.Background(), "u1", "c1", session.ProfileLowLatency)
	require.NoError(t, err)

	result, err := f.orch.Run(turnCtx("corr_turn1"), &TurnRequest{SessionID: sess.SessionID, InputText: "What is 2+2?"})
	require.NoError(t, err)

	assert.Equal(t, "The answer is 4.", result.AssistantText)
	assert.Equal(t, "gpt-x", result.Model)
	assert.True(t, result.Memory.Written)
	assert.Equal(t, 1, result.Memory.RetrievedCount)
	assert.False(t, result.Quality.FallbackUsed)
	assert.Equal(t, ReasonComplete, result.Quality.CompletionReason)
	assert.Equal(t, 1, memory.stores())

	// every emitted event carries the correlation id
	events := f.sink.ForCorrelation("corr_turn1")
	require.NotEmpty(t, events)
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "turn.started")
	assert.Contains(t, names, "turn.completed")

	// the admitted input was consumed by the turn
	stats := f.inputs.Stats()
	assert.Equal(t, 1, stats.Admitted)
	assert.Equal(t, 0, stats.Shed)
	assert.Empty(t, stats.Depths)

	after, err := f.sessions.Get(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.TurnComplete, after.TurnState)
}

func TestRouterUnreachableFallsBack(t *testing.T) {
	model := &fakeModel{err: syscall.ECONNREFUSED}
	f := newFixture(t, Config{}, model, &fakeMemory{}, &fakeTools{})

	sess, err := f.sessions.Create(context.Background(), "u1", "c1", session.ProfileLowLatency)
	require.NoError(t, err)

	result, err := f.orch.Run(turnCtx("corr_fb"), &TurnRequest{SessionID: sess.SessionID, InputText: "hello"})
	require.NoError(t, err)

	assert.True(t, result.Quality.FallbackUsed)
	assert.Equal(t, "router_unavailable", result.Quality.FallbackTrigger)
	assert.Equal(t, "fallback", result.Model)
	assert.NotEmpty(t, result.AssistantText)
	assert.Equal(t, "corr_fb", result.CorrelationID)

	// the exhausted call left a dead letter behind
	assert.Equal(t, 1, f.queue.Stats().Enqueued)
	letters := f.queue.List(0, 1)
	require.Len(t, letters, 1)
	assert.Equal(t, resilience.ClassConnectionBootstrap, letters[0].FailureClass)

	// CONNECTION_BOOTSTRAP retries up to 3 times
	assert.Equal(t, 4, model.callCount())
}

func TestSafeReadToolExecutes(t *testing.T) {
	model := &fakeModel{resp: &backends.ChatResponse{
		Response:  "Checking the time.",
		ToolCalls: []backends.ToolCall{{ToolName: "time.now"}},
	}}
	tools := &fakeTools{}
	f := newFixture(t, Config{}, model, &fakeMemory{}, tools)

	sess, err := f.sessions.Create(context.Background(), "u1", "c1", session.ProfileToolOriented)
	require.NoError(t, err)

	result, err := f.orch.Run(turnCtx("corr_tool"), &TurnRequest{SessionID: sess.SessionID, InputText: "time?"})
	require.NoError(t, err)

	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "executed", result.ToolCalls[0].Status)
	assert.Empty(t, result.ToolCalls[0].RequirementID)
	assert.Equal(t, 1, result.Quality.ToolCallsExecuted)
	assert.Equal(t, 1, tools.callCount())
}

func TestGuardedToolApproved(t *testing.T) {
	model := &fakeModel{resp: &backends.ChatResponse{
		Response:  "Writing the file.",
		ToolCalls: []backends.ToolCall{{ToolName: "file.write", Args: map[string]any{"path": "/tmp/x"}}},
	}}
	tools := &fakeTools{}
	f := newFixture(t, Config{}, model, &fakeMemory{}, tools)

	sess, err := f.sessions.Create(context.Background(), "u1", "c1", session.ProfileToolOriented)
	require.NoError(t, err)

	// operator approves as soon as the requirement appears
	go func() {
		deadline := time.After(5 * time.Second)
		for {
			select {
			case <-deadline:
				return
			case <-time.After(10 * time.Millisecond):
			}
			if pending := f.gate.Pending(sess.SessionID); len(pending) > 0 {
				f.gate.Approve(context.Background(), pending[0].RequirementID)
				return
			}
		}
	}()

	result, err := f.orch.Run(turnCtx("corr_guard"), &TurnRequest{SessionID: sess.SessionID, InputText: "save it"})
	require.NoError(t, err)

	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "executed", result.ToolCalls[0].Status)
	assert.NotEmpty(t, result.ToolCalls[0].RequirementID)
	assert.Equal(t, 1, tools.callCount())

	// the approval was consumed exactly once
	err = f.gate.ValidateExecution(context.Background(), result.ToolCalls[0].RequirementID)
	assert.Error(t, err)
	global, _ := f.gate.BypassAttempts(sess.SessionID)
	assert.Equal(t, 1, global)
}

func TestGuardedToolDenied(t *testing.T) {
	model := &fakeModel{resp: &backends.ChatResponse{
		Response:  "Deleting.",
		ToolCalls: []backends.ToolCall{{ToolName: "file.delete", Args: map[string]any{"path": "/etc"}}},
	}}
	tools := &fakeTools{}
	f := newFixture(t, Config{}, model, &fakeMemory{}, tools)

	sess, err := f.sessions.Create(context.Background(), "u1", "c1", session.ProfileToolOriented)
	require.NoError(t, err)

	go func() {
		deadline := time.After(5 * time.Second)
		for {
			select {
			case <-deadline:
				return
			case <-time.After(10 * time.Millisecond):
			}
			if pending := f.gate.Pending(sess.SessionID); len(pending) > 0 {
				f.gate.Deny(context.Background(), pending[0].RequirementID, "too risky")
				return
			}
		}
	}()

	result, err := f.orch.Run(turnCtx("corr_deny"), &TurnRequest{SessionID: sess.SessionID, InputText: "wipe it"})
	require.NoError(t, err)

	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "denied", result.ToolCalls[0].Status)
	assert.Equal(t, 0, tools.callCount(), "denied tool must never execute")
	assert.Equal(t, 0, result.Quality.ToolCallsExecuted)
}

func TestBlockedToolReturnsPolicyDenied(t *testing.T) {
	model := &fakeModel{resp: &backends.ChatResponse{
		Response:  "Running something odd.",
		ToolCalls: []backends.ToolCall{{ToolName: "network.scan"}},
	}}
	tools := &fakeTools{}
	f := newFixture(t, Config{}, model, &fakeMemory{}, tools)

	sess, err := f.sessions.Create(context.Background(), "u1", "c1", session.ProfileToolOriented)
	require.NoError(t, err)

	_, err = f.orch.Run(turnCtx("corr_blk"), &TurnRequest{SessionID: sess.SessionID, InputText: "scan"})
	var denied *PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "network.scan", denied.ToolName)
	assert.Equal(t, 0, tools.callCount())
}

func TestFrameValidation(t *testing.T) {
	model := &fakeModel{resp: &backends.ChatResponse{Response: "ok"}}
	f := newFixture(t, Config{MaxFrameBytes: 64}, model, &fakeMemory{}, &fakeTools{})

	visionSess, err := f.sessions.Create(context.Background(), "u1", "c1", session.ProfileVision)
	require.NoError(t, err)
	chatSess, err := f.sessions.Create(context.Background(), "u1", "c2", session.ProfileLowLatency)
	require.NoError(t, err)

	small := backends.Frame{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString([]byte("tiny"))}
	big := backends.Frame{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(make([]byte, 256))}
	badMime := backends.Frame{MimeType: "application/pdf", Data: small.Data}

	_, err = f.orch.Run(turnCtx("corr_f1"), &TurnRequest{SessionID: visionSess.SessionID, InputText: "look", Frames: []backends.Frame{big}})
	var tooLarge *FrameTooLargeError
	assert.ErrorAs(t, err, &tooLarge)

	_, err = f.orch.Run(turnCtx("corr_f2"), &TurnRequest{SessionID: visionSess.SessionID, InputText: "look", Frames: []backends.Frame{badMime}})
	var invalid *InvalidFrameError
	assert.ErrorAs(t, err, &invalid)

	_, err = f.orch.Run(turnCtx("corr_f3"), &TurnRequest{SessionID: chatSess.SessionID, InputText: "look", Frames: []backends.Frame{small}})
	assert.Error(t, err)

	// the session stays usable after a frame rejection
	result, err := f.orch.Run(turnCtx("corr_f4"), &TurnRequest{SessionID: visionSess.SessionID, InputText: "look", Frames: []backends.Frame{small}})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.AssistantText)
}

func TestBargeInCancelsInFlightTurn(t *testing.T) {
	model := &fakeModel{block: true}
	f := newFixture(t, Config{}, model, &fakeMemory{}, &fakeTools{})

	sess, err := f.sessions.Create(context.Background(), "u1", "c1", session.ProfileLowLatency)
	require.NoError(t, err)

	results := make(chan *TurnResult, 1)
	go func() {
		result, runErr := f.orch.Run(turnCtx("corr_old"), &TurnRequest{SessionID: sess.SessionID, InputText: "slow one"})
		if runErr == nil {
			results <- result
		}
	}()

	// wait until the first turn is in flight
	require.Eventually(t, func() bool { return model.callCount() > 0 }, 2*time.Second, 10*time.Millisecond)

	handle, err := f.sessions.BeginTurn(context.Background(), sess.SessionID)
	require.NoError(t, err)
	defer f.sessions.EndTurn(handle)

	select {
	case result := <-results:
		assert.Equal(t, ReasonCancelled, result.Quality.CompletionReason)
		assert.Empty(t, result.AssistantText)
		assert.False(t, result.Quality.FallbackUsed, "cancelled turns emit no fallback")
		assert.Equal(t, 0, f.queue.Stats().Enqueued, "cancelled turns enqueue no dead letters")
		assert.Equal(t, 0, f.memory.stores(), "cancelled turns write no memory")
	case <-time.After(3 * time.Second):
		t.Fatal("barged-in turn did not finish")
	}
}

func TestOutputBudgetEnforced(t *testing.T) {
	long := strings.Repeat("All work and no play. ", 400) // ~8800 chars
	model := &fakeModel{resp: &backends.ChatResponse{Response: long}}
	f := newFixture(t, Config{}, model, &fakeMemory{}, &fakeTools{})

	sess, err := f.sessions.Create(context.Background(), "u1", "c1", session.ProfileLowLatency)
	require.NoError(t, err)

	result, err := f.orch.Run(turnCtx("corr_budget"), &TurnRequest{SessionID: sess.SessionID, InputText: "novel please"})
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	assert.LessOrEqual(t, len(result.AssistantText), 4000)
	assert.True(t, strings.HasSuffix(result.AssistantText, "."), "sentence-boundary cut")
}

func TestControlCharactersStripped(t *testing.T) {
	model := &fakeModel{resp: &backends.ChatResponse{Response: "clean\x00me\x1bplease\nkeep newline"}}
	f := newFixture(t, Config{}, model, &fakeMemory{}, &fakeTools{})

	sess, err := f.sessions.Create(context.Background(), "u1", "c1", session.ProfileLowLatency)
	require.NoError(t, err)

	result, err := f.orch.Run(turnCtx("corr_ctrl"), &TurnRequest{SessionID: sess.SessionID, InputText: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "cleanmeplease\nkeep newline", result.AssistantText)
}

func TestMemoryFailureNonFatal(t *testing.T) {
	model := &fakeModel{resp: &backends.ChatResponse{Response: "still fine"}}
	memory := &fakeMemory{searchErr: syscall.ECONNREFUSED, storeErr: syscall.ECONNREFUSED}
	f := newFixture(t, Config{}, model, memory, &fakeTools{})

	sess, err := f.sessions.Create(context.Background(), "u1", "c1", session.ProfileLowLatency)
	require.NoError(t, err)

	result, err := f.orch.Run(turnCtx("corr_mem"), &TurnRequest{SessionID: sess.SessionID, InputText: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "still fine", result.AssistantText)
	assert.False(t, result.Memory.Written)
	assert.Equal(t, 0, result.Memory.RetrievedCount)
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t, Config{}, &fakeModel{resp: &backends.ChatResponse{Response: "x"}}, &fakeMemory{}, &fakeTools{})
	_, err := f.orch.Run(turnCtx("corr_x"), &TurnRequest{SessionID: "ses_missing", InputText: "hi"})
	assert.ErrorIs(t, err, session.ErrNotFound)
}
