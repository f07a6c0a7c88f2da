// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/backends"
	"github.com/arbiterhq/arbiter/internal/backpressure"
	"github.com/arbiterhq/arbiter/internal/budget"
	"github.com/arbiterhq/arbiter/internal/dlq"
	"github.com/arbiterhq/arbiter/internal/fallback"
	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/resilience"
	"github.com/arbiterhq/arbiter/internal/session"
	"github.com/arbiterhq/arbiter/internal/telemetry"
)

var allowedFrameMimes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// Deps are the collaborators one orchestrator drives. All references are
// explicit handles; nothing here is process-global.
type Deps struct {
	Sessions    *session.Manager
	Gate        *policy.Gate
	Breakers    *resilience.Registry
	Governor    *budget.Governor
	DeadLetters *dlq.Queue
	Emitter     *telemetry.Emitter
	Inputs      *backpressure.Manager // nil disables input-queue accounting

	Model      ModelClient
	Memory     MemoryClient
	Tools      ToolClient
	Perception PerceptionClient
}

// Orchestrator runs turns. Stages execute strictly in order and observe
// cancellation at every stage boundary.
type Orchestrator struct {
	cfg  Config
	deps Deps
}

// New builds an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if cfg.RecallTimeout <= 0 {
		cfg.RecallTimeout = def.RecallTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = def.ToolTimeout
	}
	if cfg.ConfirmationWait <= 0 {
		cfg.ConfirmationWait = def.ConfirmationWait
	}
	if cfg.TurnBudget <= 0 {
		cfg.TurnBudget = def.TurnBudget
	}
	if cfg.MaxToolCalls <= 0 || cfg.MaxToolCalls > def.MaxToolCalls {
		cfg.MaxToolCalls = def.MaxToolCalls
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

// Run drives one turn to completion. Admission (auth, rate limiting,
// correlation id) happens before this call; the context must already carry
// the correlation id.
func (o *Orchestrator) Run(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	sess, err := o.deps.Sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := o.validateFrames(req.Frames, sess.VisionEnabled); err != nil {
		return nil, err
	}

	// queued inputs that never win a turn slot are shed oldest-first
	if o.deps.Inputs != nil {
		o.deps.Inputs.Admit(req.SessionID, backpressure.Item{
			CorrelationID: log.CorrelationIDFromContext(ctx),
			Input:         req.InputText,
		})
	}

	handle, err := o.deps.Sessions.BeginTurn(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer o.deps.Sessions.EndTurn(handle)
	if o.deps.Inputs != nil {
		o.deps.Inputs.Pop(req.SessionID)
	}

	turnCtx, cancel := context.WithTimeout(handle.Ctx, o.cfg.TurnBudget)
	defer cancel()

	started := time.Now()
	result := &TurnResult{
		TurnID:        handle.TurnID,
		CorrelationID: log.CorrelationIDFromContext(ctx),
		Quality: Quality{
			GenerationProfileUsed: string(sess.Profile),
			CompletionReason:      ReasonComplete,
		},
	}

	o.deps.Emitter.Emit(turnCtx, "turn.started", map[string]any{
		"profile":      string(sess.Profile),
		"frames":       len(req.Frames),
		"input_length": len(req.InputText),
	})

	contextText := o.stageRecall(turnCtx, req, result)
	if handle.Cancelled() {
		return o.finishCancelled(ctx, result, sess, started), nil
	}

	if desc := o.stagePerception(turnCtx, req, result); desc != "" {
		contextText = joinContext(contextText, "Observed scene: "+desc)
	}
	if handle.Cancelled() {
		return o.finishCancelled(ctx, result, sess, started), nil
	}

	o.deps.Sessions.MarkTurnState(req.SessionID, session.TurnThinking)
	resp, fellBack := o.stageModel(turnCtx, handle, req, sess, contextText, result)
	if handle.Cancelled() {
		return o.finishCancelled(ctx, result, sess, started), nil
	}

	if !fellBack && len(resp.ToolCalls) > 0 {
		o.deps.Sessions.MarkTurnState(req.SessionID, session.TurnTooling)
		if err := o.stageTools(turnCtx, handle, resp.ToolCalls, sess, result); err != nil {
			o.deps.Emitter.Emit(turnCtx, "turn.failed", map[string]any{"error": err.Error()})
			metrics.RecordTurn("error", string(sess.Profile))
			return nil, err
		}
	}
	if handle.Cancelled() {
		return o.finishCancelled(ctx, result, sess, started), nil
	}

	o.deps.Sessions.MarkTurnState(req.SessionID, session.TurnResponding)
	o.stageMemoryWrite(turnCtx, req, result)

	o.normalize(result)

	result.Latency.TotalMs = time.Since(started).Milliseconds()
	metrics.RecordTurn(result.Quality.CompletionReason, string(sess.Profile))
	o.deps.Emitter.Emit(turnCtx, "turn.completed", map[string]any{
		"completion_reason": result.Quality.CompletionReason,
		"fallback_used":     result.Quality.FallbackUsed,
		"total_ms":          result.Latency.TotalMs,
	})

	if err := o.deps.Sessions.Touch(ctx, req.SessionID); err != nil {
		log.WithComponentFromContext(ctx, "pipeline").Warn().Err(err).Msg("session touch failed")
	}
	return result, nil
}

// validateFrames enforces the mime allow-list and the per-frame byte budget.
func (o *Orchestrator) validateFrames(frames []backends.Frame, visionEnabled bool) error {
	if len(frames) > 0 && !visionEnabled {
		return fmt.Errorf("%w: session does not accept vision frames", resilience.ErrValidationFailed)
	}
	for i, f := range frames {
		if !allowedFrameMimes[f.MimeType] {
			return &InvalidFrameError{Index: i, MimeType: f.MimeType}
		}
		size := base64.StdEncoding.DecodedLen(len(f.Data))
		if size > o.cfg.MaxFrameBytes {
			return &FrameTooLargeError{Index: i, Size: size, Limit: o.cfg.MaxFrameBytes}
		}
	}
	return nil
}

// stageRecall fetches memory context. Failure is non-fatal; the turn
// proceeds with whatever was recalled.
func (o *Orchestrator) stageRecall(ctx context.Context, req *TurnRequest, result *TurnResult) string {
	start := time.Now()
	defer func() {
		result.Latency.MemoryReadMs = time.Since(start).Milliseconds()
		metrics.ObserveStage("memory_read", time.Since(start))
	}()

	recallCtx, cancel := context.WithTimeout(ctx, o.cfg.RecallTimeout)
	defer cancel()

	var resp *backends.SearchResponse
	breaker := o.deps.Breakers.Breaker(resilience.BackendMemory)
	err := breaker.Execute(recallCtx, func() error {
		var callErr error
		resp, callErr = o.deps.Memory.Search(recallCtx, &backends.SearchRequest{
			Query:         req.InputText,
			SessionID:     req.SessionID,
			Limit:         o.deps.Governor.LimitFor(budget.DimMemoryEntries).Max,
			CorrelationID: log.CorrelationIDFromContext(ctx),
		})
		return callErr
	})
	if err != nil {
		log.WithComponentFromContext(ctx, "pipeline").Debug().Err(err).Msg("memory recall unavailable")
		return ""
	}

	entries, _ := budget.EnforceOldest(o.deps.Governor, budget.DimMemoryEntries, resp.Entries)
	result.Memory.RetrievedCount = len(entries)

	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.Content)
	}
	joined, truncated := o.deps.Governor.EnforceContext(strings.Join(parts, "\n"))
	result.Memory.Truncated = truncated
	return joined
}

// stagePerception summarizes vision frames. Non-fatal.
func (o *Orchestrator) stagePerception(ctx context.Context, req *TurnRequest, result *TurnResult) string {
	if len(req.Frames) == 0 {
		return ""
	}
	start := time.Now()
	defer func() {
		result.Latency.PerceptionMs = time.Since(start).Milliseconds()
		metrics.ObserveStage("perception", time.Since(start))
	}()

	frames, _ := budget.EnforceOldest(o.deps.Governor, budget.DimVisionFrames, req.Frames)

	perCtx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	defer cancel()

	var resp *backends.DescribeResponse
	breaker := o.deps.Breakers.Breaker(resilience.BackendPerception)
	err := breaker.Execute(perCtx, func() error {
		var callErr error
		resp, callErr = o.deps.Perception.Describe(perCtx, &backends.DescribeRequest{
			Frames:        frames,
			Prompt:        req.InputText,
			CorrelationID: log.CorrelationIDFromContext(ctx),
		})
		return callErr
	})
	if err != nil {
		log.WithComponentFromContext(ctx, "pipeline").Debug().Err(err).Msg("perception unavailable")
		return ""
	}
	return resp.Description
}

// stageModel calls the model router behind its breaker and the class-driven
// retry table. Exhaustion or unreachability yields the fallback envelope and
// a dead letter; the turn still completes.
func (o *Orchestrator) stageModel(ctx context.Context, handle *session.TurnHandle, req *TurnRequest, sess *session.Session, contextText string, result *TurnResult) (*backends.ChatResponse, bool) {
	start := time.Now()
	defer func() {
		result.Latency.ModelMs = time.Since(start).Milliseconds()
		metrics.ObserveStage("model", time.Since(start))
	}()

	modelCtx, cancel := context.WithTimeout(ctx, sess.Profile.ModelTimeout())
	defer cancel()

	messages := make([]backends.Message, 0, 2)
	if contextText != "" {
		messages = append(messages, backends.Message{Role: "system", Content: "Relevant context:\n" + contextText})
	}
	messages = append(messages, backends.Message{Role: "user", Content: req.InputText})

	correlationID := log.CorrelationIDFromContext(ctx)
	var resp *backends.ChatResponse
	breaker := o.deps.Breakers.Breaker(resilience.BackendModelRouter)
	outcome := resilience.Retry(modelCtx, func() error {
		return breaker.Execute(modelCtx, func() error {
			var callErr error
			resp, callErr = o.deps.Model.Chat(modelCtx, &backends.ChatRequest{
				Messages:      messages,
				TaskType:      string(sess.Profile),
				Model:         req.Model,
				CorrelationID: correlationID,
			})
			return callErr
		})
	})

	if outcome.Err == nil {
		result.AssistantText = resp.Response
		result.Model = resp.Model
		return resp, false
	}

	if handle.Cancelled() {
		// a cancelled turn emits no fallback and no dead letter
		return &backends.ChatResponse{}, true
	}

	class := outcome.Class
	letter := dlq.NewLetter(correlationID, map[string]any{
		"backend":   resilience.BackendModelRouter,
		"operation": "chat",
		"task_type": string(sess.Profile),
	}, class, outcome.Attempts-1)
	o.deps.DeadLetters.Enqueue(ctx, letter)

	trigger := triggerFor(class)
	envelope := fallback.New(trigger, outcome.Err.Error(), correlationID, o.cfg.FallbackText)
	result.AssistantText = envelope.Response
	result.Model = envelope.Model
	result.Quality.FallbackUsed = true
	result.Quality.FallbackTrigger = string(envelope.Trigger)
	result.Quality.CompletionReason = ReasonFallback

	o.deps.Emitter.Emit(ctx, "turn.fallback", map[string]any{
		"trigger":       string(envelope.Trigger),
		"failure_class": string(class),
		"attempts":      outcome.Attempts,
	})
	return &backends.ChatResponse{}, true
}

func triggerFor(class resilience.FailureClass) fallback.Trigger {
	switch class {
	case resilience.ClassConnectionBootstrap, resilience.ClassCircuitOpen:
		return fallback.TriggerRouterUnavailable
	case resilience.ClassUnknown:
		return fallback.TriggerUnexpectedError
	default:
		return fallback.TriggerRouterError
	}
}

// stageTools runs the bounded, policy-gated tool loop. Returned errors are
// operator-facing and abort the turn.
func (o *Orchestrator) stageTools(ctx context.Context, handle *session.TurnHandle, calls []backends.ToolCall, sess *session.Session, result *TurnResult) error {
	start := time.Now()
	defer func() {
		result.Latency.ToolMs = time.Since(start).Milliseconds()
		metrics.ObserveStage("tool", time.Since(start))
	}()

	if err := o.deps.Governor.CheckToolCalls(len(calls)); err != nil {
		return err
	}
	if len(calls) > o.cfg.MaxToolCalls {
		calls = calls[:o.cfg.MaxToolCalls]
	}

	correlationID := log.CorrelationIDFromContext(ctx)
	for _, call := range calls {
		if handle.Cancelled() {
			return nil
		}
		result.Quality.ToolCallsAttempted++

		switch policy.Classify(call.ToolName) {
		case policy.Blocked:
			o.deps.Emitter.Emit(ctx, "tool.blocked", map[string]any{"tool_name": call.ToolName})
			return &PolicyDeniedError{ToolName: call.ToolName}

		case policy.SafeRead:
			outcome := o.executeTool(ctx, call, "")
			if outcome.Status == "executed" {
				result.Quality.ToolCallsExecuted++
			}
			result.ToolCalls = append(result.ToolCalls, outcome)

		case policy.GuardedWrite:
			outcome, err := o.runGuardedTool(ctx, handle, call, sess, correlationID)
			if err != nil {
				return err
			}
			if outcome.Status == "executed" {
				result.Quality.ToolCallsExecuted++
			}
			result.ToolCalls = append(result.ToolCalls, outcome)
		}
	}
	return nil
}

// runGuardedTool suspends the turn on a confirmation requirement. Only an
// approved requirement, consumed exactly once, reaches the executor.
func (o *Orchestrator) runGuardedTool(ctx context.Context, handle *session.TurnHandle, call backends.ToolCall, sess *session.Session, correlationID string) (ToolOutcome, error) {
	req, err := o.deps.Gate.Require(ctx, call.ToolName, call.Args, sess.SessionID, handle.TurnID, correlationID)
	if err != nil {
		return ToolOutcome{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.ConfirmationWait)
	defer cancel()

	state, err := o.deps.Gate.WaitDecision(waitCtx, req.RequirementID)
	if err != nil || state != policy.StateApproved {
		status := "expired"
		if state == policy.StateDenied {
			status = "denied"
		}
		return ToolOutcome{
			ToolName:      call.ToolName,
			Status:        status,
			RequirementID: req.RequirementID,
		}, nil
	}

	if err := o.deps.Gate.ValidateExecution(ctx, req.RequirementID); err != nil {
		return ToolOutcome{}, err
	}
	return o.executeTool(ctx, call, req.RequirementID), nil
}

// executeTool invokes the tool executor behind its breaker. Failures become
// tool results so the model (and client) can react.
func (o *Orchestrator) executeTool(ctx context.Context, call backends.ToolCall, requirementID string) ToolOutcome {
	toolCtx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	defer cancel()

	var resp *backends.ExecuteResponse
	breaker := o.deps.Breakers.Breaker(resilience.BackendToolExecutor)
	outcome := resilience.Retry(toolCtx, func() error {
		return breaker.Execute(toolCtx, func() error {
			var callErr error
			resp, callErr = o.deps.Tools.Execute(toolCtx, &backends.ExecuteRequest{
				ToolName:      call.ToolName,
				Args:          call.Args,
				TimeoutMs:     int(o.cfg.ToolTimeout.Milliseconds()),
				CorrelationID: log.CorrelationIDFromContext(ctx),
			})
			return callErr
		})
	})
	if outcome.Err != nil {
		letter := dlq.NewLetter(log.CorrelationIDFromContext(ctx), map[string]any{
			"backend":   resilience.BackendToolExecutor,
			"operation": "execute",
			"tool_name": call.ToolName,
		}, outcome.Class, outcome.Attempts-1)
		o.deps.DeadLetters.Enqueue(ctx, letter)
		return ToolOutcome{
			ToolName:      call.ToolName,
			Status:        "failed",
			RequirementID: requirementID,
			Error:         outcome.Err.Error(),
		}
	}
	return ToolOutcome{
		ToolName:      call.ToolName,
		Status:        "executed",
		RequirementID: requirementID,
		Result:        resp.Result,
	}
}

// stageMemoryWrite persists the exchange, best-effort.
func (o *Orchestrator) stageMemoryWrite(ctx context.Context, req *TurnRequest, result *TurnResult) {
	start := time.Now()
	defer func() {
		result.Latency.MemoryWriteMs = time.Since(start).Milliseconds()
		metrics.ObserveStage("memory_write", time.Since(start))
	}()

	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	breaker := o.deps.Breakers.Breaker(resilience.BackendMemory)
	err := breaker.Execute(writeCtx, func() error {
		return o.deps.Memory.Store(writeCtx, &backends.StoreRequest{
			SessionID:     req.SessionID,
			UserText:      req.InputText,
			AssistantText: result.AssistantText,
			CorrelationID: log.CorrelationIDFromContext(ctx),
		})
	})
	if err != nil {
		log.WithComponentFromContext(ctx, "pipeline").Debug().Err(err).Msg("memory write failed")
		return
	}
	result.Memory.Written = true
}

// normalize strips control characters and applies the text budget.
func (o *Orchestrator) normalize(result *TurnResult) {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, result.AssistantText)

	bounded, truncated := o.deps.Governor.EnforceText(cleaned)
	result.AssistantText = bounded
	result.Truncated = truncated
}

// finishCancelled finalizes a barged-in or closed turn: terminal event only,
// no further side effects.
func (o *Orchestrator) finishCancelled(ctx context.Context, result *TurnResult, sess *session.Session, started time.Time) *TurnResult {
	result.Quality.CompletionReason = ReasonCancelled
	result.AssistantText = ""
	result.Latency.TotalMs = time.Since(started).Milliseconds()
	metrics.RecordTurn(ReasonCancelled, string(sess.Profile))
	o.deps.Emitter.Emit(ctx, "turn.completed", map[string]any{
		"completion_reason": ReasonCancelled,
	})
	return result
}

func joinContext(a, b string) string {
	if a == "" {
		return b
	}
	return a + "\n" + b
}
