// SPDX-License-Identifier: MIT

package dlq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/resilience"
)

// Mode selects whether a replay evaluation has side effects.
type Mode string

const (
	DryRun Mode = "DRY_RUN"
	Live   Mode = "LIVE"
)

// Verdict is the replay decision.
type Verdict string

const (
	Accept Verdict = "ACCEPT"
	Reject Verdict = "REJECT"
	Skip   Verdict = "SKIP"
)

// RejectReason is the closed set of replay rejections.
type RejectReason string

const (
	ReasonAlreadyReplayed  RejectReason = "ALREADY_REPLAYED"
	ReasonCircuitStillOpen RejectReason = "CIRCUIT_STILL_OPEN"
	ReasonNonRetryable     RejectReason = "FAILURE_CLASS_NON_RETRYABLE"
	ReasonCooldownActive   RejectReason = "COOLDOWN_ACTIVE"
	ReasonBudgetExhausted  RejectReason = "BUDGET_EXHAUSTED"
	ReasonManualBlock      RejectReason = "MANUAL_BLOCK"
)

// nonReplayable lists failure classes a replay can never fix.
var nonReplayable = map[resilience.FailureClass]bool{
	resilience.ClassPolicyDenied:     true,
	resilience.ClassValidationFailed: true,
	resilience.ClassCircuitOpen:      true,
	resilience.ClassUnknown:          true,
}

// Outcome is the result of one replay evaluation. DRY_RUN outcomes are
// pointwise deterministic: re-evaluating the same letter yields an identical
// outcome with an empty side-effect list.
type Outcome struct {
	LetterID    string       `json:"letter_id"`
	Mode        Mode         `json:"mode"`
	Verdict     Verdict      `json:"verdict"`
	Reason      RejectReason `json:"reason,omitempty"`
	Detail      string       `json:"detail"`
	SideEffects []string     `json:"side_effects,omitempty"`
}

// Executor performs the replayed call in LIVE mode and reports its side effects.
type Executor func(ctx context.Context, letter *Letter) ([]string, error)

// ReplayPolicy gates replay of dead letters.
type ReplayPolicy struct {
	mu sync.Mutex

	queue    *Queue
	registry *resilience.Registry
	executor Executor

	cooldown   time.Duration   // minimum letter age before replay; 0 disables
	liveBudget int             // LIVE replays permitted per policy instance; 0 = unlimited
	liveUsed   int
	blocked    map[string]bool // manual blocks by letter id

	clock func() time.Time
}

// NewReplayPolicy builds a policy over the queue and breaker registry.
func NewReplayPolicy(queue *Queue, registry *resilience.Registry, executor Executor) *ReplayPolicy {
	return &ReplayPolicy{
		queue:    queue,
		registry: registry,
		executor: executor,
		blocked:  make(map[string]bool),
		clock:    time.Now,
	}
}

// SetCooldown sets the minimum letter age before replay is allowed.
func (p *ReplayPolicy) SetCooldown(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldown = d
}

// SetLiveBudget bounds the number of LIVE replays this policy will accept.
func (p *ReplayPolicy) SetLiveBudget(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.liveBudget = n
}

// Block manually blocks a letter from replay.
func (p *ReplayPolicy) Block(letterID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked[letterID] = true
}

// Evaluate applies the policy to one letter. DRY_RUN never has side effects;
// LIVE executes accepted letters, appends to their replay history, and
// consumes them from the queue.
func (p *ReplayPolicy) Evaluate(ctx context.Context, letterID string, mode Mode) Outcome {
	letter, ok := p.queue.Get(letterID)
	if !ok {
		return p.finish(Outcome{LetterID: letterID, Mode: mode, Verdict: Skip, Detail: "letter not found"})
	}

	if verdict, reason, detail := p.check(letter, mode); verdict == Reject {
		return p.finish(Outcome{LetterID: letterID, Mode: mode, Verdict: Reject, Reason: reason, Detail: detail})
	}

	if mode == DryRun {
		return p.finish(Outcome{
			LetterID: letterID,
			Mode:     DryRun,
			Verdict:  Accept,
			Detail:   fmt.Sprintf("would replay %s (class %s, retries %d)", letter.LetterID, letter.FailureClass, letter.RetryCount),
		})
	}

	// LIVE path
	p.mu.Lock()
	p.liveUsed++
	p.mu.Unlock()

	sideEffects, err := p.executor(ctx, letter)
	entry := fmt.Sprintf("%s live", p.clock().UTC().Format(time.RFC3339))
	if err != nil {
		entry += " error=" + err.Error()
		p.queue.RecordReplay(ctx, letterID, entry)
		return p.finish(Outcome{
			LetterID:    letterID,
			Mode:        Live,
			Verdict:     Accept,
			Detail:      "replay executed with error: " + err.Error(),
			SideEffects: sideEffects,
		})
	}
	p.queue.RecordReplay(ctx, letterID, entry)
	p.queue.Remove(ctx, letterID)
	if len(sideEffects) == 0 {
		sideEffects = []string{"replayed:" + letterID}
	}
	return p.finish(Outcome{
		LetterID:    letterID,
		Mode:        Live,
		Verdict:     Accept,
		Detail:      "replay executed",
		SideEffects: sideEffects,
	})
}

// check runs the rejection ladder in a fixed order so verdicts are stable.
func (p *ReplayPolicy) check(letter *Letter, mode Mode) (Verdict, RejectReason, string) {
	p.mu.Lock()
	blocked := p.blocked[letter.LetterID]
	cooldown := p.cooldown
	budget := p.liveBudget
	used := p.liveUsed
	p.mu.Unlock()

	if blocked {
		return Reject, ReasonManualBlock, "letter is manually blocked"
	}
	if hasLiveReplay(letter) {
		return Reject, ReasonAlreadyReplayed, "letter already replayed"
	}
	if !letter.FailureClass.Valid() || nonReplayable[letter.FailureClass] {
		return Reject, ReasonNonRetryable, fmt.Sprintf("failure class %s is not replayable", letter.FailureClass)
	}
	if p.registry != nil {
		if backend, ok := letter.Descriptor["backend"].(string); ok && backend != "" {
			if p.registry.Breaker(backend).State() == resilience.StateOpen {
				return Reject, ReasonCircuitStillOpen, "breaker for " + backend + " is open"
			}
		}
	}
	if cooldown > 0 && p.clock().Sub(letter.CreatedAt) < cooldown {
		return Reject, ReasonCooldownActive, "letter is inside the replay cooldown"
	}
	if mode == Live && budget > 0 && used >= budget {
		return Reject, ReasonBudgetExhausted, "live replay budget exhausted"
	}
	return Accept, "", ""
}

func (p *ReplayPolicy) finish(o Outcome) Outcome {
	metrics.RecordReplay(string(o.Mode), string(o.Verdict))
	return o
}

func hasLiveReplay(letter *Letter) bool {
	for _, h := range letter.ReplayHistory {
		if strings.Contains(h, "live") {
			return true
		}
	}
	return false
}
