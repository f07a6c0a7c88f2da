// SPDX-License-Identifier: MIT

package dlq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/resilience"
)

func timeoutLetter(corr string) *Letter {
	return NewLetter(corr, map[string]any{
		"backend":   resilience.BackendModelRouter,
		"operation": "chat",
		"api_key":   "sk-abc123def456ghi789jkl",
	}, resilience.ClassTimeout, 2)
}

func TestNewLetterRedactsDescriptor(t *testing.T) {
	l := timeoutLetter("corr_1")

	assert.NotContains(t, fmt.Sprint(l.Descriptor["api_key"]), "sk-abc123")
	assert.Len(t, l.PayloadHash, 64)
	assert.NotEmpty(t, l.LetterID)
}

func TestPayloadHashStableOverRedaction(t *testing.T) {
	a := NewLetter("c1", map[string]any{"backend": "memory", "op": "store"}, resilience.ClassTimeout, 1)
	b := NewLetter("c2", map[string]any{"backend": "memory", "op": "store"}, resilience.ClassTimeout, 1)
	assert.Equal(t, a.PayloadHash, b.PayloadHash)
	assert.NotEqual(t, a.LetterID, b.LetterID)
}

func TestEnqueueNeverRejects(t *testing.T) {
	q := NewQueue(3, nil)
	ctx := context.Background()

	var first *Letter
	for i := 0; i < 5; i++ {
		l := timeoutLetter(fmt.Sprintf("corr_%d", i))
		if i == 0 {
			first = l
		}
		q.Enqueue(ctx, l)
	}

	stats := q.Stats()
	assert.Equal(t, 3, stats.Depth)
	assert.Equal(t, 5, stats.Enqueued)
	assert.Equal(t, 2, stats.Evicted)

	_, ok := q.Get(first.LetterID)
	assert.False(t, ok, "oldest letter should be evicted")
}

func TestListNewestFirst(t *testing.T) {
	q := NewQueue(10, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		l := timeoutLetter(fmt.Sprintf("corr_%d", i))
		ids = append(ids, l.LetterID)
		q.Enqueue(ctx, l)
	}

	page := q.List(0, 2)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].LetterID)
	assert.Equal(t, ids[2], page[1].LetterID)

	page = q.List(2, 10)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].LetterID)
	assert.Equal(t, ids[0], page[1].LetterID)
}

func TestGetAndListReturnCopies(t *testing.T) {
	q := NewQueue(10, nil)
	ctx := context.Background()
	l := timeoutLetter("corr_copy")
	q.Enqueue(ctx, l)

	listed := q.List(0, 10)
	require.Len(t, listed, 1)

	q.RecordReplay(ctx, l.LetterID, "2026-08-24T00:00:00Z dry_run")
	assert.Empty(t, listed[0].ReplayHistory, "listed letters must not see later mutations")

	got, ok := q.Get(l.LetterID)
	require.True(t, ok)
	got.ReplayHistory = append(got.ReplayHistory, "tampered")
	got.Descriptor["backend"] = "tampered"

	fresh, ok := q.Get(l.LetterID)
	require.True(t, ok)
	assert.Equal(t, []string{"2026-08-24T00:00:00Z dry_run"}, fresh.ReplayHistory)
	assert.Equal(t, resilience.BackendModelRouter, fresh.Descriptor["backend"])
}

func TestConcurrentReplayAndListing(t *testing.T) {
	q := NewQueue(10, nil)
	ctx := context.Background()
	l := timeoutLetter("corr_race")
	q.Enqueue(ctx, l)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				q.RecordReplay(ctx, l.LetterID, fmt.Sprintf("attempt %d/%d", n, j))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				for _, got := range q.List(0, 10) {
					_ = len(got.ReplayHistory)
				}
				if got, ok := q.Get(l.LetterID); ok {
					_ = append([]string(nil), got.ReplayHistory...)
				}
			}
		}()
	}
	wg.Wait()

	got, ok := q.Get(l.LetterID)
	require.True(t, ok)
	assert.Len(t, got.ReplayHistory, 200)
}

func TestRemove(t *testing.T) {
	q := NewQueue(10, nil)
	ctx := context.Background()
	l := timeoutLetter("corr_x")
	q.Enqueue(ctx, l)

	assert.True(t, q.Remove(ctx, l.LetterID))
	assert.False(t, q.Remove(ctx, l.LetterID))
	assert.Equal(t, 0, q.Stats().Depth)
}

type fakeExecutor struct {
	calls int
	err   error
}

func (f *fakeExecutor) exec(_ context.Context, l *Letter) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []string{"executed:" + l.LetterID}, nil
}

func newTestPolicy(t *testing.T, q *Queue, exec Executor) (*ReplayPolicy, *resilience.Registry) {
	t.Helper()
	reg := resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig(), nil)
	return NewReplayPolicy(q, reg, exec), reg
}

func TestDryRunHasNoSideEffects(t *testing.T) {
	q := NewQueue(10, nil)
	ctx := context.Background()
	l := timeoutLetter("corr_dry")
	q.Enqueue(ctx, l)

	exec := &fakeExecutor{}
	p, _ := newTestPolicy(t, q, exec.exec)

	first := p.Evaluate(ctx, l.LetterID, DryRun)
	second := p.Evaluate(ctx, l.LetterID, DryRun)

	assert.Equal(t, Accept, first.Verdict)
	assert.Empty(t, first.SideEffects)
	assert.Equal(t, first, second, "dry run must be repeatable")
	assert.Equal(t, 0, exec.calls)
	assert.Equal(t, 1, q.Stats().Depth)
}

func TestLiveReplayConsumesLetter(t *testing.T) {
	q := NewQueue(10, nil)
	ctx := context.Background()
	l := timeoutLetter("corr_live")
	q.Enqueue(ctx, l)

	exec := &fakeExecutor{}
	p, _ := newTestPolicy(t, q, exec.exec)

	out := p.Evaluate(ctx, l.LetterID, Live)
	require.Equal(t, Accept, out.Verdict)
	assert.NotEmpty(t, out.SideEffects)
	assert.Equal(t, 1, exec.calls)

	_, ok := q.Get(l.LetterID)
	assert.False(t, ok, "live replay must consume the letter")
}

func TestLiveReplayErrorKeepsLetter(t *testing.T) {
	q := NewQueue(10, nil)
	ctx := context.Background()
	l := timeoutLetter("corr_err")
	q.Enqueue(ctx, l)

	exec := &fakeExecutor{err: errors.New("backend still down")}
	p, _ := newTestPolicy(t, q, exec.exec)

	out := p.Evaluate(ctx, l.LetterID, Live)
	assert.Equal(t, Accept, out.Verdict)

	kept, ok := q.Get(l.LetterID)
	require.True(t, ok)
	require.Len(t, kept.ReplayHistory, 1)

	// the attempt is on record, so a second live replay is rejected
	out = p.Evaluate(ctx, l.LetterID, Live)
	assert.Equal(t, Reject, out.Verdict)
	assert.Equal(t, ReasonAlreadyReplayed, out.Reason)
}

func TestReplayVerdictLadder(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		class   resilience.FailureClass
		verdict Verdict
		reason  RejectReason
	}{
		{"timeout accepted", resilience.ClassTimeout, Accept, ""},
		{"policy denied rejected", resilience.ClassPolicyDenied, Reject, ReasonNonRetryable},
		{"validation rejected", resilience.ClassValidationFailed, Reject, ReasonNonRetryable},
		{"unknown class rejected", resilience.FailureClass("UNKNOWN_CLASS"), Reject, ReasonNonRetryable},
		{"bootstrap accepted", resilience.ClassConnectionBootstrap, Accept, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue(10, nil)
			l := NewLetter("corr_l", map[string]any{"backend": "memory"}, tt.class, 1)
			q.Enqueue(ctx, l)
			p, _ := newTestPolicy(t, q, (&fakeExecutor{}).exec)

			out := p.Evaluate(ctx, l.LetterID, DryRun)
			assert.Equal(t, tt.verdict, out.Verdict)
			assert.Equal(t, tt.reason, out.Reason)
		})
	}
}

func TestCircuitStillOpenBlocksReplay(t *testing.T) {
	q := NewQueue(10, nil)
	ctx := context.Background()
	l := timeoutLetter("corr_cb")
	q.Enqueue(ctx, l)

	p, reg := newTestPolicy(t, q, (&fakeExecutor{}).exec)

	cb := reg.Breaker(resilience.BackendModelRouter)
	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func() error { return errors.New("down") })
	}
	require.Equal(t, resilience.StateOpen, cb.State())

	out := p.Evaluate(ctx, l.LetterID, DryRun)
	assert.Equal(t, Reject, out.Verdict)
	assert.Equal(t, ReasonCircuitStillOpen, out.Reason)
}

func TestCooldownAndBudget(t *testing.T) {
	q := NewQueue(10, nil)
	ctx := context.Background()

	l1 := timeoutLetter("corr_1")
	l2 := timeoutLetter("corr_2")
	q.Enqueue(ctx, l1)
	q.Enqueue(ctx, l2)

	exec := &fakeExecutor{}
	p, _ := newTestPolicy(t, q, exec.exec)

	p.SetCooldown(time.Hour)
	out := p.Evaluate(ctx, l1.LetterID, Live)
	assert.Equal(t, Reject, out.Verdict)
	assert.Equal(t, ReasonCooldownActive, out.Reason)

	p.SetCooldown(0)
	p.SetLiveBudget(1)
	out = p.Evaluate(ctx, l1.LetterID, Live)
	require.Equal(t, Accept, out.Verdict)

	out = p.Evaluate(ctx, l2.LetterID, Live)
	assert.Equal(t, Reject, out.Verdict)
	assert.Equal(t, ReasonBudgetExhausted, out.Reason)

	// dry runs are not metered by the live budget
	out = p.Evaluate(ctx, l2.LetterID, DryRun)
	assert.Equal(t, Accept, out.Verdict)
}

func TestManualBlock(t *testing.T) {
	q := NewQueue(10, nil)
	ctx := context.Background()
	l := timeoutLetter("corr_blk")
	q.Enqueue(ctx, l)

	p, _ := newTestPolicy(t, q, (&fakeExecutor{}).exec)
	p.Block(l.LetterID)

	out := p.Evaluate(ctx, l.LetterID, Live)
	assert.Equal(t, Reject, out.Verdict)
	assert.Equal(t, ReasonManualBlock, out.Reason)
}

func TestUnknownLetterSkipped(t *testing.T) {
	q := NewQueue(10, nil)
	p, _ := newTestPolicy(t, q, (&fakeExecutor{}).exec)

	out := p.Evaluate(context.Background(), "no-such-letter", DryRun)
	assert.Equal(t, Skip, out.Verdict)
}
