// SPDX-License-Identifier: MIT

// Package dlq captures terminally-failed operations and gates their replay.
package dlq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/redact"
	"github.com/arbiterhq/arbiter/internal/resilience"
	"github.com/arbiterhq/arbiter/internal/store"
)

// DefaultMaxDeadLetters caps queue growth. Oldest letters are evicted FIFO.
const DefaultMaxDeadLetters = 500

// Letter is one captured terminal failure.
type Letter struct {
	LetterID      string                  `json:"letter_id"`
	CorrelationID string                  `json:"correlation_id"`
	Descriptor    map[string]any          `json:"descriptor"`
	FailureClass  resilience.FailureClass `json:"failure_class"`
	RetryCount    int                     `json:"retry_count"`
	PayloadHash   string                  `json:"payload_hash"`
	CreatedAt     time.Time               `json:"created_at"`
	ReplayHistory []string                `json:"replay_history,omitempty"`
}

// clone deep-copies the letter so callers never share mutable state with the
// queue. ReplayHistory and Descriptor are the only mutable fields.
func (l *Letter) clone() *Letter {
	cp := *l
	if l.Descriptor != nil {
		cp.Descriptor = make(map[string]any, len(l.Descriptor))
		for k, v := range l.Descriptor {
			cp.Descriptor[k] = v
		}
	}
	cp.ReplayHistory = append([]string(nil), l.ReplayHistory...)
	return &cp
}

// Stats is the queue's observable state.
type Stats struct {
	Depth    int `json:"depth"`
	Enqueued int `json:"enqueued"`
	Evicted  int `json:"evicted"`
}

// Queue is a bounded in-memory FIFO with a best-effort durable mirror.
type Queue struct {
	mu       sync.Mutex
	letters  []*Letter
	max      int
	enqueued int
	evicted  int
	mirror   *store.Store // nil disables mirroring
	clock    func() time.Time
}

// NewQueue creates a queue capped at max letters. mirror may be nil.
func NewQueue(max int, mirror *store.Store) *Queue {
	if max <= 0 {
		max = DefaultMaxDeadLetters
	}
	return &Queue{max: max, mirror: mirror, clock: time.Now}
}

// NewLetter builds a letter from a failed call descriptor. The payload hash
// covers the redacted descriptor so the raw arguments never persist.
func NewLetter(correlationID string, descriptor map[string]any, class resilience.FailureClass, retries int) *Letter {
	redacted := redact.Map(descriptor)
	raw, _ := json.Marshal(redacted)
	sum := sha256.Sum256(raw)
	return &Letter{
		LetterID:      uuid.NewString(),
		CorrelationID: correlationID,
		Descriptor:    redacted,
		FailureClass:  class,
		RetryCount:    retries,
		PayloadHash:   hex.EncodeToString(sum[:]),
		CreatedAt:     time.Now(),
	}
}

// Enqueue appends a letter. It never rejects: at capacity the oldest letter
// is evicted first. The durable mirror write is best-effort and must not
// fail a live turn.
func (q *Queue) Enqueue(ctx context.Context, letter *Letter) {
	q.mu.Lock()
	if len(q.letters) >= q.max {
		evictee := q.letters[0]
		q.letters = q.letters[1:]
		q.evicted++
		if q.mirror != nil {
			if err := q.mirror.DeleteDeadLetter(ctx, evictee.LetterID); err != nil {
				log.WithComponentFromContext(ctx, "dlq").Warn().Err(err).Msg("mirror eviction failed")
			}
		}
	}
	q.letters = append(q.letters, letter)
	q.enqueued++
	depth := len(q.letters)
	q.mu.Unlock()

	metrics.RecordDeadLetter(string(letter.FailureClass))
	metrics.SetDLQDepth(depth)

	if q.mirror != nil {
		if err := q.mirror.PersistDeadLetter(ctx, mirrorRecord(letter)); err != nil {
			log.WithComponentFromContext(ctx, "dlq").Warn().Err(err).Msg("mirror write failed")
		}
	}
}

// Get returns a copy of the letter with the given id. Copies keep readers
// isolated from concurrent RecordReplay mutations.
func (q *Queue) Get(id string) (*Letter, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, l := range q.letters {
		if l.LetterID == id {
			return l.clone(), true
		}
	}
	return nil, false
}

// List returns copies of the letters newest-first with offset/limit pagination.
func (q *Queue) List(offset, limit int) []*Letter {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	n := len(q.letters)
	out := make([]*Letter, 0, limit)
	for i := n - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, q.letters[i].clone())
	}
	return out
}

// Remove deletes a letter (consumed by a LIVE replay).
func (q *Queue) Remove(ctx context.Context, id string) bool {
	q.mu.Lock()
	found := false
	for i, l := range q.letters {
		if l.LetterID == id {
			q.letters = append(q.letters[:i], q.letters[i+1:]...)
			found = true
			break
		}
	}
	depth := len(q.letters)
	q.mu.Unlock()

	if found {
		metrics.SetDLQDepth(depth)
		if q.mirror != nil {
			if err := q.mirror.DeleteDeadLetter(ctx, id); err != nil {
				log.WithComponentFromContext(ctx, "dlq").Warn().Err(err).Msg("mirror delete failed")
			}
		}
	}
	return found
}

// RecordReplay appends an entry to the letter's replay history and refreshes
// the mirror.
func (q *Queue) RecordReplay(ctx context.Context, id, entry string) {
	q.mu.Lock()
	var updated *Letter
	for _, l := range q.letters {
		if l.LetterID == id {
			l.ReplayHistory = append(l.ReplayHistory, entry)
			updated = l.clone() // snapshot under lock; the mirror write runs outside it
			break
		}
	}
	q.mu.Unlock()

	if updated != nil && q.mirror != nil {
		if err := q.mirror.PersistDeadLetter(ctx, mirrorRecord(updated)); err != nil {
			log.WithComponentFromContext(ctx, "dlq").Warn().Err(err).Msg("mirror history write failed")
		}
	}
}

// Stats returns depth and lifetime counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Depth: len(q.letters), Enqueued: q.enqueued, Evicted: q.evicted}
}

// Rehydrate loads mirrored letters after a restart, oldest first. Best-effort:
// the mirror is advisory, not authoritative.
func (q *Queue) Rehydrate(ctx context.Context) error {
	if q.mirror == nil {
		return nil
	}
	records, err := q.mirror.LoadDeadLetters(ctx)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, rec := range records {
		if len(q.letters) >= q.max {
			break
		}
		q.letters = append(q.letters, &Letter{
			LetterID:      rec.LetterID,
			CorrelationID: rec.CorrelationID,
			Descriptor:    rec.Descriptor,
			FailureClass:  resilience.FailureClass(rec.FailureClass),
			RetryCount:    rec.RetryCount,
			PayloadHash:   rec.PayloadHash,
			CreatedAt:     time.UnixMilli(rec.CreatedAtMs),
			ReplayHistory: rec.ReplayHistory,
		})
	}
	return nil
}

func mirrorRecord(l *Letter) *store.DeadLetterRecord {
	return &store.DeadLetterRecord{
		LetterID:      l.LetterID,
		CorrelationID: l.CorrelationID,
		Descriptor:    l.Descriptor,
		FailureClass:  string(l.FailureClass),
		RetryCount:    l.RetryCount,
		PayloadHash:   l.PayloadHash,
		CreatedAtMs:   l.CreatedAt.UnixMilli(),
		ReplayHistory: l.ReplayHistory,
	}
}
