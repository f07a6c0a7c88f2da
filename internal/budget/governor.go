// SPDX-License-Identifier: MIT

// Package budget enforces per-dimension ceilings on a turn's output.
package budget

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/metrics"
)

// Dimension names one governed output axis.
type Dimension string

const (
	DimText          Dimension = "text"
	DimContext       Dimension = "context"
	DimToolCalls     Dimension = "tool_calls"
	DimVisionFrames  Dimension = "vision_frames"
	DimMemoryEntries Dimension = "memory_entries"
)

// Strategy is how a dimension is brought back under budget.
type Strategy string

const (
	HardCut          Strategy = "HARD_CUT"
	SentenceBoundary Strategy = "SENTENCE_BOUNDARY"
	DropOldest       Strategy = "DROP_OLDEST"
	Reject           Strategy = "REJECT"
)

// Limit pairs a ceiling with its truncation strategy.
type Limit struct {
	Max      int
	Strategy Strategy
}

// Config maps every governed dimension to its limit.
type Config map[Dimension]Limit

// DefaultConfig returns the declared defaults.
func DefaultConfig() Config {
	return Config{
		DimText:          {Max: 4000, Strategy: SentenceBoundary},
		DimContext:       {Max: 7000, Strategy: HardCut},
		DimToolCalls:     {Max: 5, Strategy: Reject},
		DimVisionFrames:  {Max: 3, Strategy: DropOldest},
		DimMemoryEntries: {Max: 8, Strategy: DropOldest},
	}
}

// ExceededError is the typed failure for REJECT dimensions.
type ExceededError struct {
	Dimension Dimension
	Limit     int
	Actual    int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for %s: %d > %d", e.Dimension, e.Actual, e.Limit)
}

// Decision records one enforcement outcome for diagnostics.
type Decision struct {
	Dimension Dimension `json:"dimension"`
	Strategy  Strategy  `json:"strategy"`
	Original  int       `json:"original"`
	Final     int       `json:"final"`
	Enforced  bool      `json:"enforced"`
	At        time.Time `json:"at"`
}

// Governor applies limits and keeps a bounded log of recent decisions.
type Governor struct {
	mu  sync.Mutex
	cfg Config
	log []Decision
	cap int
}

// NewGovernor creates a governor over cfg. Missing dimensions fall back to
// the defaults.
func NewGovernor(cfg Config) *Governor {
	merged := DefaultConfig()
	for dim, lim := range cfg {
		merged[dim] = lim
	}
	return &Governor{cfg: merged, cap: 100}
}

// LimitFor returns the configured limit for dim.
func (g *Governor) LimitFor(dim Dimension) Limit {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg[dim]
}

// EnforceText truncates s to the text budget at the nearest prior sentence
// boundary. Reports whether truncation happened.
func (g *Governor) EnforceText(s string) (string, bool) {
	lim := g.LimitFor(DimText)
	out, enforced := cutSentence(s, lim.Max)
	g.record(DimText, lim.Strategy, len(s), len(out), enforced)
	return out, enforced
}

// EnforceContext truncates retrieved context bytewise at its budget.
func (g *Governor) EnforceContext(s string) (string, bool) {
	lim := g.LimitFor(DimContext)
	original := len(s)
	enforced := false
	if len(s) > lim.Max {
		s = s[:lim.Max]
		enforced = true
	}
	g.record(DimContext, lim.Strategy, original, len(s), enforced)
	return s, enforced
}

// CheckToolCalls fails fast once a turn requests more tool calls than budgeted.
func (g *Governor) CheckToolCalls(n int) error {
	lim := g.LimitFor(DimToolCalls)
	if n > lim.Max {
		g.record(DimToolCalls, lim.Strategy, n, lim.Max, true)
		return &ExceededError{Dimension: DimToolCalls, Limit: lim.Max, Actual: n}
	}
	g.record(DimToolCalls, lim.Strategy, n, n, false)
	return nil
}

// EnforceOldest keeps the newest entries of an ordered collection within the
// dimension's ceiling, dropping from the front.
func EnforceOldest[T any](g *Governor, dim Dimension, items []T) ([]T, bool) {
	lim := g.LimitFor(dim)
	if len(items) <= lim.Max {
		g.record(dim, lim.Strategy, len(items), len(items), false)
		return items, false
	}
	kept := items[len(items)-lim.Max:]
	g.record(dim, lim.Strategy, len(items), len(kept), true)
	return kept, true
}

// Log returns a copy of the recent enforcement decisions, oldest first.
func (g *Governor) Log() []Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Decision, len(g.log))
	copy(out, g.log)
	return out
}

func (g *Governor) record(dim Dimension, strategy Strategy, original, final int, enforced bool) {
	if enforced {
		metrics.RecordBudgetEnforcement(string(dim), string(strategy))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log = append(g.log, Decision{
		Dimension: dim,
		Strategy:  strategy,
		Original:  original,
		Final:     final,
		Enforced:  enforced,
		At:        time.Now(),
	})
	if len(g.log) > g.cap {
		g.log = g.log[len(g.log)-g.cap:]
	}
}

// cutSentence truncates s to max characters, preferring the nearest prior
// sentence end. Falls back to a hard cut when no boundary exists.
func cutSentence(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	cut := s[:max]
	if idx := strings.LastIndexAny(cut, ".!?"); idx > 0 {
		return cut[:idx+1], true
	}
	return cut, true
}
