// SPDX-License-Identifier: MIT

package budget

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnforceTextSentenceBoundary(t *testing.T) {
	g := NewGovernor(Config{DimText: {Max: 30, Strategy: SentenceBoundary}})

	out, enforced := g.EnforceText("First sentence. Second sentence goes on and on.")
	assert.True(t, enforced)
	assert.Equal(t, "First sentence.", out)
	assert.LessOrEqual(t, len(out), 30)
}

func TestEnforceTextNoBoundaryFallsBackToHardCut(t *testing.T) {
	g := NewGovernor(Config{DimText: {Max: 10, Strategy: SentenceBoundary}})

	out, enforced := g.EnforceText("abcdefghijklmnop")
	assert.True(t, enforced)
	assert.Equal(t, "abcdefghij", out)
}

func TestEnforceTextUnderBudget(t *testing.T) {
	g := NewGovernor(nil)
	out, enforced := g.EnforceText("short answer.")
	assert.False(t, enforced)
	assert.Equal(t, "short answer.", out)
}

func TestEnforceContextHardCut(t *testing.T) {
	g := NewGovernor(Config{DimContext: {Max: 5, Strategy: HardCut}})
	out, enforced := g.EnforceContext("0123456789")
	assert.True(t, enforced)
	assert.Equal(t, "01234", out)
}

func TestCheckToolCallsReject(t *testing.T) {
	g := NewGovernor(nil)
	require.NoError(t, g.CheckToolCalls(5))

	err := g.CheckToolCalls(6)
	require.Error(t, err)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, DimToolCalls, exceeded.Dimension)
}

func TestEnforceOldestDropsFromFront(t *testing.T) {
	g := NewGovernor(Config{DimMemoryEntries: {Max: 3, Strategy: DropOldest}})

	items := []string{"a", "b", "c", "d", "e"}
	kept, enforced := EnforceOldest(g, DimMemoryEntries, items)
	assert.True(t, enforced)
	assert.Equal(t, []string{"c", "d", "e"}, kept)

	kept, enforced = EnforceOldest(g, DimMemoryEntries, []string{"x"})
	assert.False(t, enforced)
	assert.Equal(t, []string{"x"}, kept)
}

func TestOutputNeverExceedsBudget(t *testing.T) {
	g := NewGovernor(nil)
	long := strings.Repeat("word ", 2000)
	out, _ := g.EnforceText(long)
	assert.LessOrEqual(t, len(out), g.LimitFor(DimText).Max)

	ctxOut, _ := g.EnforceContext(long)
	assert.LessOrEqual(t, len(ctxOut), g.LimitFor(DimContext).Max)
}

func TestEnforcementLogBounded(t *testing.T) {
	g := NewGovernor(nil)
	for i := 0; i < 250; i++ {
		g.EnforceText("hi.")
	}
	log := g.Log()
	assert.Len(t, log, 100)
	assert.False(t, log[len(log)-1].Enforced)
}
