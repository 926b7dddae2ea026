package sessioncontext

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens_CeilsCharsDividedByFour(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestContextTracker_StatusSumsCategoriesToTotal(t *testing.T) {
	t.Parallel()

	tr := NewContextTracker(1000)
	tr.Ingest(CategorySchemas, 100, "tool1")
	tr.Ingest(CategoryResults, 200, "tool2")
	tr.Ingest(CategoryOther, 50, "")

	status := tr.Status()
	sum := 0
	for _, v := range status.BreakdownByCat {
		sum += v
	}
	assert.Equal(t, status.TokensUsed, sum)
	assert.Equal(t, 350, status.TokensUsed)
}

func TestContextTracker_WarningLevelThresholds(t *testing.T) {
	t.Parallel()

	tr := NewContextTracker(100)
	tr.Ingest(CategoryOther, 40, "")
	assert.Equal(t, WarningNone, tr.Status().WarningLevel)

	tr.Ingest(CategoryOther, 15, "") // 55%
	assert.Equal(t, WarningLow, tr.Status().WarningLevel)

	tr.Ingest(CategoryOther, 20, "") // 75%
	assert.Equal(t, WarningMedium, tr.Status().WarningLevel)

	tr.Ingest(CategoryOther, 15, "") // 90%
	assert.Equal(t, WarningHigh, tr.Status().WarningLevel)

	tr.Ingest(CategoryOther, 10, "") // 100%
	assert.Equal(t, WarningCritical, tr.Status().WarningLevel)
}

func TestContextTracker_RecentToolCallsCappedAtTen(t *testing.T) {
	t.Parallel()

	tr := NewContextTracker(10000)
	for i := 0; i < 15; i++ {
		tr.Ingest(CategoryResults, 1, "tool")
	}
	assert.Len(t, tr.Status().RecentToolCalls, 10)
}

func TestContextTracker_ShouldWarnAtCriticalProjection(t *testing.T) {
	t.Parallel()

	tr := NewContextTracker(100)
	tr.Ingest(CategoryOther, 90, "")
	assert.True(t, tr.ShouldWarn(10))
	assert.False(t, tr.ShouldWarn(0))
}

func TestContextTracker_SuggestedBudgetClampsToMinimum(t *testing.T) {
	t.Parallel()

	tr := NewContextTracker(1000)
	tr.Ingest(CategoryOther, 990, "")
	assert.Equal(t, 100, tr.SuggestedBudget())

	tr2 := NewContextTracker(1000)
	tr2.Ingest(CategoryOther, 0, "")
	assert.Equal(t, 200, tr2.SuggestedBudget())
}
