package sessioncontext

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionContext_FirstCallReturnsContentVerbatim(t *testing.T) {
	t.Parallel()

	sc := NewSessionContext()
	out, err := sc.GetOptimized(KindSchema, "create_issue", map[string]any{"type": "object"}, 42)
	require.NoError(t, err)
	assert.Contains(t, out, "object")
}

func TestSessionContext_SecondCallWithinWindowReturnsPlaceholder(t *testing.T) {
	t.Parallel()

	sc := NewSessionContext()
	content := map[string]any{"type": "object"}

	_, err := sc.GetOptimized(KindSchema, "create_issue", content, 42)
	require.NoError(t, err)

	out, err := sc.GetOptimized(KindSchema, "create_issue", content, 42)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "sent earlier in conversation"))

	dup, saved := sc.Stats()
	assert.Equal(t, 1, dup)
	assert.Equal(t, 42, saved)
}

func TestSessionContext_IdempotenceIncrementsDuplicatesAvoidedEachTime(t *testing.T) {
	t.Parallel()

	sc := NewSessionContext()
	content := "hello"
	_, err := sc.GetOptimized(KindResult, "tool1", content, 10)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := sc.GetOptimized(KindResult, "tool1", content, 10)
		require.NoError(t, err)
	}

	dup, _ := sc.Stats()
	assert.Equal(t, 3, dup)
}

func TestSessionContext_EntryExpiresAfterRecallWindow(t *testing.T) {
	t.Parallel()

	sc := NewSessionContextWithWindow(10 * time.Millisecond)
	content := "hello"

	_, err := sc.GetOptimized(KindResult, "tool1", content, 10)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	out, err := sc.GetOptimized(KindResult, "tool1", content, 10)
	require.NoError(t, err)
	assert.NotContains(t, out, "sent earlier")

	dup, _ := sc.Stats()
	assert.Equal(t, 0, dup)
}

func TestSessionContext_DifferentContentDoesNotCollide(t *testing.T) {
	t.Parallel()

	sc := NewSessionContext()
	_, err := sc.GetOptimized(KindResult, "tool1", "a", 1)
	require.NoError(t, err)

	out, err := sc.GetOptimized(KindResult, "tool1", "b", 1)
	require.NoError(t, err)
	assert.Equal(t, "b", out)
}
