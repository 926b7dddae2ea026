package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/vmcpgw/pkg/vmcp"
)

func TestPrefixResolver_AlwaysQualifies(t *testing.T) {
	t.Parallel()

	toolsByBackend := map[string][]vmcp.Tool{
		"github": {{Name: "create_issue"}, {Name: "list_issues"}},
		"jira":   {{Name: "create_issue"}, {Name: "list_projects"}},
	}

	resolved, err := NewPrefixResolver().ResolveTools(context.Background(), toolsByBackend)
	require.NoError(t, err)
	require.Len(t, resolved, 4)

	assert.Equal(t, "github", resolved["github_create_issue"].BackendID)
	assert.Equal(t, "jira", resolved["jira_create_issue"].BackendID)
	assert.Equal(t, vmcp.ConflictStrategyPrefix, resolved["github_create_issue"].ConflictResolutionApplied)
}

func TestPrefixResolver_DoesNotDoublePrefixAnAlreadyPrefixedName(t *testing.T) {
	t.Parallel()

	// Mirrors a backend configured with id="srv2", tool_prefix="db": the
	// session layer already rewrites the raw "query" tool to "db_query"
	// before the router ever sees it.
	toolsByBackend := map[string][]vmcp.Tool{
		"srv2": {{Name: "db_query", RawName: "query"}},
	}

	resolved, err := NewPrefixResolver().ResolveTools(context.Background(), toolsByBackend)
	require.NoError(t, err)
	require.Len(t, resolved, 1)

	tool, ok := resolved["db_query"]
	require.True(t, ok, "expected public name \"db_query\", got %+v", resolved)
	assert.Equal(t, "srv2", tool.BackendID)
	assert.Equal(t, "query", tool.RawName)
}

func TestPriorityResolver_FirstListedWins(t *testing.T) {
	t.Parallel()

	toolsByBackend := map[string][]vmcp.Tool{
		"github": {{Name: "create_issue"}, {Name: "list_repos"}},
		"jira":   {{Name: "create_issue"}, {Name: "list_projects"}},
	}

	resolver, err := NewPriorityResolver([]string{"github", "jira"})
	require.NoError(t, err)

	resolved, err := resolver.ResolveTools(context.Background(), toolsByBackend)
	require.NoError(t, err)
	require.Len(t, resolved, 4)

	assert.Equal(t, "github", resolved["create_issue"].BackendID)
	assert.Equal(t, vmcp.ConflictStrategyPriority, resolved["create_issue"].ConflictResolutionApplied)
	assert.Equal(t, "jira", resolved["jira_create_issue"].BackendID)
	assert.Equal(t, vmcp.ConflictStrategyPrefix, resolved["jira_create_issue"].ConflictResolutionApplied)
}

func TestPriorityResolver_UnlistedBackendsStillGetUnqualifiedNamesWhenNoConflict(t *testing.T) {
	t.Parallel()

	toolsByBackend := map[string][]vmcp.Tool{
		"github":  {{Name: "tool1"}},
		"unknown": {{Name: "tool2"}},
	}

	resolver, err := NewPriorityResolver([]string{"github"})
	require.NoError(t, err)

	resolved, err := resolver.ResolveTools(context.Background(), toolsByBackend)
	require.NoError(t, err)
	require.Len(t, resolved, 2)
	assert.Equal(t, "github", resolved["tool1"].BackendID)
	assert.Equal(t, "unknown", resolved["tool2"].BackendID)
}

func TestPriorityResolver_EmptyOrderRejected(t *testing.T) {
	t.Parallel()

	_, err := NewPriorityResolver(nil)
	require.Error(t, err)
}

func TestErrorResolver_RejectsDuplicateNames(t *testing.T) {
	t.Parallel()

	toolsByBackend := map[string][]vmcp.Tool{
		"github": {{Name: "create_issue"}},
		"jira":   {{Name: "create_issue"}},
	}

	_, err := NewErrorResolver().ResolveTools(context.Background(), toolsByBackend)
	require.Error(t, err)
}

func TestErrorResolver_AllowsDistinctNames(t *testing.T) {
	t.Parallel()

	toolsByBackend := map[string][]vmcp.Tool{
		"github": {{Name: "create_pr"}},
		"jira":   {{Name: "create_ticket"}},
	}

	resolved, err := NewErrorResolver().ResolveTools(context.Background(), toolsByBackend)
	require.NoError(t, err)
	assert.Len(t, resolved, 2)
}

func TestNewResolver_SelectsStrategyByName(t *testing.T) {
	t.Parallel()

	r, err := NewResolver("prefix", nil)
	require.NoError(t, err)
	assert.IsType(t, &PrefixResolver{}, r)

	r, err = NewResolver("priority", []string{"a"})
	require.NoError(t, err)
	assert.IsType(t, &PriorityResolver{}, r)

	r, err = NewResolver("error", nil)
	require.NoError(t, err)
	assert.IsType(t, &ErrorResolver{}, r)

	_, err = NewResolver("bogus", nil)
	require.Error(t, err)
}
