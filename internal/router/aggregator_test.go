package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/vmcpgw/pkg/vmcp"
)

func TestAggregator_BuildRoutingTableWithPrefixResolver(t *testing.T) {
	t.Parallel()

	snapshots := []BackendCapabilities{
		{
			BackendID: "github",
			Tools:     []vmcp.Tool{{Name: "create_issue"}},
			Resources: []vmcp.Resource{{URI: "gh://repo"}},
			Prompts:   []vmcp.Prompt{{Name: "summarize"}},
		},
		{
			BackendID: "jira",
			Tools:     []vmcp.Tool{{Name: "create_issue"}},
			Resources: []vmcp.Resource{{URI: "jira://project"}},
			Prompts:   []vmcp.Prompt{{Name: "triage"}},
		},
	}

	agg := NewAggregator(NewPrefixResolver())
	table, resolved, err := agg.BuildRoutingTable(context.Background(), snapshots)
	require.NoError(t, err)
	require.Len(t, resolved, 2)

	assert.Contains(t, table.Tools, "github_create_issue")
	assert.Contains(t, table.Tools, "jira_create_issue")
	assert.Contains(t, table.Resources, "gh://repo")
	assert.Contains(t, table.Prompts, "summarize")
}

func TestAggregator_ResourceCollisionFirstWriterWins(t *testing.T) {
	t.Parallel()

	snapshots := []BackendCapabilities{
		{BackendID: "primary", Resources: []vmcp.Resource{{URI: "shared://thing"}}},
		{BackendID: "secondary", Resources: []vmcp.Resource{{URI: "shared://thing"}}},
	}

	agg := NewAggregator(NewPrefixResolver())
	table, _, err := agg.BuildRoutingTable(context.Background(), snapshots)
	require.NoError(t, err)

	target := table.Resources["shared://thing"]
	require.NotNil(t, target)
	assert.Equal(t, "primary", target.BackendID)
}

func TestAggregator_ErrorResolverPropagatesFailure(t *testing.T) {
	t.Parallel()

	snapshots := []BackendCapabilities{
		{BackendID: "a", Tools: []vmcp.Tool{{Name: "dup"}}},
		{BackendID: "b", Tools: []vmcp.Tool{{Name: "dup"}}},
	}

	agg := NewAggregator(NewErrorResolver())
	_, _, err := agg.BuildRoutingTable(context.Background(), snapshots)
	require.Error(t, err)
}
