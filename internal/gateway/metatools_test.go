package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/vmcpgw/internal/auditlog"
	"github.com/stacklok/vmcpgw/internal/backend"
	"github.com/stacklok/vmcpgw/internal/transport"
	"github.com/stacklok/vmcpgw/pkg/vmcp"
)

func testBackendConfig(id, prefix string) vmcp.BackendConfig {
	return vmcp.BackendConfig{
		ID:           id,
		Enabled:      true,
		Transport:    vmcp.TransportChildProcess,
		ToolPrefix:   prefix,
		ChildProcess: &vmcp.ChildProcessTransport{Command: "noop"},
	}
}

func newTestSupervisorWithBackend(t *testing.T) *backend.Supervisor {
	t.Helper()
	dialer := backend.DialerFunc(func(vmcp.BackendConfig) (transport.Adapter, error) {
		return newFakeAdapter(), nil
	})
	sv := backend.NewSupervisor(dialer, nil)
	sv.Start(context.Background())
	require.NoError(t, sv.Add(context.Background(), testBackendConfig("b1", "b1")))

	require.Eventually(t, func() bool {
		_, ok := sv.RoutingSnapshot().Tools["b1_echo"]
		return ok
	}, time.Second, 5*time.Millisecond)
	return sv
}

func newTestGateway(t *testing.T, sv *backend.Supervisor) *Gateway {
	t.Helper()
	sessions := NewSessionManager(time.Hour, 100_000)
	t.Cleanup(sessions.Stop)
	return &Gateway{
		cfg:        Config{EnableDeltaResponses: false, AuditSink: auditlog.NopSink{}},
		supervisor: sv,
		sessions:   sessions,
		active:     make(map[string]bool),
	}
}

func callToolRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestHandleListTools_ReturnsAggregatedCatalog(t *testing.T) {
	t.Parallel()

	sv := newTestSupervisorWithBackend(t)
	res, err := handleListTools(sv)(context.Background(), callToolRequest(nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var summaries []toolSummary
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "b1_echo", summaries[0].Name)
}

func TestHandleDescribeTool_UnknownNameReturnsErrorResult(t *testing.T) {
	t.Parallel()

	sv := newTestSupervisorWithBackend(t)
	res, err := handleDescribeTool(sv)(context.Background(), callToolRequest(map[string]any{"name": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not found")
}

func TestHandleDescribeTool_KnownNameReturnsFullTool(t *testing.T) {
	t.Parallel()

	sv := newTestSupervisorWithBackend(t)
	res, err := handleDescribeTool(sv)(context.Background(), callToolRequest(map[string]any{"name": "b1_echo"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "b1_echo")
}

func TestHandleCallTool_DispatchesToBackend(t *testing.T) {
	t.Parallel()

	sv := newTestSupervisorWithBackend(t)
	g := newTestGateway(t, sv)
	res, err := handleCallTool(g)(context.Background(), callToolRequest(map[string]any{
		"name":      "b1_echo",
		"arguments": map[string]any{},
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"ok":true}`, resultText(t, res))
}

func TestHandleFilterTools_MatchesByPrefixPattern(t *testing.T) {
	t.Parallel()

	sv := newTestSupervisorWithBackend(t)
	res, err := handleFilterTools(sv)(context.Background(), callToolRequest(map[string]any{"pattern": "b1_*"}))
	require.NoError(t, err)
	var summaries []toolSummary
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &summaries))
	require.Len(t, summaries, 1)

	res2, err := handleFilterTools(sv)(context.Background(), callToolRequest(map[string]any{"pattern": "zzz_*"}))
	require.NoError(t, err)
	var empty []toolSummary
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res2)), &empty))
	assert.Empty(t, empty)
}

func TestHandleListResourcesAndGetResource(t *testing.T) {
	t.Parallel()

	sv := newTestSupervisorWithBackend(t)
	listRes, err := handleListResources(sv)(context.Background(), callToolRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, listRes), "file:///a")

	getRes, err := handleGetResource(sv)(context.Background(), callToolRequest(map[string]any{"uri": "file:///a"}))
	require.NoError(t, err)
	assert.False(t, getRes.IsError)
}

func TestGlobMatch_PrefixPattern(t *testing.T) {
	t.Parallel()
	assert.True(t, globMatch("b1_*", "b1_echo"))
}
