package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/vmcpgw/internal/transport"
	"github.com/stacklok/vmcpgw/pkg/vmcp"
)

func newTestSupervisor(adapters map[string]*fakeAdapter) *Supervisor {
	dialer := DialerFunc(func(cfg vmcp.BackendConfig) (transport.Adapter, error) {
		a, ok := adapters[cfg.ID]
		if !ok {
			a = newFakeAdapter()
			adapters[cfg.ID] = a
		}
		return a, nil
	})
	sv := NewSupervisor(dialer, nil)
	sv.Start(context.Background())
	return sv
}

func TestSupervisor_AddConnectsAndPopulatesRouting(t *testing.T) {
	t.Parallel()

	adapters := map[string]*fakeAdapter{}
	sv := newTestSupervisor(adapters)

	require.NoError(t, sv.Add(context.Background(), testBackendConfig("b1", "b1")))

	assert.Eventually(t, func() bool {
		rt := sv.RoutingSnapshot()
		_, ok := rt.Tools["b1_echo"]
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_CallToolRoutesToOwningBackend(t *testing.T) {
	t.Parallel()

	adapters := map[string]*fakeAdapter{}
	sv := newTestSupervisor(adapters)
	require.NoError(t, sv.Add(context.Background(), testBackendConfig("b1", "b1")))

	require.Eventually(t, func() bool {
		_, ok := sv.RoutingSnapshot().Tools["b1_echo"]
		return ok
	}, time.Second, 5*time.Millisecond)

	result, err := sv.CallTool(context.Background(), "b1_echo", map[string]any{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestSupervisor_CallToolUnknownNameReturnsRouteError(t *testing.T) {
	t.Parallel()

	sv := newTestSupervisor(map[string]*fakeAdapter{})
	_, err := sv.CallTool(context.Background(), "nonexistent_tool", nil)
	require.Error(t, err)
}

func TestSupervisor_DisableClosesSemaphoreAndDisconnects(t *testing.T) {
	t.Parallel()

	adapters := map[string]*fakeAdapter{}
	sv := newTestSupervisor(adapters)
	require.NoError(t, sv.Add(context.Background(), testBackendConfig("b1", "b1")))

	require.Eventually(t, func() bool {
		_, ok := sv.RoutingSnapshot().Tools["b1_echo"]
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sv.Disable("b1"))

	_, err := sv.CallTool(context.Background(), "b1_echo", nil)
	require.Error(t, err)
}

func TestSupervisor_CallToolsParallelDispatchesAllBackends(t *testing.T) {
	t.Parallel()

	adapters := map[string]*fakeAdapter{}
	sv := newTestSupervisor(adapters)
	require.NoError(t, sv.Add(context.Background(), testBackendConfig("b1", "b1")))
	require.NoError(t, sv.Add(context.Background(), testBackendConfig("b2", "b2")))

	require.Eventually(t, func() bool {
		rt := sv.RoutingSnapshot()
		_, ok1 := rt.Tools["b1_echo"]
		_, ok2 := rt.Tools["b2_echo"]
		return ok1 && ok2
	}, time.Second, 5*time.Millisecond)

	results := sv.CallToolsParallel(context.Background(), []ToolCallRequest{
		{PublicName: "b1_echo"},
		{PublicName: "b2_echo"},
	})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
}

func TestReconnectDelay_ExponentialWithCap(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1000*time.Millisecond, reconnectDelay(1))
	assert.Equal(t, 2000*time.Millisecond, reconnectDelay(2))
	assert.Equal(t, 4000*time.Millisecond, reconnectDelay(3))
	assert.Equal(t, 30000*time.Millisecond, reconnectDelay(10))
}
