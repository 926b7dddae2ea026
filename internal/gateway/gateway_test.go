package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/vmcpgw/internal/sessioncontext"
	"github.com/stacklok/vmcpgw/pkg/vmcp"
)

func TestToMCPTool_CarriesNameDescriptionAndSchema(t *testing.T) {
	t.Parallel()

	tool := vmcp.Tool{
		Name:        "b1_echo",
		Description: "echoes input",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"msg": map[string]any{"type": "string"}},
			"required":   []any{"msg"},
		},
	}
	mt := toMCPTool(tool)
	assert.Equal(t, "b1_echo", mt.Name)
	assert.Equal(t, "echoes input", mt.Description)
	assert.Equal(t, "object", mt.InputSchema.Type)
	assert.Contains(t, mt.InputSchema.Required, "msg")
}

func TestToMCPTool_DefaultsMissingSchemaToEmptyObject(t *testing.T) {
	t.Parallel()

	mt := toMCPTool(vmcp.Tool{Name: "t1"})
	assert.Equal(t, "object", mt.InputSchema.Type)
}

func TestToMCPResource_CarriesFields(t *testing.T) {
	t.Parallel()

	r := vmcp.Resource{URI: "file:///a", Name: "a", Description: "desc", MimeType: "text/plain"}
	mr := toMCPResource(r)
	assert.Equal(t, "file:///a", mr.URI)
	assert.Equal(t, "text/plain", mr.MIMEType)
}

func TestToMCPPrompt_CarriesArguments(t *testing.T) {
	t.Parallel()

	p := vmcp.Prompt{
		Name: "greet",
		Arguments: []vmcp.PromptArgument{
			{Name: "name", Required: true},
		},
	}
	mp := toMCPPrompt(p)
	require.Len(t, mp.Arguments, 1)
	assert.Equal(t, "name", mp.Arguments[0].Name)
	assert.True(t, mp.Arguments[0].Required)
}

func TestGlobMatch(t *testing.T) {
	t.Parallel()

	assert.True(t, globMatch("*", "anything"))
	assert.True(t, globMatch("b1_*", "b1_echo"))
	assert.False(t, globMatch("b1_*", "b2_echo"))
	assert.True(t, globMatch("*_echo", "b1_echo"))
	assert.True(t, globMatch("*echo*", "b1_echo_v2"))
	assert.True(t, globMatch("exact", "exact"))
	assert.False(t, globMatch("exact", "exacter"))
}

func TestGateway_DeltaEncodeEmitsArrayDeltaOnRepeat(t *testing.T) {
	t.Parallel()

	g := &Gateway{cfg: Config{EnableDeltaResponses: true}}
	sess := &UpstreamSession{
		Deltas: sessioncontext.NewDeltaResponseManager(16, time.Hour),
	}

	// Ten elements with only the first changing keeps the delta more than
	// 20% smaller than the full payload, so the delta is emitted.
	items := func(firstValue string) []any {
		out := make([]any, 0, 10)
		for i := 0; i < 10; i++ {
			v := "a"
			if i == 0 {
				v = firstValue
			}
			out = append(out, map[string]any{"id": string(rune('0' + i)), "v": v})
		}
		return out
	}

	first, err := g.deltaEncode(sess, "k1", items("a"))
	require.NoError(t, err)
	assert.Equal(t, "full", first.(map[string]any)["type"])

	second, err := g.deltaEncode(sess, "k1", items("b"))
	require.NoError(t, err)
	assert.Equal(t, "delta", second.(map[string]any)["type"])
}

func TestGateway_DeltaEncodePassesThroughScalarsAndIDlessArrays(t *testing.T) {
	t.Parallel()

	g := &Gateway{cfg: Config{EnableDeltaResponses: true}}
	sess := &UpstreamSession{
		Deltas: sessioncontext.NewDeltaResponseManager(16, time.Hour),
	}

	out, err := g.deltaEncode(sess, "k1", []any{map[string]any{"noID": true}})
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"noID": true}}, out)

	out2, err := g.deltaEncode(sess, "k2", "plain string")
	require.NoError(t, err)
	assert.Equal(t, "plain string", out2)
}

func TestSplitActiveKey(t *testing.T) {
	t.Parallel()

	kind, name := splitActiveKey("tool:b1_echo")
	assert.Equal(t, "tool", kind)
	assert.Equal(t, "b1_echo", name)
}
