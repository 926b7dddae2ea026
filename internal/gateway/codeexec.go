package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/vmcpgw/internal/planner"
	"github.com/stacklok/vmcpgw/internal/sandbox"
)

// registerCodeExecutionTool adds vmcp_execute_code, the optional L8 surface
// that lets a client run a short script against the aggregated tool catalog
// instead of issuing one vmcp_call_tool per step. Separate from
// registerMetaTools because it carries real execution risk and a deployment
// may want it off even with meta-tools enabled.
func registerCodeExecutionTool(g *Gateway) {
	executeTool := mcp.NewTool("vmcp_execute_code",
		mcp.WithDescription("Run a short JavaScript snippet in a sandboxed context where every "+
			"aggregated tool is available as a callable function, for combining several tool "+
			"calls without a round trip per step. Advisory suggestions about the snippet "+
			"(redundant calls, missed parallelism) are returned alongside the result."),
		mcp.WithString("code", mcp.Required(), mcp.Description("JavaScript to execute; the final `return` value becomes returnValue")),
		mcp.WithNumber("timeoutMillis", mcp.Description("Wall-clock execution budget in milliseconds (default 30000)")),
		mcp.WithNumber("maxOutputBytes", mcp.Description("Captured console output cap in bytes (default 102400)")),
		mcp.WithObject("context", mcp.Description("Plain-data values merged into the execution context as globals")),
	)
	g.mcpServer.AddTool(executeTool, handleExecuteCode(g))
}

type executeCodeResponse struct {
	*sandbox.Result
	Suggestions []planner.Suggestion `json:"suggestions,omitempty"`
}

func handleExecuteCode(g *Gateway) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		code, _ := args["code"].(string)
		if code == "" {
			return mcp.NewToolResultError(`missing required argument "code"`), nil
		}

		sandboxReq := sandbox.Request{Code: code}
		if v, ok := args["timeoutMillis"].(float64); ok {
			sandboxReq.TimeoutMillis = int(v)
		}
		if v, ok := args["maxOutputBytes"].(float64); ok {
			sandboxReq.MaxOutputBytes = int(v)
		}
		if v, ok := args["context"].(map[string]any); ok {
			sandboxReq.Context = v
		}

		result, err := g.executor.Execute(ctx, sandboxReq)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("sandbox setup failed: %v", err)), nil
		}

		resp := executeCodeResponse{Result: result, Suggestions: planner.Analyze(code)}
		b, err := json.Marshal(resp)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(b)), nil
	}
}
