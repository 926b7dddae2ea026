package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/vmcpgw/internal/backend"
)

// registerMetaTools adds the progressive-disclosure surface: a handful of
// fixed tools (vmcp_list_tools, vmcp_describe_tool, vmcp_call_tool, ...)
// that let a client discover and invoke the full aggregated catalog without
// every backend tool being dumped into the model's context up front.
//
// Grounded on the teacher's internal/metatools provider: the same
// list/describe/call-by-name split, registered here as static tools rather
// than batched alongside the dynamic per-backend set.
func registerMetaTools(g *Gateway) {
	srv, sv, sessions := g.mcpServer, g.supervisor, g.sessions

	listTools := mcp.NewTool("vmcp_list_tools",
		mcp.WithDescription("List all tools currently aggregated from connected backends, by name and description only"),
	)
	srv.AddTool(listTools, handleListTools(sv))

	describeTool := mcp.NewTool("vmcp_describe_tool",
		mcp.WithDescription("Get the full input schema and backend origin for one tool"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Name of the tool to describe")),
	)
	srv.AddTool(describeTool, handleDescribeTool(sv))

	callTool := mcp.NewTool("vmcp_call_tool",
		mcp.WithDescription("Execute an aggregated tool by name with the given arguments"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Name of the tool to call")),
		mcp.WithObject("arguments", mcp.Description("Arguments to pass to the tool")),
	)
	srv.AddTool(callTool, handleCallTool(g))

	filterTools := mcp.NewTool("vmcp_filter_tools",
		mcp.WithDescription("Filter the aggregated tool catalog by name pattern or description substring"),
		mcp.WithString("pattern", mcp.Description("Glob-style pattern matched against tool names (supports *)")),
		mcp.WithString("description_filter", mcp.Description("Case-insensitive substring match against descriptions")),
	)
	srv.AddTool(filterTools, handleFilterTools(sv))

	searchTools := mcp.NewTool("search_tools",
		mcp.WithDescription("Keyword-search the aggregated tool catalog by name and description, ranked by relevance"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Keyword(s) to match against tool names and descriptions")),
	)
	srv.AddTool(searchTools, handleSearchTools(sv))

	getSchema := mcp.NewTool("get_schema",
		mcp.WithDescription("Get one tool's input schema, or a {$schemaRef} reference if this session already received it"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Name of the tool whose schema to fetch")),
	)
	srv.AddTool(getSchema, handleGetSchema(sv, sessions))

	listResources := mcp.NewTool("vmcp_list_resources",
		mcp.WithDescription("List all resources currently aggregated from connected backends"),
	)
	srv.AddTool(listResources, handleListResources(sv))

	getResource := mcp.NewTool("vmcp_get_resource",
		mcp.WithDescription("Retrieve the contents of an aggregated resource by URI"),
		mcp.WithString("uri", mcp.Required(), mcp.Description("URI of the resource to retrieve")),
	)
	srv.AddTool(getResource, handleGetResource(sv))

	listPrompts := mcp.NewTool("vmcp_list_prompts",
		mcp.WithDescription("List all prompts currently aggregated from connected backends"),
	)
	srv.AddTool(listPrompts, handleListPrompts(sv))

	sessionStatus := mcp.NewTool("vmcp_session_status",
		mcp.WithDescription("Report this session's context-budget usage and warning level"),
	)
	srv.AddTool(sessionStatus, handleSessionStatus(sessions))
}

type toolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	BackendID   string `json:"backendId"`
}

func handleListTools(sv *backend.Supervisor) mcpserver.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caps := sv.AggregatedCapabilities()
		summaries := make([]toolSummary, 0, len(caps.Tools))
		for _, t := range caps.Tools {
			summaries = append(summaries, toolSummary{Name: t.Name, Description: t.Description, BackendID: t.BackendID})
		}
		sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
		return jsonResult(summaries)
	}
}

func handleDescribeTool(sv *backend.Supervisor) mcpserver.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := requiredString(req, "name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		caps := sv.AggregatedCapabilities()
		for _, t := range caps.Tools {
			if t.Name == name {
				return jsonResult(struct {
					mcp.Tool
					BackendID string `json:"backendId"`
				}{Tool: toMCPTool(t), BackendID: t.BackendID})
			}
		}
		return mcp.NewToolResultError(fmt.Sprintf("tool %q not found", name)), nil
	}
}

func handleCallTool(g *Gateway) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := requiredString(req, "name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		args := map[string]any{}
		if rawArgs, ok := req.GetArguments()["arguments"]; ok {
			if m, ok := rawArgs.(map[string]any); ok {
				args = m
			}
		}
		return g.invokeTool(ctx, name, args)
	}
}

func handleFilterTools(sv *backend.Supervisor) mcpserver.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		pattern, _ := args["pattern"].(string)
		descFilter, _ := args["description_filter"].(string)

		caps := sv.AggregatedCapabilities()
		var matched []toolSummary
		for _, t := range caps.Tools {
			if pattern != "" && !globMatch(pattern, t.Name) {
				continue
			}
			if descFilter != "" && !strings.Contains(strings.ToLower(t.Description), strings.ToLower(descFilter)) {
				continue
			}
			matched = append(matched, toolSummary{Name: t.Name, Description: t.Description, BackendID: t.BackendID})
		}
		sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
		return jsonResult(matched)
	}
}

// globMatch supports a single leading/trailing '*' wildcard, matching the
// teacher's own documented "supports wildcards like *" scope for filtering.
func globMatch(pattern, name string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1:
		return strings.Contains(name, pattern[1:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(name, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	default:
		return pattern == name
	}
}

// toolSearchResult is search_tools' per-match entry. Grounded on the
// teacher's optimizer.find_tool_string_matching, which ranks keyword hits in
// the tool name above hits in the description and surfaces a snippet instead
// of the full description.
type toolSearchResult struct {
	Name               string  `json:"name"`
	Backend            string  `json:"backend"`
	Score              float64 `json:"score"`
	DescriptionSnippet string  `json:"descriptionSnippet,omitempty"`
}

func handleSearchTools(sv *backend.Supervisor) mcpserver.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := requiredString(req, "query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		q := strings.ToLower(query)

		caps := sv.AggregatedCapabilities()
		var matched []toolSearchResult
		for _, t := range caps.Tools {
			nameHit := strings.Contains(strings.ToLower(t.Name), q)
			descHit := strings.Contains(strings.ToLower(t.Description), q)
			if !nameHit && !descHit {
				continue
			}
			var score float64
			if nameHit {
				score += 2
			}
			if descHit {
				score++
			}
			matched = append(matched, toolSearchResult{
				Name:               t.Name,
				Backend:            t.BackendID,
				Score:              score,
				DescriptionSnippet: t.Description,
			})
		}
		sort.Slice(matched, func(i, j int) bool {
			if matched[i].Score != matched[j].Score {
				return matched[i].Score > matched[j].Score
			}
			return matched[i].Name < matched[j].Name
		})
		return jsonResult(matched)
	}
}

func handleGetSchema(sv *backend.Supervisor, sessions *SessionManager) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := requiredString(req, "name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		caps := sv.AggregatedCapabilities()
		for _, t := range caps.Tools {
			if t.Name != name {
				continue
			}
			schema := t.InputSchema
			if schema == nil {
				schema = map[string]any{}
			}
			sess := sessions.GetOrCreate(sessionIDFromContext(ctx))
			out, err := sess.DeduplicatedSchema(name, schema)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("schema dedup failed: %v", err)), nil
			}
			return jsonResult(out)
		}
		return mcp.NewToolResultError(fmt.Sprintf("tool %q not found", name)), nil
	}
}

func handleListResources(sv *backend.Supervisor) mcpserver.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caps := sv.AggregatedCapabilities()
		return jsonResult(caps.Resources)
	}
}

func handleGetResource(sv *backend.Supervisor) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		uri, err := requiredString(req, "uri")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		raw, err := sv.ReadResource(ctx, uri)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("resource read failed: %v", err)), nil
		}
		return mcp.NewToolResultText(string(raw)), nil
	}
}

func handleListPrompts(sv *backend.Supervisor) mcpserver.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caps := sv.AggregatedCapabilities()
		return jsonResult(caps.Prompts)
	}
}

func handleSessionStatus(sessions *SessionManager) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess := sessions.GetOrCreate(sessionIDFromContext(ctx))
		return jsonResult(sess.Tracker.Status())
	}
}

func requiredString(req mcp.CallToolRequest, field string) (string, error) {
	v, ok := req.GetArguments()[field]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", field)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", field)
	}
	return s, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
