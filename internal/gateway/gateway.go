package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/vmcpgw/internal/auditlog"
	"github.com/stacklok/vmcpgw/internal/authcontext"
	"github.com/stacklok/vmcpgw/internal/backend"
	"github.com/stacklok/vmcpgw/internal/gwlog"
	"github.com/stacklok/vmcpgw/internal/sandbox"
	"github.com/stacklok/vmcpgw/internal/sessioncontext"
	"github.com/stacklok/vmcpgw/pkg/vmcp"
)

// defaultSessionID is used when no mcp-go client session is present in the
// request context, i.e. a stdio-transported upstream connection.
const defaultSessionID = "stdio-default"

// Config controls gateway-level behavior independent of backend wiring.
type Config struct {
	Name                string
	Version             string
	SessionIdleTimeout   int64 // seconds; 0 uses DefaultSessionIdleTimeout
	SessionTokenBudget   int   // per-session context window estimate, in tokens
	EnableMetaTools      bool
	EnableDeltaResponses bool
	EnableCodeExecution  bool // registers vmcp_execute_code (internal/sandbox)

	// AuditSink receives one Event per completed tool call. Defaults to a
	// LoggingSink (see auditlog package) when nil.
	AuditSink auditlog.Sink
}

// Gateway is the single upstream-facing MCP server. It owns an
// *mcpserver.MCPServer and keeps its resource/prompt inventory in sync
// with the supervisor's aggregate routing table (backend tools are exposed
// through the meta-tools instead), translating every call
// into a dispatch through internal/backend.Supervisor.
type Gateway struct {
	cfg        Config
	supervisor *backend.Supervisor
	sessions   *SessionManager
	mcpServer  *mcpserver.MCPServer
	executor   *sandbox.Executor

	active map[string]bool // names/URIs currently registered, for diffing
}

// New builds an unstarted gateway wired to sv. Callers still need to start
// an HTTP or stdio transport (see Serve/ServeStdio) to accept connections.
func New(cfg Config, sv *backend.Supervisor) *Gateway {
	if cfg.Name == "" {
		cfg.Name = "vmcpgw"
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}
	if cfg.AuditSink == nil {
		cfg.AuditSink = auditlog.NewLoggingSink()
	}
	idle := DefaultSessionIdleTimeout
	if cfg.SessionIdleTimeout > 0 {
		idle = time.Duration(cfg.SessionIdleTimeout) * time.Second
	}
	tokenBudget := cfg.SessionTokenBudget
	if tokenBudget <= 0 {
		tokenBudget = 100_000
	}

	g := &Gateway{
		cfg:        cfg,
		supervisor: sv,
		sessions:   NewSessionManager(idle, tokenBudget),
		executor:   sandbox.NewExecutor(sv),
		active:     make(map[string]bool),
	}

	g.mcpServer = mcpserver.NewMCPServer(
		cfg.Name,
		cfg.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
	)

	if cfg.EnableMetaTools {
		registerMetaTools(g)
	}
	if cfg.EnableCodeExecution {
		registerCodeExecutionTool(g)
	}

	sv.OnRoutingChanged(g.syncCapabilities)
	g.syncCapabilities()
	return g
}

// MCPServer exposes the underlying mcp-go server for transport wiring
// (stdio, SSE, streamable-HTTP) in cmd/vmcpgw.
func (g *Gateway) MCPServer() *mcpserver.MCPServer { return g.mcpServer }

// Sessions exposes the idle-swept session registry, mainly for diagnostics.
func (g *Gateway) Sessions() *SessionManager { return g.sessions }

// Close stops background bookkeeping (idle session sweep).
func (g *Gateway) Close() { g.sessions.Stop() }

// ServeStdio runs the gateway over standard input/output, for CLI/subprocess
// integration. It blocks until ctx is canceled or the stdio server errs.
//
// Grounded on the teacher-adjacent aggregator's stdio transport case:
// mcpserver.NewStdioServer(mcpServer).Listen(ctx, os.Stdin, os.Stdout).
func (g *Gateway) ServeStdio(ctx context.Context) error {
	return mcpserver.NewStdioServer(g.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// Serve runs the gateway as a streamable-HTTP server on addr. It blocks
// until ctx is canceled, at which point it shuts the HTTP server down with a
// bounded grace period.
//
// Grounded on the same aggregator's streamable-HTTP case: an
// *http.Server wrapping mcpserver.NewStreamableHTTPServer(mcpServer),
// shut down via http.Server.Shutdown on context cancellation.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	httpServer := mcpserver.NewStreamableHTTPServer(g.mcpServer)
	srv := &http.Server{Addr: addr, Handler: httpServer}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// syncCapabilities rebuilds the resource/prompt set exposed to upstream
// clients from the supervisor's current aggregate view, adding new items and
// removing ones no longer present. Grounded on the teacher's
// addNewItems/removeObsoleteItems diff-and-batch pattern.
//
// Tools are deliberately NOT mirrored here: per spec, tools/list returns only
// the fixed progressive-disclosure meta-tool surface (registerMetaTools) —
// dumping every backend tool into the upstream list defeats the token-budget
// reason that surface exists for. Backend tools are reached through
// vmcp_call_tool and, when code execution is enabled, through scripts run
// by vmcp_execute_code.
func (g *Gateway) syncCapabilities() {
	caps := g.supervisor.AggregatedCapabilities()

	wantResources := make(map[string]bool, len(caps.Resources))
	var resourcesToAdd []mcpserver.ServerResource
	for _, r := range caps.Resources {
		wantResources[r.URI] = true
		if g.active["resource:"+r.URI] {
			continue
		}
		resourcesToAdd = append(resourcesToAdd, mcpserver.ServerResource{
			Resource: toMCPResource(r),
			Handler:  g.resourceHandler(r.URI),
		})
	}

	wantPrompts := make(map[string]bool, len(caps.Prompts))
	var promptsToAdd []mcpserver.ServerPrompt
	for _, p := range caps.Prompts {
		wantPrompts[p.Name] = true
		if g.active["prompt:"+p.Name] {
			continue
		}
		promptsToAdd = append(promptsToAdd, mcpserver.ServerPrompt{
			Prompt:  toMCPPrompt(p),
			Handler: g.promptHandler(p.Name),
		})
	}

	var stalePrompts []string
	for key := range g.active {
		kind, name := splitActiveKey(key)
		switch kind {
		case "resource":
			if !wantResources[name] {
				g.mcpServer.RemoveResource(name)
				delete(g.active, key)
			}
		case "prompt":
			if !wantPrompts[name] {
				stalePrompts = append(stalePrompts, name)
				delete(g.active, key)
			}
		}
	}
	if len(stalePrompts) > 0 {
		g.mcpServer.DeletePrompts(stalePrompts...)
	}

	if len(resourcesToAdd) > 0 {
		g.mcpServer.AddResources(resourcesToAdd...)
		for _, r := range resourcesToAdd {
			g.active["resource:"+r.Resource.URI] = true
		}
	}
	if len(promptsToAdd) > 0 {
		g.mcpServer.AddPrompts(promptsToAdd...)
		for _, p := range promptsToAdd {
			g.active["prompt:"+p.Prompt.Name] = true
		}
	}

	gwlog.Infof("gateway: synced capabilities: %d resources, %d prompts",
		len(wantResources), len(wantPrompts))
}

func splitActiveKey(key string) (kind, name string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return "", key
}

// sessionIDFromContext extracts the upstream client session identity, with
// a single shared fallback for stdio transports where mcp-go has no
// per-connection session concept.
func sessionIDFromContext(ctx context.Context) string {
	if s := mcpserver.ClientSessionFromContext(ctx); s != nil {
		if id := s.SessionID(); id != "" {
			return id
		}
	}
	return defaultSessionID
}

// invokeTool dispatches publicName through the supervisor and runs the
// result through this session's dedup/delta optimization, charging the
// estimated token cost against its context budget. vmcp_call_tool takes
// this path; tool calls from vmcp_execute_code scripts go from
// internal/sandbox straight to the supervisor and do not pass through it.
func (g *Gateway) invokeTool(ctx context.Context, publicName string, args map[string]any) (*mcp.CallToolResult, error) {
	sessionID := sessionIDFromContext(ctx)
	sess := g.sessions.GetOrCreate(sessionID)

	started := time.Now()
	raw, err := g.supervisor.CallTool(ctx, publicName, args)
	elapsed := time.Since(started)

	ev := auditlog.Event{
		Target:         auditlog.TargetTool,
		Name:           publicName,
		SessionID:      sessionID,
		DurationMillis: elapsed.Milliseconds(),
		Timestamp:      started,
	}
	if target, ok := g.supervisor.RoutingSnapshot().Tools[publicName]; ok {
		ev.BackendID = target.BackendID
	}
	if id, ok := authcontext.FromContext(ctx); ok {
		ev.CallerSubject = id.Subject
	}
	if err != nil {
		ev.Success = false
		ev.Error = err.Error()
		g.cfg.AuditSink.Record(ctx, ev)
		gwlog.Warnf("gateway: tool call %q failed: %v", publicName, err)
		return mcp.NewToolResultError(fmt.Sprintf("tool execution failed: %v", err)), nil
	}
	ev.Success = true
	g.cfg.AuditSink.Record(ctx, ev)

	text, tokens := g.renderResult(sess, "tool:"+publicName, raw)
	sess.Tracker.Ingest(sessioncontext.CategoryResults, tokens, publicName)
	return mcp.NewToolResultText(text), nil
}

func (g *Gateway) resourceHandler(uri string) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		raw, err := g.supervisor.ReadResource(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("resource read failed: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(raw)},
		}, nil
	}
}

func (g *Gateway) promptHandler(publicName string) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		args := map[string]any{}
		for k, v := range req.Params.Arguments {
			args[k] = v
		}
		raw, err := g.supervisor.GetPrompt(ctx, publicName, args)
		if err != nil {
			return nil, fmt.Errorf("prompt retrieval failed: %w", err)
		}
		return &mcp.GetPromptResult{
			Messages: []mcp.PromptMessage{
				{
					Role:    mcp.Role("assistant"),
					Content: mcp.NewTextContent(string(raw)),
				},
			},
		}, nil
	}
}

// renderResult applies dedup/delta optimization from internal/sessioncontext
// before a tool result reaches the client, returning the text to send and
// the estimated token cost actually charged against the session budget.
func (g *Gateway) renderResult(sess *UpstreamSession, key string, raw json.RawMessage) (string, int) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		text := string(raw)
		return text, sessioncontext.EstimateTokens(text)
	}

	fullText := canonicalText(decoded)
	estimate := sessioncontext.EstimateTokens(fullText)

	// SessionContext recalls whether this exact (kind, key, content) tuple
	// was already delivered to this session within the recall window
	// (spec.md §4.6/P10); when it was, short-circuit straight to the
	// placeholder instead of running delta/dedup encoding on content the
	// client has already seen verbatim.
	before, _ := sess.Context.Stats()
	optimizedText, err := sess.Context.GetOptimized(sessioncontext.KindResult, key, decoded, estimate)
	if err == nil {
		if after, _ := sess.Context.Stats(); after > before {
			return optimizedText, sessioncontext.EstimateTokens(optimizedText)
		}
	}

	if !g.cfg.EnableDeltaResponses {
		return fullText, estimate
	}

	optimized, err := g.deltaEncode(sess, key, decoded)
	if err != nil {
		return fullText, estimate
	}
	text := canonicalText(optimized)
	return text, sessioncontext.EstimateTokens(text)
}

// deltaEncode routes a decoded result through the per-session delta manager:
// array-shaped results (with "id"-keyed elements) get ID-based diffing,
// plain objects get field-level diffing, anything else is passed through
// verbatim since there is no previous version to diff against.
func (g *Gateway) deltaEncode(sess *UpstreamSession, key string, decoded any) (any, error) {
	switch v := decoded.(type) {
	case []any:
		items := make([]map[string]any, 0, len(v))
		for _, el := range v {
			m, ok := el.(map[string]any)
			if !ok {
				return decoded, nil
			}
			items = append(items, m)
		}
		if len(items) == 0 || items[0]["id"] == nil {
			return decoded, nil
		}
		return sess.Deltas.GetDeltaForArray(key, items, "id")
	case map[string]any:
		return sess.Deltas.GetDeltaForObject(key, v)
	default:
		return decoded, nil
	}
}

func canonicalText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func toMCPTool(t vmcp.Tool) mcp.Tool {
	schema := t.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	return mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: toToolInputSchema(schema),
	}
}

func toToolInputSchema(schema map[string]any) mcp.ToolInputSchema {
	out := mcp.ToolInputSchema{Type: "object"}
	if t, ok := schema["type"].(string); ok {
		out.Type = t
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = props
	}
	if req, ok := schema["required"].([]string); ok {
		out.Required = req
	} else if reqAny, ok := schema["required"].([]any); ok {
		for _, r := range reqAny {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}

func toMCPResource(r vmcp.Resource) mcp.Resource {
	return mcp.Resource{
		URI:         r.URI,
		Name:        r.Name,
		Description: r.Description,
		MIMEType:    r.MimeType,
	}
}

func toMCPPrompt(p vmcp.Prompt) mcp.Prompt {
	out := mcp.Prompt{
		Name:        p.Name,
		Description: p.Description,
	}
	for _, a := range p.Arguments {
		out.Arguments = append(out.Arguments, mcp.PromptArgument{
			Name:        a.Name,
			Description: a.Description,
			Required:    a.Required,
		})
	}
	return out
}
