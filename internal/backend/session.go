package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stacklok/vmcpgw/internal/gwerrors"
	"github.com/stacklok/vmcpgw/internal/gwlog"
	"github.com/stacklok/vmcpgw/internal/transport"
	"github.com/stacklok/vmcpgw/pkg/vmcp"
)

const protocolVersion = "2024-11-05"

// ChangeKind identifies which aggregated list changed, forwarded by the
// session to the supervisor so routing maps can be recomputed, spec.md §4.2.
type ChangeKind string

// Change kinds.
const (
	ChangeTools     ChangeKind = "tools"
	ChangeResources ChangeKind = "resources"
	ChangePrompts   ChangeKind = "prompts"
	ChangeStatus    ChangeKind = "status"
)

// ChangeEvent is delivered to the supervisor whenever a backend session's
// state or capabilities change.
type ChangeEvent struct {
	BackendID string
	Kind      ChangeKind
}

// Session is one backend's state machine (L2): connect -> initialize ->
// load(tools/resources/prompts) -> connected <-> disconnected/error, per
// spec.md §4.2.
type Session struct {
	cfg       vmcp.BackendConfig
	adapter   transport.Adapter
	changesCh chan<- ChangeEvent

	mu           sync.RWMutex
	status       vmcp.BackendStatus
	capabilities vmcp.Capabilities
	serverCaps   map[string]bool // "tools", "resources", "prompts"
	lastError    error
	lastErrorAt  time.Time

	seq atomic.Int64

	stopPump chan struct{}
}

// NewSession constructs a backend session for cfg, using adapter as its
// transport and changesCh to notify the supervisor of lifecycle/capability
// changes.
func NewSession(cfg vmcp.BackendConfig, adapter transport.Adapter, changesCh chan<- ChangeEvent) *Session {
	return &Session{
		cfg:       cfg,
		adapter:   adapter,
		changesCh: changesCh,
		status:    vmcp.StatusDisconnected,
	}
}

// Status returns the session's current state.
func (s *Session) Status() vmcp.BackendStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Capabilities returns a snapshot of the last-loaded tools/resources/prompts.
func (s *Session) Capabilities() vmcp.Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities
}

// LastError returns the most recent error and when it occurred.
func (s *Session) LastError() (error, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError, s.lastErrorAt
}

func (s *Session) setStatus(status vmcp.BackendStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.notify(ChangeStatus)
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.status = vmcp.StatusError
	s.lastError = err
	s.lastErrorAt = time.Now()
	s.mu.Unlock()
	s.notify(ChangeStatus)
}

func (s *Session) notify(kind ChangeKind) {
	if s.changesCh == nil {
		return
	}
	select {
	case s.changesCh <- ChangeEvent{BackendID: s.cfg.ID, Kind: kind}:
	default:
		gwlog.Warnf("backend %s: change channel full, dropping %s notification", s.cfg.ID, kind)
	}
}

// Connect drives disconnected -> connecting -> connected, performing the MCP
// initialize handshake and parallel tools/resources/prompts discovery, per
// spec.md §4.2. On handshake failure it transitions to error; on a list
// failure it logs and continues (only transport failure fails the
// transition), per spec.md §4.2.
func (s *Session) Connect(ctx context.Context) error {
	s.setStatus(vmcp.StatusConnecting)
	s.stopPump = make(chan struct{})

	if err := s.adapter.Connect(ctx); err != nil {
		s.setError(err)
		return err
	}

	go s.pumpEvents()

	if err := s.initialize(ctx); err != nil {
		s.setError(err)
		return err
	}

	if err := s.adapter.SendNotification(ctx, "notifications/initialized", map[string]any{}); err != nil {
		gwlog.Warnf("backend %s: failed to send initialized notification: %v", s.cfg.ID, err)
	}

	s.loadAll(ctx)

	s.setStatus(vmcp.StatusConnected)
	return nil
}

func (s *Session) nextID() int64 { return s.seq.Add(1) }

func (s *Session) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"roots":    map[string]any{"listChanged": true},
			"sampling": map[string]any{},
		},
		"clientInfo": map[string]any{
			"name":    "vmcpgw",
			"version": "dev",
		},
	}
	resp, err := s.adapter.SendRequest(ctx, &transport.Request{ID: s.nextID(), Method: "initialize", Params: params})
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindProtocol, "initialize handshake failed", err)
	}
	if resp.Error != nil {
		return gwerrors.New(gwerrors.KindProtocol, "initialize error: "+resp.Error.Message)
	}

	var result struct {
		Capabilities map[string]json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return gwerrors.Wrap(gwerrors.KindProtocol, "parse initialize result", err)
	}

	caps := make(map[string]bool)
	for _, name := range []string{"tools", "resources", "prompts"} {
		if _, ok := result.Capabilities[name]; ok {
			caps[name] = true
		}
	}
	s.mu.Lock()
	s.serverCaps = caps
	s.mu.Unlock()
	return nil
}

// loadAll issues tools/list, resources/list, prompts/list for whichever
// capabilities the peer advertised, each missing capability silently
// skipped, per spec.md §4.2. List failures are logged, not fatal.
func (s *Session) loadAll(ctx context.Context) {
	s.mu.RLock()
	caps := s.serverCaps
	s.mu.RUnlock()

	var wg sync.WaitGroup
	if caps["tools"] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.loadTools(ctx); err != nil {
				gwlog.Warnf("backend %s: loadTools failed: %v", s.cfg.ID, err)
			}
		}()
	}
	if caps["resources"] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.loadResources(ctx); err != nil {
				gwlog.Warnf("backend %s: loadResources failed: %v", s.cfg.ID, err)
			}
		}()
	}
	if caps["prompts"] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.loadPrompts(ctx); err != nil {
				gwlog.Warnf("backend %s: loadPrompts failed: %v", s.cfg.ID, err)
			}
		}()
	}
	wg.Wait()
}

// PublicToolName applies the backend's prefix to a raw tool name, per
// spec.md §4.2 tool-name prefix rewriting (property P4).
func (s *Session) PublicToolName(raw string) string {
	if s.cfg.ToolPrefix == "" {
		return raw
	}
	return s.cfg.ToolPrefix + "_" + raw
}

// RawToolName recovers the backend-native name from a public name.
func (s *Session) RawToolName(public string) string {
	if s.cfg.ToolPrefix == "" {
		return public
	}
	prefix := s.cfg.ToolPrefix + "_"
	if strings.HasPrefix(public, prefix) {
		return strings.TrimPrefix(public, prefix)
	}
	return public
}

func (s *Session) loadTools(ctx context.Context) error {
	resp, err := s.adapter.SendRequest(ctx, &transport.Request{ID: s.nextID(), Method: "tools/list", Params: map[string]any{}})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("tools/list error: %s", resp.Error.Message)
	}
	var result struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return err
	}
	tools := make([]vmcp.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, vmcp.Tool{
			Name:        s.PublicToolName(t.Name),
			RawName:     t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			BackendID:   s.cfg.ID,
		})
	}
	s.mu.Lock()
	s.capabilities.Tools = tools
	s.mu.Unlock()
	s.notify(ChangeTools)
	return nil
}

func (s *Session) loadResources(ctx context.Context) error {
	resp, err := s.adapter.SendRequest(ctx, &transport.Request{ID: s.nextID(), Method: "resources/list", Params: map[string]any{}})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("resources/list error: %s", resp.Error.Message)
	}
	var result struct {
		Resources []struct {
			URI         string `json:"uri"`
			Name        string `json:"name"`
			Description string `json:"description"`
			MimeType    string `json:"mimeType"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return err
	}
	resources := make([]vmcp.Resource, 0, len(result.Resources))
	for _, r := range result.Resources {
		resources = append(resources, vmcp.Resource{
			URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeType, BackendID: s.cfg.ID,
		})
	}
	s.mu.Lock()
	s.capabilities.Resources = resources
	s.mu.Unlock()
	s.notify(ChangeResources)
	return nil
}

func (s *Session) loadPrompts(ctx context.Context) error {
	resp, err := s.adapter.SendRequest(ctx, &transport.Request{ID: s.nextID(), Method: "prompts/list", Params: map[string]any{}})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("prompts/list error: %s", resp.Error.Message)
	}
	var result struct {
		Prompts []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Arguments   []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
				Required    bool   `json:"required"`
			} `json:"arguments"`
		} `json:"prompts"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return err
	}
	prompts := make([]vmcp.Prompt, 0, len(result.Prompts))
	for _, p := range result.Prompts {
		args := make([]vmcp.PromptArgument, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, vmcp.PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required})
		}
		prompts = append(prompts, vmcp.Prompt{
			Name: s.PublicToolName(p.Name), RawName: p.Name, Description: p.Description, Arguments: args, BackendID: s.cfg.ID,
		})
	}
	s.mu.Lock()
	s.capabilities.Prompts = prompts
	s.mu.Unlock()
	s.notify(ChangePrompts)
	return nil
}

// CallTool issues an MCP tools/call for rawName (the backend-native name)
// with args, returning the raw JSON result.
func (s *Session) CallTool(ctx context.Context, rawName string, args map[string]any) (json.RawMessage, error) {
	resp, err := s.adapter.SendRequest(ctx, &transport.Request{
		ID:     s.nextID(),
		Method: "tools/call",
		Params: map[string]any{"name": rawName, "arguments": args},
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/call error: %s", resp.Error.Message)
	}
	return resp.Result, nil
}

// ReadResource issues an MCP resources/read for uri.
func (s *Session) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	resp, err := s.adapter.SendRequest(ctx, &transport.Request{
		ID: s.nextID(), Method: "resources/read", Params: map[string]any{"uri": uri},
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("resources/read error: %s", resp.Error.Message)
	}
	return resp.Result, nil
}

// GetPrompt issues an MCP prompts/get for rawName with args.
func (s *Session) GetPrompt(ctx context.Context, rawName string, args map[string]any) (json.RawMessage, error) {
	resp, err := s.adapter.SendRequest(ctx, &transport.Request{
		ID: s.nextID(), Method: "prompts/get", Params: map[string]any{"name": rawName, "arguments": args},
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("prompts/get error: %s", resp.Error.Message)
	}
	return resp.Result, nil
}

// pumpEvents consumes the adapter's event stream, reloading lists on
// server-originated change notifications and forwarding terminal events as
// status transitions, per spec.md §4.2.
func (s *Session) pumpEvents() {
	for ev := range s.adapter.Events() {
		switch ev.Kind {
		case transport.EventDisconnected:
			s.setStatus(vmcp.StatusDisconnected)
		case transport.EventError:
			s.setError(ev.Err)
		case transport.EventToolsChanged:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EffectiveRequestTimeout())
			if err := s.loadTools(ctx); err != nil {
				gwlog.Warnf("backend %s: reload tools after change notification failed: %v", s.cfg.ID, err)
			}
			cancel()
		case transport.EventResourcesChanged:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EffectiveRequestTimeout())
			if err := s.loadResources(ctx); err != nil {
				gwlog.Warnf("backend %s: reload resources after change notification failed: %v", s.cfg.ID, err)
			}
			cancel()
		case transport.EventPromptsChanged:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EffectiveRequestTimeout())
			if err := s.loadPrompts(ctx); err != nil {
				gwlog.Warnf("backend %s: reload prompts after change notification failed: %v", s.cfg.ID, err)
			}
			cancel()
		}
	}
}

// Disconnect voluntarily tears the session down.
func (s *Session) Disconnect() error {
	err := s.adapter.Disconnect()
	s.setStatus(vmcp.StatusDisconnected)
	return err
}
