package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/vmcpgw/internal/gwerrors"
	"github.com/stacklok/vmcpgw/internal/gwlog"
	"github.com/stacklok/vmcpgw/internal/router"
	"github.com/stacklok/vmcpgw/internal/transport"
	"github.com/stacklok/vmcpgw/pkg/vmcp"
)

// reconnect backoff bounds, per spec.md §4.4 property P7:
// delay = min(1000 * 2^(attempt-1), 30000) milliseconds.
const (
	reconnectBaseMillis = 1000
	reconnectCapMillis  = 30000
)

func reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	millis := reconnectBaseMillis
	for i := 1; i < attempt; i++ {
		millis *= 2
		if millis >= reconnectCapMillis {
			millis = reconnectCapMillis
			break
		}
	}
	if millis > reconnectCapMillis {
		millis = reconnectCapMillis
	}
	return time.Duration(millis) * time.Millisecond
}

// entry bundles everything the supervisor owns for one configured backend:
// its session, semaphore, circuit breaker, and reconnect bookkeeping.
type entry struct {
	cfg     vmcp.BackendConfig
	session *Session
	sem     *Semaphore
	breaker *CircuitBreaker

	mu            sync.Mutex
	reconnectAttn int
	cancelWatch   context.CancelFunc
}

// Supervisor owns the set of configured backends (L4): it drives each
// session's lifecycle, supervises reconnect with exponential backoff,
// recomputes the aggregate routing table on every capability change, and
// dispatches tool/resource/prompt calls through each backend's semaphore,
// per spec.md §4.4.
type Supervisor struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	routing  *vmcp.RoutingTable
	changeCh chan ChangeEvent

	onRoutingChanged func()

	dialer   Dialer
	resolver router.ToolResolver
}

// Dialer constructs a transport.Adapter for a backend configuration. Kept as
// an interface so tests can substitute fake adapters without touching real
// processes or sockets.
type Dialer interface {
	Dial(cfg vmcp.BackendConfig) (transport.Adapter, error)
}

// DialerFunc adapts a plain function to the Dialer interface.
type DialerFunc func(cfg vmcp.BackendConfig) (transport.Adapter, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(cfg vmcp.BackendConfig) (transport.Adapter, error) { return f(cfg) }

// DefaultDialer builds the real transport.Adapter matching cfg.Transport.
func DefaultDialer(cfg vmcp.BackendConfig) (transport.Adapter, error) {
	switch cfg.Transport {
	case vmcp.TransportChildProcess:
		if cfg.ChildProcess == nil {
			return nil, gwerrors.New(gwerrors.KindConfig, "childProcess transport missing descriptor")
		}
		return transport.NewChildProcessAdapter(cfg.ChildProcess.Command, cfg.ChildProcess.Args, cfg.ChildProcess.Cwd, cfg.ChildProcess.Env), nil
	case vmcp.TransportHTTP:
		if cfg.HTTP == nil {
			return nil, gwerrors.New(gwerrors.KindConfig, "http transport missing descriptor")
		}
		return transport.NewHTTPPostAdapter(cfg.HTTP.URL, cfg.HTTP.Headers, cfg.MaxRetries), nil
	case vmcp.TransportSSEHandshake:
		if cfg.SSEHandshake == nil {
			return nil, gwerrors.New(gwerrors.KindConfig, "sseHandshake transport missing descriptor")
		}
		return transport.NewSSEHandshakeAdapter(cfg.SSEHandshake.URL, cfg.SSEHandshake.Headers), nil
	default:
		return nil, gwerrors.New(gwerrors.KindConfig, fmt.Sprintf("unknown transport %q", cfg.Transport))
	}
}

// NewSupervisor constructs a supervisor using dialer to build transport
// adapters and resolver to settle tool-name conflicts across backends at
// aggregation time (spec.md §4.5). If dialer is nil, DefaultDialer is used;
// if resolver is nil, a PrefixResolver is used (structural no-conflict
// default).
func NewSupervisor(dialer Dialer, resolver router.ToolResolver) *Supervisor {
	if dialer == nil {
		dialer = DialerFunc(DefaultDialer)
	}
	if resolver == nil {
		resolver = router.NewPrefixResolver()
	}
	return &Supervisor{
		entries:  make(map[string]*entry),
		routing:  vmcp.NewRoutingTable(),
		changeCh: make(chan ChangeEvent, 256),
		dialer:   dialer,
		resolver: resolver,
	}
}

// OnRoutingChanged registers a callback invoked whenever the aggregate
// routing table is recomputed. Typically wired to the router/gateway layer
// so it can push list-changed notifications upstream.
func (sv *Supervisor) OnRoutingChanged(fn func()) { sv.onRoutingChanged = fn }

// Start launches the change-event pump. Call once after construction.
func (sv *Supervisor) Start(ctx context.Context) {
	go sv.pumpChanges(ctx)
}

func (sv *Supervisor) pumpChanges(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sv.changeCh:
			sv.handleChange(ctx, ev)
		}
	}
}

func (sv *Supervisor) handleChange(ctx context.Context, ev ChangeEvent) {
	sv.mu.RLock()
	e, ok := sv.entries[ev.BackendID]
	sv.mu.RUnlock()
	if !ok {
		return
	}

	switch ev.Kind {
	case ChangeStatus:
		status := e.session.Status()
		switch status {
		case vmcp.StatusConnected:
			e.breaker.RecordSuccess()
			e.sem.Reopen()
			sv.resetReconnectAttempts(ev.BackendID)
		case vmcp.StatusDisconnected, vmcp.StatusError:
			e.breaker.RecordFailure()
			e.sem.Close(ev.BackendID)
			sv.scheduleReconnect(ctx, ev.BackendID)
		}
	}

	sv.recomputeRouting()
}

func (sv *Supervisor) resetReconnectAttempts(backendID string) {
	sv.mu.RLock()
	e, ok := sv.entries[backendID]
	sv.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.reconnectAttn = 0
	e.mu.Unlock()
}

// scheduleReconnect arranges a single delayed reconnect attempt using the
// exponential-backoff formula of spec.md §4.4 P7. Superseded by a prior
// pending attempt's cancellation if one is already in flight.
func (sv *Supervisor) scheduleReconnect(ctx context.Context, backendID string) {
	sv.mu.RLock()
	e, ok := sv.entries[backendID]
	sv.mu.RUnlock()
	if !ok {
		return
	}
	if !e.cfg.Enabled {
		return
	}
	if !e.breaker.CanAttempt() {
		gwlog.Infof("backend %s: circuit breaker open, skipping reconnect attempt", backendID)
		return
	}

	e.mu.Lock()
	if e.cancelWatch != nil {
		e.cancelWatch()
	}
	watchCtx, cancel := context.WithCancel(ctx)
	e.cancelWatch = cancel
	e.reconnectAttn++
	attempt := e.reconnectAttn
	e.mu.Unlock()

	delay := reconnectDelay(attempt)
	gwlog.Infof("backend %s: scheduling reconnect attempt %d in %s", backendID, attempt, delay)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-watchCtx.Done():
			return
		case <-timer.C:
		}
		if err := e.session.Connect(watchCtx); err != nil {
			gwlog.Warnf("backend %s: reconnect attempt %d failed: %v", backendID, attempt, err)
		}
	}()
}

// Add registers a new backend, dials its transport, and (if enabled)
// connects it. The session's lifecycle events feed back into the
// supervisor's change channel for routing-table maintenance.
func (sv *Supervisor) Add(ctx context.Context, cfg vmcp.BackendConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	sv.mu.Lock()
	if _, exists := sv.entries[cfg.ID]; exists {
		sv.mu.Unlock()
		return gwerrors.New(gwerrors.KindConfig, fmt.Sprintf("backend %q already registered", cfg.ID))
	}

	adapter, err := sv.dialer.Dial(cfg)
	if err != nil {
		sv.mu.Unlock()
		return err
	}

	session := NewSession(cfg, adapter, sv.changeCh)
	e := &entry{
		cfg:     cfg,
		session: session,
		sem:     NewSemaphore(cfg.EffectiveMaxConcurrent()),
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}
	sv.entries[cfg.ID] = e
	sv.mu.Unlock()

	sv.recomputeRouting()

	if !cfg.Enabled {
		return nil
	}
	if err := session.Connect(ctx); err != nil {
		gwlog.Warnf("backend %s: initial connect failed, will retry: %v", cfg.ID, err)
	}
	return nil
}

// Remove disconnects and forgets a backend entirely.
func (sv *Supervisor) Remove(backendID string) error {
	sv.mu.Lock()
	e, ok := sv.entries[backendID]
	if !ok {
		sv.mu.Unlock()
		return gwerrors.New(gwerrors.KindConfig, fmt.Sprintf("backend %q not registered", backendID))
	}
	delete(sv.entries, backendID)
	sv.mu.Unlock()

	e.mu.Lock()
	if e.cancelWatch != nil {
		e.cancelWatch()
	}
	e.mu.Unlock()
	e.sem.Close(backendID)
	_ = e.session.Disconnect()

	sv.recomputeRouting()
	return nil
}

// Disable stops a backend without forgetting its configuration.
func (sv *Supervisor) Disable(backendID string) error {
	sv.mu.RLock()
	e, ok := sv.entries[backendID]
	sv.mu.RUnlock()
	if !ok {
		return gwerrors.New(gwerrors.KindConfig, fmt.Sprintf("backend %q not registered", backendID))
	}
	e.cfg.Enabled = false
	e.mu.Lock()
	if e.cancelWatch != nil {
		e.cancelWatch()
		e.cancelWatch = nil
	}
	e.mu.Unlock()
	e.sem.Close(backendID)
	_ = e.session.Disconnect()
	sv.recomputeRouting()
	return nil
}

// Enable (re)starts a disabled backend.
func (sv *Supervisor) Enable(ctx context.Context, backendID string) error {
	sv.mu.RLock()
	e, ok := sv.entries[backendID]
	sv.mu.RUnlock()
	if !ok {
		return gwerrors.New(gwerrors.KindConfig, fmt.Sprintf("backend %q not registered", backendID))
	}
	e.cfg.Enabled = true
	e.sem.Reopen()
	return e.session.Connect(ctx)
}

// Status reports the health of every registered backend, keyed by ID, for
// diagnostic surfaces: BackendHealthy while connected, otherwise the
// circuit breaker's health status.
func (sv *Supervisor) Status() map[string]vmcp.BackendHealthStatus {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	out := make(map[string]vmcp.BackendHealthStatus, len(sv.entries))
	for id, e := range sv.entries {
		if e.session.Status() == vmcp.StatusConnected {
			out[id] = vmcp.BackendHealthy
		} else {
			out[id] = e.breaker.HealthStatus()
		}
	}
	return out
}

// RoutingSnapshot returns the current aggregate routing table. Callers must
// not mutate the returned value.
func (sv *Supervisor) RoutingSnapshot() *vmcp.RoutingTable {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return sv.routing
}

// ToolNames returns the public names of every tool currently reachable
// through the aggregate routing table, for callers (the sandboxed code
// executor) that need to enumerate the catalog rather than dispatch a
// specific call.
func (sv *Supervisor) ToolNames() []string {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	names := make([]string, 0, len(sv.routing.Tools))
	for name := range sv.routing.Tools {
		names = append(names, name)
	}
	return names
}

// recomputeRouting rebuilds the aggregate routing table atomically from
// every connected backend's current capabilities, delegating tool-name
// conflict resolution to the configured router.ToolResolver, see spec.md §3
// "Routing maps", §4.5, and property P5 (atomic visibility of the new table
// to readers).
func (sv *Supervisor) recomputeRouting() {
	sv.mu.RLock()
	entries := make([]*entry, 0, len(sv.entries))
	for _, e := range sv.entries {
		entries = append(entries, e)
	}
	resolver := sv.resolver
	sv.mu.RUnlock()

	snapshots := make([]router.BackendCapabilities, 0, len(entries))
	for _, e := range entries {
		if e.session.Status() != vmcp.StatusConnected {
			continue
		}
		caps := e.session.Capabilities()
		snapshots = append(snapshots, router.BackendCapabilities{
			BackendID: e.cfg.ID,
			Tools:     caps.Tools,
			Resources: caps.Resources,
			Prompts:   caps.Prompts,
		})
	}

	agg := router.NewAggregator(resolver)
	table, _, err := agg.BuildRoutingTable(context.Background(), snapshots)
	if err != nil {
		gwlog.Warnf("supervisor: routing table rebuild rejected by conflict resolver: %v", err)
		return
	}

	sv.mu.Lock()
	sv.routing = table
	sv.mu.Unlock()

	if sv.onRoutingChanged != nil {
		sv.onRoutingChanged()
	}
}

// AggregatedCapabilities returns the union of tools/resources/prompts across
// every connected backend, in no particular order.
func (sv *Supervisor) AggregatedCapabilities() vmcp.Capabilities {
	sv.mu.RLock()
	entries := make([]*entry, 0, len(sv.entries))
	for _, e := range sv.entries {
		entries = append(entries, e)
	}
	sv.mu.RUnlock()

	var out vmcp.Capabilities
	for _, e := range entries {
		if e.session.Status() != vmcp.StatusConnected {
			continue
		}
		caps := e.session.Capabilities()
		out.Tools = append(out.Tools, caps.Tools...)
		out.Resources = append(out.Resources, caps.Resources...)
		out.Prompts = append(out.Prompts, caps.Prompts...)
	}
	return out
}

// callTool resolves target through a connected backend's session, guarded
// by that backend's dispatch semaphore and circuit breaker, per spec.md §4.4.
func (sv *Supervisor) callTool(ctx context.Context, target *vmcp.BackendTarget, args map[string]any) (json.RawMessage, error) {
	sv.mu.RLock()
	e, ok := sv.entries[target.BackendID]
	sv.mu.RUnlock()
	if !ok {
		return nil, gwerrors.RouteNotFound(target.RawName)
	}
	if e.session.Status() != vmcp.StatusConnected {
		return nil, gwerrors.BackendNotConnected(target.BackendID)
	}

	if err := e.sem.Acquire(target.BackendID); err != nil {
		return nil, err
	}
	defer e.sem.Release()

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.EffectiveRequestTimeout())
	defer cancel()

	result, err := e.session.CallTool(reqCtx, target.RawName, args)
	if err != nil {
		e.breaker.RecordFailure()
		return nil, gwerrors.Wrap(gwerrors.KindTransport, "tool call failed", err)
	}
	e.breaker.RecordSuccess()
	return result, nil
}

// CallTool dispatches a single tool call by its public (possibly prefixed)
// name, resolving it through the current routing table.
func (sv *Supervisor) CallTool(ctx context.Context, publicName string, args map[string]any) (json.RawMessage, error) {
	sv.mu.RLock()
	target, ok := sv.routing.Tools[publicName]
	sv.mu.RUnlock()
	if !ok {
		return nil, gwerrors.RouteNotFound(publicName)
	}
	return sv.callTool(ctx, target, args)
}

// ReadResource dispatches a resource read by URI.
func (sv *Supervisor) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	sv.mu.RLock()
	target, ok := sv.routing.Resources[uri]
	sv.mu.RUnlock()
	if !ok {
		return nil, gwerrors.RouteNotFound(uri)
	}
	sv.mu.RLock()
	e, ok := sv.entries[target.BackendID]
	sv.mu.RUnlock()
	if !ok {
		return nil, gwerrors.RouteNotFound(uri)
	}
	if e.session.Status() != vmcp.StatusConnected {
		return nil, gwerrors.BackendNotConnected(target.BackendID)
	}
	if err := e.sem.Acquire(target.BackendID); err != nil {
		return nil, err
	}
	defer e.sem.Release()
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.EffectiveRequestTimeout())
	defer cancel()
	return e.session.ReadResource(reqCtx, target.RawName)
}

// GetPrompt dispatches a prompt fetch by public name.
func (sv *Supervisor) GetPrompt(ctx context.Context, publicName string, args map[string]any) (json.RawMessage, error) {
	sv.mu.RLock()
	target, ok := sv.routing.Prompts[publicName]
	sv.mu.RUnlock()
	if !ok {
		return nil, gwerrors.RouteNotFound(publicName)
	}
	sv.mu.RLock()
	e, ok := sv.entries[target.BackendID]
	sv.mu.RUnlock()
	if !ok {
		return nil, gwerrors.RouteNotFound(publicName)
	}
	if e.session.Status() != vmcp.StatusConnected {
		return nil, gwerrors.BackendNotConnected(target.BackendID)
	}
	if err := e.sem.Acquire(target.BackendID); err != nil {
		return nil, err
	}
	defer e.sem.Release()
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.EffectiveRequestTimeout())
	defer cancel()
	return e.session.GetPrompt(reqCtx, target.RawName, args)
}

// ToolCallRequest batches one call for CallToolsParallel/CallToolsConcurrent.
type ToolCallRequest struct {
	PublicName string
	Args       map[string]any
}

// ToolCallResult is the outcome of one batched tool call.
type ToolCallResult struct {
	PublicName string
	Result     json.RawMessage
	Err        error
}

// CallToolsParallel dispatches every request to its distinct backend
// concurrently, bounded only by each backend's own semaphore, and waits for
// all to complete, per spec.md §4.4 "independent backends never serialize".
func (sv *Supervisor) CallToolsParallel(ctx context.Context, reqs []ToolCallRequest) []ToolCallResult {
	results := make([]ToolCallResult, len(reqs))
	var g errgroup.Group
	for i, r := range reqs {
		i, r := i, r
		g.Go(func() error {
			res, err := sv.CallTool(ctx, r.PublicName, r.Args)
			results[i] = ToolCallResult{PublicName: r.PublicName, Result: res, Err: err}
			return nil // every request must run to completion regardless of siblings
		})
	}
	_ = g.Wait()
	return results
}

// CallToolsConcurrent is like CallToolsParallel but bounded by a one-off,
// gateway-level Semaphore with capacity n, using the identical FIFO-fair
// slot-transfer semantics as the per-backend semaphore (§4.3), for callers
// that want to cap overall fan-out rather than rely on each backend's own
// per-backend limit. Every request completes independently at its original
// index regardless of completion order or of another request's failure —
// one failing call never cancels the others.
func (sv *Supervisor) CallToolsConcurrent(ctx context.Context, reqs []ToolCallRequest, n int) []ToolCallResult {
	sem := NewSemaphore(n)
	results := make([]ToolCallResult, len(reqs))
	var wg sync.WaitGroup
	for i, r := range reqs {
		wg.Add(1)
		go func(i int, r ToolCallRequest) {
			defer wg.Done()
			if err := sem.Acquire("gateway-fanout"); err != nil {
				results[i] = ToolCallResult{PublicName: r.PublicName, Err: err}
				return
			}
			defer sem.Release()
			res, err := sv.CallTool(ctx, r.PublicName, r.Args)
			results[i] = ToolCallResult{PublicName: r.PublicName, Result: res, Err: err}
		}(i, r)
	}
	wg.Wait()
	return results
}

// Shutdown disconnects every backend and stops accepting new change events.
func (sv *Supervisor) Shutdown() {
	sv.mu.Lock()
	entries := make([]*entry, 0, len(sv.entries))
	for _, e := range sv.entries {
		entries = append(entries, e)
	}
	sv.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.cancelWatch != nil {
			e.cancelWatch()
		}
		e.mu.Unlock()
		e.sem.Close(e.cfg.ID)
		_ = e.session.Disconnect()
	}
}
