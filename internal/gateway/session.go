// Package gateway implements the upstream-facing MCP server: the single
// JSON-RPC endpoint AI assistants connect to, backed by the aggregated
// capabilities of every backend the supervisor manages.
package gateway

import (
	"sync"
	"time"

	"github.com/stacklok/vmcpgw/internal/gwlog"
	"github.com/stacklok/vmcpgw/internal/sessioncontext"
)

// DefaultSessionIdleTimeout is how long an upstream session may sit idle
// before its per-session state (dedup cache, context tracker) is reclaimed.
const DefaultSessionIdleTimeout = 30 * time.Minute

// minSweepInterval bounds how often the idle sweep runs regardless of how
// small the configured idle timeout is.
const minSweepInterval = time.Second

// UpstreamSession holds everything scoped to one client connection: the
// dedup/context-budget state from internal/sessioncontext, plus liveness
// bookkeeping for idle reclamation.
type UpstreamSession struct {
	mu           sync.Mutex
	ID           string
	Context      *sessioncontext.SessionContext
	Tracker      *sessioncontext.ContextTracker
	Schemas      *sessioncontext.SchemaDeduplicator
	Deltas       *sessioncontext.DeltaResponseManager
	sentSchemas  map[string]bool
	lastActivity time.Time
}

func newUpstreamSession(id string, tokenLimit int) *UpstreamSession {
	return &UpstreamSession{
		ID:           id,
		Context:      sessioncontext.NewSessionContext(),
		Tracker:      sessioncontext.NewContextTracker(tokenLimit),
		Schemas:      sessioncontext.NewSchemaDeduplicator(),
		Deltas:       sessioncontext.NewDeltaResponseManager(256, time.Hour),
		sentSchemas:  make(map[string]bool),
		lastActivity: time.Now(),
	}
}

// DeduplicatedSchema returns toolName's input schema, or a {$schemaRef}
// reference if this session has already been sent that exact schema
// (by content digest) earlier in the conversation, per spec.md §4.6/P9.
func (s *UpstreamSession) DeduplicatedSchema(toolName string, schema map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Schemas.GetDeduplicated(toolName, schema, s.sentSchemas)
}

// Touch records activity, keeping the session alive for another idle window.
func (s *UpstreamSession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

func (s *UpstreamSession) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// SessionManager tracks one UpstreamSession per connected client and
// periodically sweeps sessions that have been idle past idleTimeout.
//
// Grounded on the teacher pack's session-registry cleanup loop: a ticker at
// half the idle timeout (floored at minSweepInterval) removing expired
// entries under a single lock pass.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[string]*UpstreamSession
	idleTimeout time.Duration
	tokenLimit  int
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewSessionManager starts the background idle sweep immediately.
func NewSessionManager(idleTimeout time.Duration, tokenLimit int) *SessionManager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultSessionIdleTimeout
	}
	sm := &SessionManager{
		sessions:    make(map[string]*UpstreamSession),
		idleTimeout: idleTimeout,
		tokenLimit:  tokenLimit,
		stop:        make(chan struct{}),
	}
	go sm.sweepLoop()
	return sm
}

// GetOrCreate returns the session for id, creating it on first sight.
func (sm *SessionManager) GetOrCreate(id string) *UpstreamSession {
	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if ok {
		s.Touch()
		return s
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[id]; ok {
		s.Touch()
		return s
	}
	s = newUpstreamSession(id, sm.tokenLimit)
	sm.sessions[id] = s
	return s
}

// Delete removes a session immediately, e.g. on explicit disconnect.
func (sm *SessionManager) Delete(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, id)
}

// Count returns the number of tracked sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Stop halts the background sweep. Safe to call more than once.
func (sm *SessionManager) Stop() {
	sm.stopOnce.Do(func() { close(sm.stop) })
}

func (sm *SessionManager) sweepLoop() {
	interval := sm.idleTimeout / 2
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sm.sweep()
		case <-sm.stop:
			return
		}
	}
}

func (sm *SessionManager) sweep() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, s := range sm.sessions {
		if s.idleSince(now) > sm.idleTimeout {
			delete(sm.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		gwlog.Infof("gateway: reclaimed %d idle session(s)", removed)
	}
}
