// Package auditlog defines the contract the gateway uses to record
// completed backend calls. A real audit backend (structured log shipper,
// SIEM forwarder) is out of scope; this package carries the interface and a
// default implementation so the gateway is useful standalone with no sink
// configured, matching the teacher's own pkg/audit default-config behavior.
package auditlog

import (
	"context"
	"time"

	"github.com/stacklok/vmcpgw/internal/gwlog"
)

// Target kind an Event describes, mirroring the teacher's MCP target types.
const (
	TargetTool     = "tool"
	TargetResource = "resource"
	TargetPrompt   = "prompt"
)

// Event is one completed backend dispatch: a tool call, resource read, or
// prompt retrieval, with enough detail to reconstruct what happened and how
// long it took without requiring the sink to understand MCP semantics.
type Event struct {
	Target         string // TargetTool, TargetResource, or TargetPrompt
	Name           string // public tool/prompt name, or resource URI
	BackendID      string
	SessionID      string
	CallerSubject  string // authcontext.Identity.Subject, if the request carried one
	DurationMillis int64
	Success        bool
	Error          string
	Timestamp      time.Time
}

// Sink records audit events. Implementations must not block the caller for
// long; a slow sink should buffer internally or drop events rather than
// stall tool dispatch.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// LoggingSink is the default Sink: it writes one structured log line per
// event via internal/gwlog. It never returns an error and never blocks on
// I/O beyond what the logger itself does.
type LoggingSink struct{}

// NewLoggingSink returns a LoggingSink.
func NewLoggingSink() *LoggingSink { return &LoggingSink{} }

// Record logs ev at info level on success, warn level on failure.
func (*LoggingSink) Record(_ context.Context, ev Event) {
	if ev.Success {
		gwlog.Infow("audit: call completed",
			"target", ev.Target,
			"name", ev.Name,
			"backendId", ev.BackendID,
			"sessionId", ev.SessionID,
			"callerSubject", ev.CallerSubject,
			"durationMillis", ev.DurationMillis,
		)
		return
	}
	gwlog.Warnw("audit: call failed",
		"target", ev.Target,
		"name", ev.Name,
		"backendId", ev.BackendID,
		"sessionId", ev.SessionID,
		"durationMillis", ev.DurationMillis,
		"error", ev.Error,
	)
}

// NopSink discards every event, for tests and deployments with auditing
// disabled entirely.
type NopSink struct{}

// Record does nothing.
func (NopSink) Record(context.Context, Event) {}
