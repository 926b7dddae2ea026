// Package config loads and validates the gateway's YAML configuration file:
// the backend list, aggregation policy, session/context-budget tuning, and
// audit settings.
package config

import (
	"fmt"
	"time"

	"github.com/stacklok/vmcpgw/pkg/vmcp"
)

// Config is the root of the gateway's configuration file.
type Config struct {
	Name      string `yaml:"name"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Transport string `yaml:"transport"` // "stdio" or "http", defaults to "http"

	Backends    []BackendConfig    `yaml:"backends"`
	Aggregation *AggregationConfig `yaml:"aggregation"`
	Session     *SessionConfig     `yaml:"session"`
	Audit       *AuditConfig       `yaml:"audit"`
}

// BackendConfig is one entry in the backends list. Transport is a
// discriminated union, much like vmcp.BackendConfig itself: exactly one of
// ChildProcess/HTTP/SSEHandshake should be populated, matching Transport.
type BackendConfig struct {
	ID      string `yaml:"id"`
	Enabled *bool  `yaml:"enabled"`

	Transport string `yaml:"transport"`

	ChildProcess *ChildProcessTransportConfig `yaml:"child_process"`
	HTTP         *HTTPTransportConfig         `yaml:"http"`
	SSEHandshake *SSEHandshakeTransportConfig `yaml:"sse_handshake"`

	ToolPrefix     string `yaml:"tool_prefix"`
	RequestTimeout string `yaml:"request_timeout"`
	MaxRetries     int    `yaml:"max_retries"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
}

// ChildProcessTransportConfig configures a backend spawned as a child
// process speaking newline-delimited JSON-RPC over stdio.
type ChildProcessTransportConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Cwd     string            `yaml:"cwd"`
	Env     map[string]string `yaml:"env"`
}

// HTTPTransportConfig configures a backend reached over HTTP POST.
type HTTPTransportConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// SSEHandshakeTransportConfig configures a backend reached via an SSE
// handshake followed by POST.
type SSEHandshakeTransportConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// AggregationConfig controls how the router resolves duplicate tool/prompt
// names across backends, see pkg/vmcp's ConflictResolutionStrategy.
type AggregationConfig struct {
	ConflictResolution string   `yaml:"conflict_resolution"`
	PriorityOrder      []string `yaml:"priority_order"`
}

// SessionConfig tunes per-connection context-budget bookkeeping.
type SessionConfig struct {
	IdleTimeout          string `yaml:"idle_timeout"`
	TokenBudget          int    `yaml:"token_budget"`
	EnableMetaTools      *bool  `yaml:"enable_meta_tools"`
	EnableDeltaResponses *bool  `yaml:"enable_delta_responses"`
	EnableCodeExecution  *bool  `yaml:"enable_code_execution"`
}

// AuditConfig controls whether tool calls are recorded to the audit sink.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ToDomainBackend converts one YAML backend entry to the domain type the
// supervisor dials, applying the request-timeout duration parse.
func (b *BackendConfig) ToDomainBackend() (vmcp.BackendConfig, error) {
	out := vmcp.BackendConfig{
		ID:            b.ID,
		Enabled:       b.Enabled == nil || *b.Enabled,
		Transport:     vmcp.TransportKind(b.Transport),
		ToolPrefix:    b.ToolPrefix,
		MaxRetries:    b.MaxRetries,
		MaxConcurrent: b.MaxConcurrent,
	}
	if b.RequestTimeout != "" {
		d, err := time.ParseDuration(b.RequestTimeout)
		if err != nil {
			return out, fmt.Errorf("backend %q: invalid request_timeout: %w", b.ID, err)
		}
		out.RequestTimeout = d
	}
	if b.ChildProcess != nil {
		out.ChildProcess = &vmcp.ChildProcessTransport{
			Command: b.ChildProcess.Command,
			Args:    b.ChildProcess.Args,
			Cwd:     b.ChildProcess.Cwd,
			Env:     b.ChildProcess.Env,
		}
	}
	if b.HTTP != nil {
		out.HTTP = &vmcp.HTTPTransport{URL: b.HTTP.URL, Headers: b.HTTP.Headers}
	}
	if b.SSEHandshake != nil {
		out.SSEHandshake = &vmcp.SSEHandshakeTransport{URL: b.SSEHandshake.URL, Headers: b.SSEHandshake.Headers}
	}
	return out, nil
}

// EffectiveHost returns Host with the conventional all-interfaces default.
func (c *Config) EffectiveHost() string {
	if c.Host == "" {
		return "0.0.0.0"
	}
	return c.Host
}

// EffectivePort returns Port with the gateway's default listen port.
func (c *Config) EffectivePort() int {
	if c.Port == 0 {
		return 8080
	}
	return c.Port
}

// EffectiveSessionIdleTimeout parses Session.IdleTimeout, defaulting to 30m.
func (c *Config) EffectiveSessionIdleTimeout() (time.Duration, error) {
	const defaultIdleTimeout = 30 * time.Minute
	if c.Session == nil || c.Session.IdleTimeout == "" {
		return defaultIdleTimeout, nil
	}
	d, err := time.ParseDuration(c.Session.IdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("session.idle_timeout: invalid duration: %w", err)
	}
	return d, nil
}

// EffectiveSessionTokenBudget returns Session.TokenBudget with a 50,000
// default.
func (c *Config) EffectiveSessionTokenBudget() int {
	const defaultTokenBudget = 50_000
	if c.Session == nil || c.Session.TokenBudget <= 0 {
		return defaultTokenBudget
	}
	return c.Session.TokenBudget
}

func boolOrDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// EnableMetaTools reports whether the progressive-disclosure meta-tool
// surface should be registered, defaulting to on.
func (c *Config) EnableMetaTools() bool {
	if c.Session == nil {
		return true
	}
	return boolOrDefault(c.Session.EnableMetaTools, true)
}

// EnableDeltaResponses reports whether repeated tool-call results should be
// delta-encoded against the session's cache, defaulting to on.
func (c *Config) EnableDeltaResponses() bool {
	if c.Session == nil {
		return true
	}
	return boolOrDefault(c.Session.EnableDeltaResponses, true)
}

// EnableCodeExecution reports whether the sandboxed vmcp_execute_code
// meta-tool should be registered, defaulting to off: it carries more
// execution risk than the read/list/call meta-tool surface and should be an
// explicit opt-in.
func (c *Config) EnableCodeExecution() bool {
	if c.Session == nil {
		return false
	}
	return boolOrDefault(c.Session.EnableCodeExecution, false)
}

// EffectiveTransport returns Transport with the conventional streamable-HTTP
// default, for deployments that don't care and just want a listening port.
func (c *Config) EffectiveTransport() string {
	if c.Transport == "" {
		return "http"
	}
	return c.Transport
}
