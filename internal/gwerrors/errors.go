// Package gwerrors enumerates the gateway's error taxonomy (spec.md §7) and
// maps it onto the JSON-RPC 2.0 error codes the upstream protocol handler
// returns to callers.
package gwerrors

import "fmt"

// JSON-RPC 2.0 error codes used by the upstream protocol handler, see
// spec.md §6.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Kind classifies an error into the taxonomy of spec.md §7.
type Kind string

// Error kinds.
const (
	KindConfig             Kind = "config"
	KindTransport          Kind = "transport"
	KindProtocol           Kind = "protocol"
	KindTimeout            Kind = "timeout"
	KindRoute              Kind = "route"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindSandbox            Kind = "sandbox"
	KindContextOverflow    Kind = "context_overflow"
	KindDisconnect         Kind = "disconnect"
)

// Error is a taxonomy-tagged error carrying enough context to be rendered as
// a JSON-RPC error response or logged with structure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/As to see through to the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// New builds a taxonomy error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a taxonomy error around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// JSONRPCCode maps an error kind to the JSON-RPC 2.0 code the upstream
// protocol handler (L7) should report, per spec.md §6/§7.
func (e *Error) JSONRPCCode() int {
	switch e.Kind {
	case KindRoute:
		return CodeMethodNotFound
	case KindConfig, KindProtocol:
		return CodeInvalidParams
	default:
		return CodeInternalError
	}
}

// RouteNotFound reports an unknown tool/resource/prompt name (spec.md §7 kind 5).
func RouteNotFound(name string) *Error {
	return New(KindRoute, fmt.Sprintf("no route for %q", name))
}

// BackendNotConnected reports a known but unavailable backend (spec.md §7 kind 6).
func BackendNotConnected(backendID string) *Error {
	return New(KindBackendUnavailable, fmt.Sprintf("backend %q not connected", backendID))
}

// RequestTimeout reports an expired request (spec.md §7 kind 4).
func RequestTimeout(backendID string) *Error {
	return New(KindTimeout, fmt.Sprintf("request to backend %q timed out", backendID))
}

// Disconnected reports a request failed because its backend disconnected
// mid-flight (spec.md §4.3 "backend disconnected").
func Disconnected(backendID string) *Error {
	return New(KindDisconnect, fmt.Sprintf("backend %q disconnected", backendID))
}
