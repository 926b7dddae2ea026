// Package sandbox executes agent-authored JavaScript snippets against a
// hardened evaluation context that exposes the aggregated tool catalog as
// callable functions. It is the code-execution counterpart to the gateway's
// meta-tool surface: instead of a client issuing one `vmcp_call_tool` per
// step, it can hand the executor a short script that calls several tools,
// combines their results, and returns a value — all inside a context with no
// access to the process, the filesystem, timers, or the dynamic-code
// machinery an ordinary goja runtime otherwise exposes.
//
// There is no teacher implementation of this layer: the aggregator this
// module is modeled on does not sandbox code execution. The design instead
// follows the hardening techniques documented for embedding goja as a
// restricted evaluator — deep-freezing the exposed surface, pinning
// constructor references to undefined, and stripping the reflective and
// timer globals goja otherwise provides.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/stacklok/vmcpgw/internal/gwerrors"
	"github.com/stacklok/vmcpgw/internal/gwlog"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultMaxOutputBytes  = 100 * 1024
	truncationNotice       = "[Output truncated...]"
	returnValuePlaceholder = "[return value omitted: exceeds output cap or is not serializable]"
)

// ToolCaller is the subset of the supervisor's API the sandbox needs: a way
// to invoke an aggregated tool by its public name and get back its raw JSON
// result. backend.Supervisor satisfies this directly.
type ToolCaller interface {
	CallTool(ctx context.Context, publicName string, args map[string]any) (json.RawMessage, error)
	ToolNames() []string
}

// Request is one code-execution invocation.
type Request struct {
	Code           string
	TimeoutMillis  int            // 0 means defaultTimeout
	MaxOutputBytes int            // 0 means defaultMaxOutputBytes
	Context        map[string]any // merged into the surface after sanitization
}

// Result is the outcome of one execution, matching the shape returned to
// the caller of the code-execution meta-tool.
type Result struct {
	Success             bool            `json:"success"`
	Output              []string        `json:"output"`
	Error               string          `json:"error,omitempty"`
	ExecutionTimeMillis int64           `json:"executionTimeMillis"`
	ReturnValue         json.RawMessage `json:"returnValue,omitempty"`
}

// Executor runs code against a fresh, hardened evaluation context per call.
// Nothing is shared across executions: each Execute builds its own goja
// runtime so one script can never observe state left behind by another.
type Executor struct {
	caller    ToolCaller
	allowlist *executionAllowlist
}

// NewExecutor returns an Executor whose exposed tool callables dispatch
// through caller, gated by the CODE_EXECUTION_* allowlist read from the
// process environment at construction time (spec.md §6).
func NewExecutor(caller ToolCaller) *Executor {
	return &Executor{caller: caller, allowlist: loadExecutionAllowlistFromEnv()}
}

var unsafeIdentifierChar = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SafeName rewrites a public tool name into a valid JavaScript identifier by
// replacing every character outside [A-Za-z0-9_] with an underscore.
func SafeName(publicName string) string {
	name := unsafeIdentifierChar.ReplaceAllString(publicName, "_")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "_" + name
	}
	return name
}

// outputSink captures console.log/warn/error/info calls into a single
// buffer, enforcing a byte cap after which a single truncation line is
// appended and further writes are dropped.
type outputSink struct {
	mu        sync.Mutex
	lines     []string
	bytes     int
	cap       int
	truncated bool
}

func newOutputSink(cap int) *outputSink {
	return &outputSink{cap: cap}
}

func (s *outputSink) write(args []goja.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.truncated {
		return
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = stringifyArg(a)
	}
	line := strings.Join(parts, " ")
	if s.bytes+len(line) > s.cap {
		s.lines = append(s.lines, truncationNotice)
		s.truncated = true
		return
	}
	s.lines = append(s.lines, line)
	s.bytes += len(line)
}

func stringifyArg(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		if b, err := json.Marshal(obj.Export()); err == nil {
			return string(b)
		}
	}
	return v.String()
}

// Execute runs req.Code in a hardened context and returns its outcome.
// Execute never returns a Go error for failures originating in the executed
// code itself (timeout, a thrown exception, a syntax error) — those
// surface as Result.Success == false, per the sandboxed-execution contract.
// Console output over the byte cap is truncated, and an oversized return
// value is replaced by a placeholder; both leave Success true.
// A non-nil error return means the executor could not even set up the
// context (a gwerrors.KindSandbox error).
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	executionID := uuid.NewString()
	timeout := defaultTimeout
	if req.TimeoutMillis > 0 {
		timeout = time.Duration(req.TimeoutMillis) * time.Millisecond
	}
	maxOutput := defaultMaxOutputBytes
	if req.MaxOutputBytes > 0 {
		maxOutput = req.MaxOutputBytes
	}

	vm := goja.New()
	sink := newOutputSink(maxOutput)
	if err := e.harden(ctx, vm, sink, req.Context); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindSandbox, "failed to prepare evaluation context", err)
	}

	program, err := goja.Compile("<sandbox>", wrapAsAsyncIIFE(req.Code), false)
	if err != nil {
		return &Result{Success: false, Output: sink.lines, Error: fmt.Sprintf("syntax error: %v", err)}, nil
	}

	type outcome struct {
		value goja.Value
		err   error
	}
	done := make(chan outcome, 1)
	started := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, runErr := vm.RunProgram(program)
		done <- outcome{value: v, err: runErr}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(timeout):
		vm.Interrupt("timeout")
		out = <-done
	case <-ctx.Done():
		vm.Interrupt("cancelled")
		out = <-done
	}
	elapsed := time.Since(started)

	gwlog.Infow("sandbox: execution finished", "executionId", executionID, "durationMillis", elapsed.Milliseconds())

	if out.err != nil {
		if _, ok := out.err.(*goja.InterruptedError); ok {
			return &Result{Success: false, Output: sink.lines, Error: "execution timed out", ExecutionTimeMillis: elapsed.Milliseconds()}, nil
		}
		return &Result{Success: false, Output: sink.lines, Error: out.err.Error(), ExecutionTimeMillis: elapsed.Milliseconds()}, nil
	}

	returnValue, settleErr := settle(out.value)
	if settleErr != "" {
		return &Result{Success: false, Output: sink.lines, Error: settleErr, ExecutionTimeMillis: elapsed.Milliseconds()}, nil
	}

	rv, truncatedReturn := exportJSON(returnValue, maxOutput)
	if truncatedReturn {
		rv, _ = json.Marshal(returnValuePlaceholder)
	}

	return &Result{
		Success:             true,
		Output:              sink.lines,
		ExecutionTimeMillis: elapsed.Milliseconds(),
		ReturnValue:         rv,
	}, nil
}

// settle resolves the Promise returned by the wrapped async IIFE. Since no
// timers or external I/O are exposed to executed code, every awaited value
// settles synchronously within the single RunProgram call; a still-pending
// promise here means the script awaited something that can never resolve.
func settle(v goja.Value) (goja.Value, string) {
	promise, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, ""
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result(), ""
	case goja.PromiseStateRejected:
		reason := promise.Result()
		return nil, fmt.Sprintf("uncaught exception: %s", stringifyArg(reason))
	default:
		return nil, "execution left a promise permanently pending"
	}
}

func exportJSON(v goja.Value, maxBytes int) (json.RawMessage, bool) {
	if v == nil || goja.IsUndefined(v) {
		return nil, false
	}
	b, err := json.Marshal(v.Export())
	if err != nil {
		return nil, true
	}
	if len(b) > maxBytes {
		return nil, true
	}
	return json.RawMessage(b), false
}

func wrapAsAsyncIIFE(code string) string {
	return "(async () => {\n" + code + "\n})()"
}
