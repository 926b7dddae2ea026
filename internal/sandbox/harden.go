package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/stacklok/vmcpgw/internal/gwerrors"
)

// dangerousGlobals are identifiers a stock goja runtime exposes that would
// let executed code escape the capability surface: dynamic-code
// constructors, reflection, byte-buffer types, and symbols. None of these
// are part of the curated utility subset, so each is pinned to undefined
// rather than merely left unused — shadowing a global in user code cannot
// bring it back.
var dangerousGlobals = []string{
	"eval",
	"Function",
	"Proxy",
	"Reflect",
	"Symbol",
	"ArrayBuffer",
	"SharedArrayBuffer",
	"DataView",
	"Int8Array", "Uint8Array", "Uint8ClampedArray",
	"Int16Array", "Uint16Array",
	"Int32Array", "Uint32Array",
	"Float32Array", "Float64Array",
	"BigInt64Array", "BigUint64Array",
	"WeakMap", "WeakSet", "WeakRef", "FinalizationRegistry",
	// Not provided by goja's default runtime, pinned anyway so a future
	// goja version adding them doesn't silently reopen the surface.
	"setTimeout", "setInterval", "setImmediate",
	"clearTimeout", "clearInterval", "clearImmediate",
	"process", "require", "global", "globalThis",
}

// harden builds the restricted evaluation context: it strips the globals
// listed above, pins every constructor-chain reference to undefined, and
// installs the tool-callable / callTool / console / context-record surface,
// freezing everything it exposes.
func (e *Executor) harden(ctx context.Context, vm *goja.Runtime, sink *outputSink, extra map[string]any) error {
	// Pin Function.prototype.constructor to undefined before Function itself
	// is removed: ({}).constructor is Object, and Object's own prototype
	// chain ends at Function.prototype, so this single assignment closes
	// off "get to Function via .constructor.constructor" from any exposed
	// object, not just ones this package builds itself.
	if _, err := vm.RunString(`Object.defineProperty(Function.prototype, 'constructor', {value: undefined, writable: false, configurable: false});`); err != nil {
		return fmt.Errorf("pinning constructor chain: %w", err)
	}

	for _, name := range dangerousGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("removing global %q: %w", name, err)
		}
	}

	var installed []string

	console := vm.NewObject()
	for _, level := range []string{"log", "warn", "error", "info"} {
		if err := console.Set(level, func(call goja.FunctionCall) goja.Value {
			sink.write(call.Arguments)
			return goja.Undefined()
		}); err != nil {
			return fmt.Errorf("installing console.%s: %w", level, err)
		}
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}
	installed = append(installed, "console")

	if err := vm.Set("callTool", e.makeGenericCallTool(ctx, vm)); err != nil {
		return err
	}
	installed = append(installed, "callTool")

	for _, publicName := range e.caller.ToolNames() {
		if !e.allowlist.allows(publicName) {
			continue
		}
		safe := SafeName(publicName)
		if err := vm.Set(safe, e.makeToolCallable(ctx, vm, publicName)); err != nil {
			return fmt.Errorf("installing tool callable %q: %w", safe, err)
		}
		installed = append(installed, safe)
	}

	for key, value := range sanitizeContext(extra) {
		if err := vm.Set(key, value); err != nil {
			return fmt.Errorf("installing context field %q: %w", key, err)
		}
		installed = append(installed, key)
	}

	return deepFreezeInstalled(vm, installed)
}

// deepFreezeInstalled recursively freezes every object and function reached
// from the given top-level identifiers, satisfying the hardening contract's
// "every exposed object, including nested ones, is deep-frozen". The helper
// function used to do the freezing is removed from the global scope once
// it has run, so executed code never sees it.
func deepFreezeInstalled(vm *goja.Runtime, names []string) error {
	const helper = `
function __vmcpDeepFreeze(obj, seen) {
	seen = seen || new Set();
	if (obj === null || (typeof obj !== 'object' && typeof obj !== 'function')) return obj;
	if (seen.has(obj)) return obj;
	seen.add(obj);
	Object.getOwnPropertyNames(obj).forEach(function (name) {
		try {
			var value = obj[name];
			if (value && (typeof value === 'object' || typeof value === 'function')) {
				__vmcpDeepFreeze(value, seen);
			}
		} catch (e) { /* non-configurable or throwing getter, skip */ }
	});
	return Object.freeze(obj);
}
`
	if _, err := vm.RunString(helper); err != nil {
		return fmt.Errorf("installing freeze helper: %w", err)
	}
	// Reference each installed name through bracket notation on the global
	// object with a JSON-encoded key, rather than splicing it in as a bare
	// identifier: installed names can include caller-supplied context-record
	// keys, and a key like `x); maliciousCall(` spliced into source text
	// would escape the intended single call.
	var freezeCalls string
	for _, name := range names {
		encoded, err := json.Marshal(name)
		if err != nil {
			continue
		}
		freezeCalls += fmt.Sprintf("__vmcpDeepFreeze(this[%s]);\n", encoded)
	}
	if _, err := vm.RunString(freezeCalls + "delete this.__vmcpDeepFreeze;"); err != nil {
		return fmt.Errorf("freezing installed surface: %w", err)
	}
	return nil
}

// makeToolCallable returns a thin wrapper around callTool bound to one
// backend tool's public name, so executed code can write `my_tool(args)`
// instead of `callTool("my_tool", args)`.
func (e *Executor) makeToolCallable(ctx context.Context, vm *goja.Runtime, publicName string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		return e.invoke(ctx, vm, publicName, call.Argument(0))
	}
}

// makeGenericCallTool returns the callTool(name, args) binding.
func (e *Executor) makeGenericCallTool(ctx context.Context, vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		return e.invoke(ctx, vm, name, call.Argument(1))
	}
}

// invoke dispatches one tool call through e.caller and returns a
// JSON-round-tripped, plain-data JS value, so no host object ever leaks
// into executed code through a tool result. A backend failure is raised as
// a JavaScript exception via vm.NewGoError, which the wrapping async IIFE
// turns into a rejected promise the caller observes as a thrown error.
func (e *Executor) invoke(ctx context.Context, vm *goja.Runtime, publicName string, argsVal goja.Value) goja.Value {
	if !e.allowlist.allows(publicName) {
		panic(vm.NewGoError(gwerrors.New(gwerrors.KindSandbox, fmt.Sprintf("tool %q is not permitted via code execution", publicName))))
	}

	args := map[string]any{}
	if argsVal != nil && !goja.IsUndefined(argsVal) && !goja.IsNull(argsVal) {
		if m, ok := argsVal.Export().(map[string]any); ok {
			args = m
		}
	}
	raw, err := e.caller.CallTool(ctx, publicName, args)
	if err != nil {
		panic(vm.NewGoError(err))
	}
	var decoded any
	if len(raw) > 0 {
		if jsonErr := json.Unmarshal(raw, &decoded); jsonErr != nil {
			panic(vm.NewGoError(fmt.Errorf("tool %q returned non-JSON result: %w", publicName, jsonErr)))
		}
	}
	return vm.ToValue(decoded)
}

// sanitizeContext drops anything in a caller-supplied context record that
// isn't JSON-serializable and round-trips the rest, so the executor never
// hands executed code a live Go value with behavior beyond plain data —
// per the execution contract, "unserializable values dropped".
func sanitizeContext(extra map[string]any) map[string]any {
	out := make(map[string]any, len(extra))
	for key, value := range extra {
		b, err := json.Marshal(value)
		if err != nil {
			continue
		}
		var roundTripped any
		if err := json.Unmarshal(b, &roundTripped); err != nil {
			continue
		}
		out[key] = roundTripped
	}
	return out
}
