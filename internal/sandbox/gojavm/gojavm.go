// Package gojavm implements the in-process sandbox backend on the goja
// JavaScript engine. Each execution gets a fresh runtime on its own event
// loop, so no state survives between scripts and a timed-out run can simply
// be abandoned. Tool calls resolve through promises settled from host
// goroutines via the loop.
package gojavm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"

	"github.com/codemode/bridge/internal/sandbox"
	"github.com/codemode/bridge/internal/tool"
)

// Kind identifies this backend in selector configuration and status output.
const Kind = "goja"

// hardenScript locks down the fresh runtime before user code runs: common
// prototypes are frozen, script-compilation primitives are disabled, the host
// namespace is frozen, and the global object is sealed.
const hardenScript = `
(function () {
	"use strict";
	for (const proto of [Object.prototype, Array.prototype, String.prototype,
			Number.prototype, Boolean.prototype, Function.prototype]) {
		Object.freeze(proto);
	}
	globalThis.eval = function () {
		throw new Error("eval is disabled in the sandbox");
	};
	globalThis.Function = function () {
		throw new Error("the Function constructor is disabled in the sandbox");
	};
	Object.freeze(globalThis.host);
	Object.seal(globalThis);
})();
`

// Config tunes a [Backend].
type Config struct {
	// Timeout is the per-execution deadline. Required.
	Timeout time.Duration

	// ToolCallTimeout bounds a single tool round-trip so one stuck upstream
	// cannot pin the sandbox. Defaults to Timeout.
	ToolCallTimeout time.Duration

	// AlwaysAsync forces sync callables into an async IIFE.
	AlwaysAsync bool
}

// Backend is the in-process micro-VM executor. It implements
// [sandbox.Backend].
type Backend struct {
	cfg Config

	mu       sync.Mutex
	pending  bool
	disposed bool
}

var _ sandbox.Backend = (*Backend)(nil)

// New creates a goja backend.
func New(cfg Config) *Backend {
	if cfg.ToolCallTimeout <= 0 {
		cfg.ToolCallTimeout = cfg.Timeout
	}
	return &Backend{cfg: cfg}
}

// Execute implements [sandbox.Backend].
func (b *Backend) Execute(ctx context.Context, code string, tools map[string]tool.Callable) sandbox.ExecuteResult {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return sandbox.ExecuteResult{Error: "Executor has been disposed"}
	}
	if b.pending {
		b.mu.Unlock()
		return sandbox.ExecuteResult{Error: sandbox.ErrExecutionInProgress}
	}
	b.pending = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.pending = false
		b.mu.Unlock()
	}()

	wrapped := sandbox.WrapScript(code, b.cfg.AlwaysAsync)

	loop := eventloop.NewEventLoop()
	loop.Start()
	defer loop.StopNoWait()

	logs := &logBuffer{}
	done := make(chan sandbox.ExecuteResult, 1)
	var vmHolder struct {
		mu sync.Mutex
		vm *goja.Runtime
	}

	loop.RunOnLoop(func(vm *goja.Runtime) {
		vmHolder.mu.Lock()
		vmHolder.vm = vm
		vmHolder.mu.Unlock()

		settle := func(result sandbox.ExecuteResult) {
			result.Logs = logs.snapshot()
			select {
			case done <- result:
			default:
			}
		}
		// The resolvers must exist before the hardening prelude seals the
		// global object.
		_ = vm.Set("__resolve", func(call goja.FunctionCall) goja.Value {
			settle(sandbox.ExecuteResult{Value: jsonValue(call.Argument(0).Export())})
			return goja.Undefined()
		})
		_ = vm.Set("__reject", func(call goja.FunctionCall) goja.Value {
			settle(sandbox.ExecuteResult{Error: errorMessage(call.Argument(0))})
			return goja.Undefined()
		})

		if err := b.setup(vm, loop, tools, logs); err != nil {
			done <- sandbox.ExecuteResult{Error: fmt.Sprintf("Sandbox setup failed: %v", err)}
			return
		}

		if _, err := vm.RunString("Promise.resolve(" + wrapped + ").then(__resolve, __reject);"); err != nil {
			settle(sandbox.ExecuteResult{Error: scriptError(err)})
		}
	})

	timer := time.NewTimer(b.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res
	case <-timer.C:
		b.interrupt(&vmHolder.mu, &vmHolder.vm, "execution timeout")
		return sandbox.ExecuteResult{
			Error: fmt.Sprintf("Code execution timeout after %dms", b.cfg.Timeout.Milliseconds()),
			Logs:  logs.snapshot(),
		}
	case <-ctx.Done():
		b.interrupt(&vmHolder.mu, &vmHolder.vm, "execution cancelled")
		return sandbox.ExecuteResult{
			Error: fmt.Sprintf("Execution cancelled: %v", ctx.Err()),
			Logs:  logs.snapshot(),
		}
	}
}

// setup installs the console, the host namespace, and the hardening prelude.
func (b *Backend) setup(vm *goja.Runtime, loop *eventloop.EventLoop, tools map[string]tool.Callable, logs *logBuffer) error {
	installConsole(vm, logs)

	host := vm.NewObject()
	for name, fn := range tools {
		if err := host.Set(name, b.makeToolFunc(vm, loop, fn)); err != nil {
			return fmt.Errorf("bind tool %q: %w", name, err)
		}
	}
	if err := vm.GlobalObject().DefineDataProperty("host", host,
		goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return fmt.Errorf("define host namespace: %w", err)
	}

	if _, err := vm.RunString(hardenScript); err != nil {
		return fmt.Errorf("harden runtime: %w", err)
	}
	return nil
}

// makeToolFunc returns the JS-visible callable for one tool. The returned
// promise is settled on the loop once the host invocation finishes; a
// per-call timeout aborts a stuck call without killing the sandbox.
func (b *Backend) makeToolFunc(vm *goja.Runtime, loop *eventloop.EventLoop, fn tool.Callable) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := vm.NewPromise()

		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = jsonValue(a.Export())
		}
		var arg any
		switch len(args) {
		case 0:
			arg = nil
		case 1:
			arg = args[0]
		default:
			arg = args
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ToolCallTimeout)
			defer cancel()
			value, err := fn(ctx, arg)
			loop.RunOnLoop(func(*goja.Runtime) {
				if err != nil {
					reject(err.Error())
					return
				}
				resolve(value)
			})
		}()

		return vm.ToValue(promise)
	}
}

// Dispose implements [sandbox.Backend]. The backend holds no persistent
// runtime, so disposal only blocks further executions.
func (b *Backend) Dispose(context.Context) error {
	b.mu.Lock()
	b.disposed = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) interrupt(mu *sync.Mutex, vm **goja.Runtime, reason string) {
	mu.Lock()
	defer mu.Unlock()
	if *vm != nil {
		(*vm).Interrupt(reason)
	}
}

// errorMessage extracts a readable message from a rejected promise value.
func errorMessage(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return v.String()
}

// scriptError normalises a goja evaluation error to its message.
func scriptError(err error) string {
	var exc *goja.Exception
	if ok := asException(err, &exc); ok {
		return errorMessage(exc.Value())
	}
	return err.Error()
}

func asException(err error, target **goja.Exception) bool {
	if e, ok := err.(*goja.Exception); ok {
		*target = e
		return true
	}
	return false
}

// logBuffer accumulates captured console output.
type logBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (l *logBuffer) add(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
}

func (l *logBuffer) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) == 0 {
		return nil
	}
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// installConsole binds a capturing console into the runtime. Warn, error and
// debug output carry level prefixes so mixed output stays attributable.
func installConsole(vm *goja.Runtime, logs *logBuffer) {
	capture := func(prefix string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = formatValue(a)
			}
			line := joinParts(parts)
			if prefix != "" {
				line = prefix + " " + line
			}
			logs.add(line)
			return goja.Undefined()
		}
	}
	console := vm.NewObject()
	_ = console.Set("log", capture(""))
	_ = console.Set("info", capture(""))
	_ = console.Set("warn", capture("[WARN]"))
	_ = console.Set("error", capture("[ERROR]"))
	_ = console.Set("debug", capture("[DEBUG]"))
	_ = vm.Set("console", console)
}

func formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	exported := v.Export()
	if s, ok := exported.(string); ok {
		return s
	}
	if data, err := json.Marshal(exported); err == nil {
		return string(data)
	}
	return v.String()
}

func joinParts(parts []string) string {
	return strings.Join(parts, " ")
}

// jsonValue passes an exported value through a JSON round-trip so tools and
// callers see the types the out-of-process backends deliver (numbers as
// float64, objects as map[string]any). Values JSON cannot encode are
// returned unchanged.
func jsonValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
