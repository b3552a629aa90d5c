// Package sandbox defines the contract every isolated JavaScript backend
// implements, the host↔runner wire protocol, script normalisation, and the
// per-session registry that assembles the flat tool map handed to a backend.
//
// A backend evaluates one script at a time inside an isolated runtime where a
// single host-provided namespace exposes upstream tools as callables. Fatal
// conditions never surface as Go panics or errors from Execute — they are
// reported through [ExecuteResult.Error] so the caller always receives a
// well-formed result.
package sandbox

import (
	"context"

	"github.com/codemode/bridge/internal/tool"
)

// ErrExecutionInProgress is the error text returned when Execute is called
// while another execution is pending on the same backend.
const ErrExecutionInProgress = "Another execution is already in progress"

// ExecuteResult is the outcome of a single script evaluation.
// Exactly one of Value or Error is meaningful; on timeout both Value and
// Error may be absent except that Error carries the timeout message.
type ExecuteResult struct {
	// Value is the script's return value, JSON-compatible.
	Value any

	// Error is non-empty when the script threw, timed out, or the runtime
	// failed. The backend never reports these as Go errors.
	Error string

	// Logs holds captured console output, in emission order. Nil means the
	// script produced no output.
	Logs []string
}

// Failed reports whether the execution produced an error.
func (r ExecuteResult) Failed() bool { return r.Error != "" }

// Backend is an isolated JavaScript runtime. Implementations serialize their
// own executions: while one script is pending, further Execute calls return
// [ErrExecutionInProgress] without touching the sandbox.
type Backend interface {
	// Execute evaluates code with the given tools bound into the host
	// namespace. The keys of tools are sanitized qualified names. Execute
	// never returns a Go error; all failures land in ExecuteResult.Error.
	Execute(ctx context.Context, code string, tools map[string]tool.Callable) ExecuteResult

	// Dispose releases the backend. It is idempotent and tolerates being
	// called on a backend that never initialized or whose init failed.
	Dispose(ctx context.Context) error
}

// Info describes a live backend for status reporting.
type Info struct {
	// Kind is the backend identifier (e.g. "goja", "docker-socket").
	Kind string `json:"kind"`

	// Reason records how the backend was chosen: "explicit" when pinned by
	// configuration, "auto-detected" otherwise.
	Reason string `json:"reason"`

	// Timeout is the per-execution timeout in milliseconds.
	Timeout int64 `json:"timeoutMs"`
}
