// Package remote provides the shared scaffolding for sandbox backends that
// talk to a child process or container over stdio: message framing, tool-call
// dispatch, the readiness handshake, heartbeats, and disposal.
//
// A transport supplies a [Process]; the [Executor] drives it through the
// lifecycle
//
//	Created → Initializing → Ready → Executing ⇄ Ready → Disposed
//
// with a failed init leaving the executor retryable on the next Execute.
package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codemode/bridge/internal/sandbox"
	"github.com/codemode/bridge/internal/tool"
)

// Default protocol deadlines.
const (
	// DefaultHeartbeatInterval is how often the host pings the runner. The
	// runner self-terminates after three missed intervals, which breaks the
	// orphan loop when the host dies without closing stdio.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultInitTimeout bounds the wait for the runner's ready message.
	DefaultInitTimeout = 30 * time.Second

	// killGracePeriod is how long Dispose waits after a graceful stop before
	// escalating to forced termination.
	killGracePeriod = 5 * time.Second

	// stderrRingSize caps the number of runner stderr lines retained for
	// crash reports.
	stderrRingSize = 100

	// maxLineBytes bounds a single protocol line read from the runner.
	maxLineBytes = 32 * 1024 * 1024
)

// Process is the transport-specific half of a remote executor. Implementations
// spawn a runner (subprocess or container) that speaks the line-delimited
// JSON protocol on its stdio.
type Process interface {
	// Start launches the runtime and returns its stdio streams. stderr may be
	// nil when the transport cannot separate it.
	Start(ctx context.Context) (stdin io.WriteCloser, stdout, stderr io.ReadCloser, err error)

	// Signal asks the runtime to stop gracefully after the shutdown message
	// has been sent.
	Signal(ctx context.Context) error

	// ForceKill terminates the runtime immediately.
	ForceKill(ctx context.Context) error

	// Wait blocks until the runtime has exited. It must be safe to call once
	// after a successful Start.
	Wait() error
}

// state tracks the executor lifecycle.
type state int

const (
	stateCreated state = iota
	stateInitializing
	stateReady
	stateFailed
	stateDisposed
)

type pendingExecution struct {
	id   string
	fns  map[string]tool.Callable
	done chan sandbox.ExecuteResult
}

// Config tunes an [Executor].
type Config struct {
	// Timeout is the per-execution deadline. Required.
	Timeout time.Duration

	// AlwaysAsync forces sync callables into an async IIFE (see
	// [sandbox.WrapScript]).
	AlwaysAsync bool

	// HeartbeatInterval overrides [DefaultHeartbeatInterval]. Zero keeps the
	// default; a negative value disables heartbeats (used by tests).
	HeartbeatInterval time.Duration

	// InitTimeout overrides [DefaultInitTimeout].
	InitTimeout time.Duration
}

// Executor drives a [Process] through the sandbox protocol. It implements
// [sandbox.Backend].
type Executor struct {
	proc   Process
	cfg    Config
	logger *slog.Logger

	// writeMu serializes protocol writes separately from the state mutex so
	// a stalled runner stdin cannot wedge state transitions.
	writeMu sync.Mutex

	mu       sync.Mutex
	st       state
	initCh   chan struct{} // non-nil while an init is in flight
	initErr  error
	stdin    io.WriteCloser
	pending  *pendingExecution
	hbStop   chan struct{}
	exited   chan struct{}
	readyCh  chan struct{}
	fatalErr error

	stderrRing ring
}

var _ sandbox.Backend = (*Executor)(nil)

// NewExecutor wraps proc in the protocol scaffolding. The runner is not
// started until the first Execute.
func NewExecutor(proc Process, cfg Config) *Executor {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	return &Executor{
		proc:   proc,
		cfg:    cfg,
		logger: slog.Default().With("component", "remote-executor"),
	}
}

// Execute implements [sandbox.Backend]. It initializes the runner on first
// use, refuses overlapping executions, and bounds the run by the configured
// timeout. The executor remains usable after a timeout; late runner output
// for the stale execution id is discarded.
func (e *Executor) Execute(ctx context.Context, code string, tools map[string]tool.Callable) sandbox.ExecuteResult {
	e.mu.Lock()
	if e.st == stateDisposed {
		e.mu.Unlock()
		return sandbox.ExecuteResult{Error: "Executor has been disposed"}
	}
	e.mu.Unlock()

	if err := e.init(ctx); err != nil {
		return sandbox.ExecuteResult{Error: fmt.Sprintf("Executor initialization failed: %v", err)}
	}

	id := fmt.Sprintf("exec-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:6])
	pending := &pendingExecution{
		id:   id,
		fns:  tools,
		done: make(chan sandbox.ExecuteResult, 1),
	}

	e.mu.Lock()
	if e.st == stateDisposed {
		e.mu.Unlock()
		return sandbox.ExecuteResult{Error: "Executor has been disposed"}
	}
	if e.pending != nil {
		e.mu.Unlock()
		return sandbox.ExecuteResult{Error: sandbox.ErrExecutionInProgress}
	}
	e.pending = pending
	stdin := e.stdin
	exited := e.exited
	e.mu.Unlock()

	wrapped := sandbox.WrapScript(code, e.cfg.AlwaysAsync)
	if err := e.send(stdin, sandbox.HostMessage{Type: sandbox.MsgExecute, ID: id, Code: wrapped}); err != nil {
		e.clearPending(id)
		return sandbox.ExecuteResult{Error: fmt.Sprintf("Failed to send execute message: %v", err)}
	}

	timer := time.NewTimer(e.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-pending.done:
		return res
	case <-timer.C:
		e.clearPending(id)
		return sandbox.ExecuteResult{Error: fmt.Sprintf("Code execution timeout after %dms", e.cfg.Timeout.Milliseconds())}
	case <-exited:
		e.clearPending(id)
		return sandbox.ExecuteResult{Error: e.exitError().Error()}
	case <-ctx.Done():
		e.clearPending(id)
		return sandbox.ExecuteResult{Error: fmt.Sprintf("Execution cancelled: %v", ctx.Err())}
	}
}

// Warm eagerly initializes the runner without executing anything. Backend
// wrappers use it to validate an instance before handing it out; a failed
// warm-up leaves the executor retryable, but callers normally dispose it and
// create a fresh one.
func (e *Executor) Warm(ctx context.Context) error {
	return e.init(ctx)
}

// init deduplicates concurrent initializations behind a shared channel. A
// failed init clears the channel so the next Execute starts a fresh runner.
func (e *Executor) init(ctx context.Context) error {
	e.mu.Lock()
	switch e.st {
	case stateReady:
		e.mu.Unlock()
		return nil
	case stateDisposed:
		e.mu.Unlock()
		return errors.New("executor disposed")
	}
	if e.initCh != nil {
		ch := e.initCh
		e.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.mu.Lock()
		err := e.initErr
		e.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	e.initCh = ch
	e.st = stateInitializing
	e.mu.Unlock()

	err := e.doInit(ctx)

	e.mu.Lock()
	e.initErr = err
	if err != nil {
		e.initCh = nil
		e.st = stateFailed
	} else {
		e.st = stateReady
	}
	close(ch)
	e.mu.Unlock()
	return err
}

func (e *Executor) doInit(ctx context.Context) error {
	stdin, stdout, stderr, err := e.proc.Start(ctx)
	if err != nil {
		return fmt.Errorf("start runner: %w", err)
	}

	readyCh := make(chan struct{})
	exited := make(chan struct{})

	e.mu.Lock()
	e.stdin = stdin
	e.readyCh = readyCh
	e.exited = exited
	e.fatalErr = nil
	e.stderrRing.reset()
	e.mu.Unlock()

	if stderr != nil {
		go e.drainStderr(stderr)
	}
	go e.readLoop(stdout)
	go func() {
		err := e.proc.Wait()
		e.mu.Lock()
		if e.fatalErr == nil {
			e.fatalErr = err
		}
		e.mu.Unlock()
		close(exited)
	}()

	initTimer := time.NewTimer(e.cfg.InitTimeout)
	defer initTimer.Stop()

	select {
	case <-readyCh:
	case <-exited:
		return fmt.Errorf("runner exited before ready: %s", e.stderrRing.tail())
	case <-initTimer.C:
		_ = e.proc.ForceKill(context.Background())
		return fmt.Errorf("runner did not become ready within %s", e.cfg.InitTimeout)
	case <-ctx.Done():
		_ = e.proc.ForceKill(context.Background())
		return ctx.Err()
	}

	if e.cfg.HeartbeatInterval > 0 {
		stop := make(chan struct{})
		e.mu.Lock()
		e.hbStop = stop
		e.mu.Unlock()
		go e.heartbeatLoop(stdin, stop, exited)
	}
	return nil
}

// readLoop decodes runner stdout line by line and dispatches each message.
func (e *Executor) readLoop(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var msg sandbox.RuntimeMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			e.onBadLine(string(line))
			continue
		}
		e.dispatch(&msg)
	}
}

// onBadLine handles a non-JSON stdout line: fatal during init or while an
// execution is pending, otherwise logged and ignored.
func (e *Executor) onBadLine(line string) {
	e.logger.Warn("runner emitted non-JSON output", "line", truncate(line, 200))
	e.mu.Lock()
	ready := e.readyCh
	pending := e.pending
	e.pending = nil
	if e.fatalErr == nil {
		e.fatalErr = fmt.Errorf("runner produced non-JSON output: %s", truncate(line, 200))
	}
	e.mu.Unlock()

	if pending != nil {
		pending.done <- sandbox.ExecuteResult{Error: fmt.Sprintf("Runner crashed: non-JSON output: %s. stderr: %s", truncate(line, 200), e.stderrRing.tail())}
	}
	// A crash before ready fails init through the exit path; force the exit.
	select {
	case <-ready:
	default:
		_ = e.proc.ForceKill(context.Background())
	}
}

func (e *Executor) dispatch(msg *sandbox.RuntimeMessage) {
	switch msg.Type {
	case sandbox.MsgReady:
		e.mu.Lock()
		ready := e.readyCh
		e.mu.Unlock()
		select {
		case <-ready:
		default:
			close(ready)
		}

	case sandbox.MsgToolCall:
		go e.handleToolCall(msg)

	case sandbox.MsgResult, sandbox.MsgError:
		if msg.ID == "" && msg.Type == sandbox.MsgError {
			e.onFatal(msg)
			return
		}
		e.resolvePending(msg)

	default:
		e.logger.Debug("unknown runner message type", "type", msg.Type)
	}
}

// handleToolCall invokes the named host callable and answers with exactly one
// tool-result or tool-error.
func (e *Executor) handleToolCall(msg *sandbox.RuntimeMessage) {
	e.mu.Lock()
	pending := e.pending
	stdin := e.stdin
	e.mu.Unlock()

	if pending == nil {
		e.logger.Debug("tool-call with no pending execution", "tool", msg.Name)
		_ = e.send(stdin, sandbox.HostMessage{Type: sandbox.MsgToolError, ID: msg.ID, Error: "no execution in progress"})
		return
	}
	fn, ok := pending.fns[msg.Name]
	if !ok {
		names := make([]string, 0, len(pending.fns))
		for n := range pending.fns {
			names = append(names, n)
		}
		sort.Strings(names)
		_ = e.send(stdin, sandbox.HostMessage{
			Type:  sandbox.MsgToolError,
			ID:    msg.ID,
			Error: fmt.Sprintf("Tool '%s' not found. Available tools: %s", msg.Name, strings.Join(names, ", ")),
		})
		return
	}

	args := decodeCallArgs(msg.Args)
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	defer cancel()

	result, err := fn(ctx, args)
	if err != nil {
		_ = e.send(stdin, sandbox.HostMessage{Type: sandbox.MsgToolError, ID: msg.ID, Error: err.Error()})
		return
	}
	_ = e.send(stdin, sandbox.HostMessage{Type: sandbox.MsgToolResult, ID: msg.ID, Result: result})
}

// decodeCallArgs unwraps the runner's positional-argument array: a single
// positional argument is passed through bare, multiple arguments arrive as a
// slice, anything non-array is used as-is.
func decodeCallArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	if list, ok := v.([]any); ok {
		switch len(list) {
		case 0:
			return nil
		case 1:
			return list[0]
		default:
			return list
		}
	}
	return v
}

// resolvePending matches a result/error message to the pending execution.
// Messages for a retired id are dropped.
func (e *Executor) resolvePending(msg *sandbox.RuntimeMessage) {
	e.mu.Lock()
	pending := e.pending
	if pending == nil || pending.id != msg.ID {
		e.mu.Unlock()
		e.logger.Debug("late runner message for retired execution", "id", msg.ID, "type", msg.Type)
		return
	}
	e.pending = nil
	e.mu.Unlock()

	if msg.Type == sandbox.MsgResult {
		pending.done <- sandbox.ExecuteResult{Value: msg.Result, Logs: msg.Logs}
		return
	}
	pending.done <- sandbox.ExecuteResult{Error: msg.ErrorText(), Logs: msg.Logs}
}

// onFatal handles an id-less error message from the runner.
func (e *Executor) onFatal(msg *sandbox.RuntimeMessage) {
	text := msg.ErrorText()
	e.logger.Error("fatal runner error", "err", text)
	e.mu.Lock()
	if e.fatalErr == nil {
		e.fatalErr = errors.New(text)
	}
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()
	if pending != nil {
		pending.done <- sandbox.ExecuteResult{Error: fmt.Sprintf("Runner crashed: %s", text)}
	}
	_ = e.proc.ForceKill(context.Background())
}

func (e *Executor) heartbeatLoop(stdin io.WriteCloser, stop, exited chan struct{}) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.send(stdin, sandbox.HostMessage{Type: sandbox.MsgHeartbeat}); err != nil {
				return
			}
		case <-stop:
			return
		case <-exited:
			return
		}
	}
}

// Dispose implements [sandbox.Backend]. Order: reject the pending execution,
// stop heartbeats, best-effort shutdown message, close stdin, graceful stop,
// forced termination if the runner is still alive after the grace period.
func (e *Executor) Dispose(ctx context.Context) error {
	e.mu.Lock()
	if e.st == stateDisposed {
		e.mu.Unlock()
		return nil
	}
	started := e.st == stateReady || e.st == stateInitializing
	e.st = stateDisposed
	pending := e.pending
	e.pending = nil
	stdin := e.stdin
	hbStop := e.hbStop
	e.hbStop = nil
	exited := e.exited
	e.mu.Unlock()

	if pending != nil {
		pending.done <- sandbox.ExecuteResult{Error: "Executor disposed"}
	}
	if hbStop != nil {
		close(hbStop)
	}
	if !started {
		return nil
	}
	if stdin != nil {
		_ = e.send(stdin, sandbox.HostMessage{Type: sandbox.MsgShutdown})
		_ = stdin.Close()
	}
	_ = e.proc.Signal(ctx)

	if exited != nil {
		select {
		case <-exited:
			return nil
		case <-time.After(killGracePeriod):
		case <-ctx.Done():
		}
	}
	return e.proc.ForceKill(context.Background())
}

func (e *Executor) send(stdin io.WriteCloser, msg sandbox.HostMessage) error {
	if stdin == nil {
		return errors.New("runner stdin not available")
	}
	line, err := sandbox.EncodeLine(msg)
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_, err = stdin.Write(line)
	return err
}

func (e *Executor) clearPending(id string) {
	e.mu.Lock()
	if e.pending != nil && e.pending.id == id {
		e.pending = nil
	}
	e.mu.Unlock()
}

func (e *Executor) drainStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		e.stderrRing.add(scanner.Text())
	}
}

func (e *Executor) exitError() error {
	e.mu.Lock()
	err := e.fatalErr
	e.mu.Unlock()
	tail := e.stderrRing.tail()
	if err == nil {
		err = errors.New("runner exited unexpectedly")
	}
	if tail != "" {
		return fmt.Errorf("%v. stderr: %s", err, tail)
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// ring is a fixed-capacity line buffer retaining the most recent entries.
type ring struct {
	mu    sync.Mutex
	lines []string
}

func (r *ring) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > stderrRingSize {
		r.lines = r.lines[len(r.lines)-stderrRingSize:]
	}
}

func (r *ring) tail() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}

func (r *ring) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = nil
}
