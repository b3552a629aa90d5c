package gojavm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codemode/bridge/internal/sandbox"
	"github.com/codemode/bridge/internal/tool"
)

func newBackend(t *testing.T, timeout time.Duration) *Backend {
	t.Helper()
	b := New(Config{Timeout: timeout})
	t.Cleanup(func() { _ = b.Dispose(context.Background()) })
	return b
}

func addTool() map[string]tool.Callable {
	return map[string]tool.Callable{
		"test__add": func(_ context.Context, args any) (any, error) {
			m, ok := args.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("expected object args, got %T", args)
			}
			a, _ := m["a"].(float64)
			b, _ := m["b"].(float64)
			return a + b, nil
		},
	}
}

func TestArithmeticRoundTrip(t *testing.T) {
	b := newBackend(t, 5*time.Second)
	res := b.Execute(context.Background(), "async () => await host.test__add({a:5,b:3})", addTool())
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if got, ok := res.Value.(float64); !ok || got != 8 {
		t.Errorf("Value = %v (%T), want 8", res.Value, res.Value)
	}
}

func TestLogsCaptured(t *testing.T) {
	b := newBackend(t, 5*time.Second)
	code := `async () => { console.log('hi'); console.warn('careful'); return {type:'text', text:'ok'}; }`
	res := b.Execute(context.Background(), code, nil)
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if len(res.Logs) != 2 {
		t.Fatalf("Logs = %v, want 2 entries", res.Logs)
	}
	if res.Logs[0] != "hi" {
		t.Errorf("Logs[0] = %q", res.Logs[0])
	}
	if res.Logs[1] != "[WARN] careful" {
		t.Errorf("Logs[1] = %q", res.Logs[1])
	}
}

func TestNoLogsMeansNil(t *testing.T) {
	b := newBackend(t, 5*time.Second)
	res := b.Execute(context.Background(), "async () => 1", nil)
	if res.Logs != nil {
		t.Errorf("Logs = %v, want nil", res.Logs)
	}
}

func TestRawStatements(t *testing.T) {
	b := newBackend(t, 5*time.Second)
	res := b.Execute(context.Background(), "const a = 40;\nreturn a + 2;", nil)
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if got, ok := res.Value.(int64); ok && got == 42 {
		return
	}
	if got, ok := res.Value.(float64); !ok || got != 42 {
		t.Errorf("Value = %v (%T), want 42", res.Value, res.Value)
	}
}

func TestScriptErrorReported(t *testing.T) {
	b := newBackend(t, 5*time.Second)
	res := b.Execute(context.Background(), "async () => { throw new Error('kaboom'); }", nil)
	if !strings.Contains(res.Error, "kaboom") {
		t.Errorf("Error = %q, want kaboom", res.Error)
	}
}

func TestToolErrorRejectsPromise(t *testing.T) {
	b := newBackend(t, 5*time.Second)
	tools := map[string]tool.Callable{
		"svc__boom": func(context.Context, any) (any, error) {
			return nil, errors.New("upstream unavailable")
		},
	}

	// Uncaught rejection surfaces as the execution error.
	res := b.Execute(context.Background(), "async () => await host.svc__boom()", tools)
	if !strings.Contains(res.Error, "upstream unavailable") {
		t.Errorf("Error = %q", res.Error)
	}

	// The script may catch the rejection and recover.
	code := `async () => { try { await host.svc__boom(); } catch (e) { return 'caught: ' + e; } }`
	res = b.Execute(context.Background(), code, tools)
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if s, _ := res.Value.(string); !strings.Contains(s, "caught") {
		t.Errorf("Value = %v", res.Value)
	}
}

func TestExecutionTimeout(t *testing.T) {
	b := newBackend(t, 200*time.Millisecond)
	start := time.Now()
	res := b.Execute(context.Background(), "async () => new Promise(() => {})", nil)
	if res.Error != "Code execution timeout after 200ms" {
		t.Fatalf("Error = %q", res.Error)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %s", elapsed)
	}

	// The backend stays usable afterwards.
	res = b.Execute(context.Background(), "async () => 'ok'", nil)
	if res.Error != "" || res.Value != "ok" {
		t.Errorf("post-timeout execute = %+v", res)
	}
}

func TestExecuteSerialized(t *testing.T) {
	b := newBackend(t, 2*time.Second)

	block := make(chan struct{})
	tools := map[string]tool.Callable{
		"test__wait": func(ctx context.Context, _ any) (any, error) {
			select {
			case <-block:
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	var wg sync.WaitGroup
	wg.Add(1)
	first := make(chan sandbox.ExecuteResult, 1)
	go func() {
		defer wg.Done()
		first <- b.Execute(context.Background(), "async () => await host.test__wait()", tools)
	}()

	// Wait for the first execution to claim the backend.
	deadline := time.Now().Add(time.Second)
	for {
		b.mu.Lock()
		pending := b.pending
		b.mu.Unlock()
		if pending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first execution never became pending")
		}
		time.Sleep(time.Millisecond)
	}

	second := b.Execute(context.Background(), "async () => 1", nil)
	if second.Error != sandbox.ErrExecutionInProgress {
		t.Errorf("second execute error = %q, want %q", second.Error, sandbox.ErrExecutionInProgress)
	}

	close(block)
	wg.Wait()
	if res := <-first; res.Error != "" || res.Value != "done" {
		t.Errorf("first execute = %+v", res)
	}
}

func TestEvalDisabled(t *testing.T) {
	b := newBackend(t, 5*time.Second)
	res := b.Execute(context.Background(), "async () => eval('1+1')", nil)
	if !strings.Contains(res.Error, "eval is disabled") {
		t.Errorf("Error = %q", res.Error)
	}

	res = b.Execute(context.Background(), "async () => Function('return 1')()", nil)
	if !strings.Contains(res.Error, "Function constructor is disabled") {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestHostNamespaceImmutable(t *testing.T) {
	b := newBackend(t, 5*time.Second)
	tools := map[string]tool.Callable{
		"test__noop": func(context.Context, any) (any, error) { return "noop", nil },
	}
	// Overwriting a frozen host entry either throws (strict) or is silently
	// ignored (sloppy); the original binding keeps working either way.
	code := `async () => {
		try { host.test__noop = () => 'hijacked'; } catch (e) { /* frozen */ }
		return await host.test__noop();
	}`
	res := b.Execute(context.Background(), code, tools)
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if res.Value != "noop" {
		t.Errorf("Value = %v, want noop", res.Value)
	}
}

func TestDisposedBackendRefuses(t *testing.T) {
	b := New(Config{Timeout: time.Second})
	if err := b.Dispose(context.Background()); err != nil {
		t.Fatal(err)
	}
	res := b.Execute(context.Background(), "async () => 1", nil)
	if res.Error != "Executor has been disposed" {
		t.Errorf("Error = %q", res.Error)
	}
}
