package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codemode/bridge/internal/sandbox"
	"github.com/codemode/bridge/internal/search"
	"github.com/codemode/bridge/internal/session"
	"github.com/codemode/bridge/internal/tool"
	"github.com/codemode/bridge/internal/upstream"
)

// scriptedBackend returns a canned result for every execution.
type scriptedBackend struct {
	result sandbox.ExecuteResult
	code   string
}

func (s *scriptedBackend) Execute(_ context.Context, code string, _ map[string]tool.Callable) sandbox.ExecuteResult {
	s.code = code
	return s.result
}

func (s *scriptedBackend) Dispose(context.Context) error { return nil }

// newTestServer wires a Server around a scripted backend and a small registry.
func newTestServer(t *testing.T, result sandbox.ExecuteResult) (*Server, *scriptedBackend) {
	t.Helper()
	backend := &scriptedBackend{result: result}

	resolver := session.NewResolver(session.Config{
		Factory: func(context.Context) (sandbox.Backend, sandbox.Info, error) {
			return backend, sandbox.Info{Kind: "scripted", Reason: "explicit", Timeout: 1000}, nil
		},
		ProtectSingleton: true,
	})
	t.Cleanup(resolver.DisposeAll)

	sandboxes := sandbox.NewManager()
	sandboxes.RegisterToolDescriptors("github", map[string]*tool.Descriptor{
		"create_issue": {
			Name:        "create_issue",
			Description: "Open an issue on a repository",
			RawSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"title": map[string]any{"type": "string"}},
				"required":   []any{"title"},
			},
			Execute: func(context.Context, any) (any, error) { return "created", nil },
		},
	})

	index := search.NewBM25Index()
	index.Rebuild(sandboxes.SearchEntries())

	upstreams := upstream.NewManager()
	t.Cleanup(upstreams.DisconnectAll)

	return New(Config{
		Resolver:  resolver,
		Sandboxes: sandboxes,
		Upstreams: upstreams,
		Index:     index,
	}), backend
}

func textOf(t *testing.T, c mcpsdk.Content) string {
	t.Helper()
	tc, ok := c.(*mcpsdk.TextContent)
	if !ok {
		t.Fatalf("content is %T, want text", c)
	}
	return tc.Text
}

func TestEvalSuccessMapsContent(t *testing.T) {
	s, backend := newTestServer(t, sandbox.ExecuteResult{
		Value: map[string]any{"type": "text", "text": "ok"},
		Logs:  []string{"hi"},
	})

	res, _, err := s.handleEval(context.Background(), nil, evalArgs{Code: "async () => ({type:'text',text:'ok'})"})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
	if len(res.Content) != 2 {
		t.Fatalf("content blocks = %d, want result + logs", len(res.Content))
	}
	if got := textOf(t, res.Content[0]); got != "ok" {
		t.Errorf("first block = %q", got)
	}
	if got := textOf(t, res.Content[1]); !strings.Contains(got, "hi") {
		t.Errorf("log block = %q", got)
	}
	if backend.code == "" {
		t.Error("backend never saw the script")
	}
}

func TestEvalInvalidReturnIsError(t *testing.T) {
	s, _ := newTestServer(t, sandbox.ExecuteResult{Value: 42.0})

	res, _, err := s.handleEval(context.Background(), nil, evalArgs{Code: "async () => 42"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected isError for a bare return value")
	}
	msg := textOf(t, res.Content[0])
	if !strings.Contains(msg, "invalid value") {
		t.Errorf("message = %q", msg)
	}
	if !strings.Contains(msg, `{type: "json", value: <any JSON value>}`) {
		t.Errorf("message should carry the template: %q", msg)
	}
}

func TestEvalExecutionErrorKeepsLogs(t *testing.T) {
	s, _ := newTestServer(t, sandbox.ExecuteResult{
		Error: "Code execution timeout after 200ms",
		Logs:  []string{"partial output"},
	})

	res, _, err := s.handleEval(context.Background(), nil, evalArgs{Code: "async () => new Promise(()=>{})"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected isError")
	}
	if got := textOf(t, res.Content[0]); !strings.Contains(got, "timeout") {
		t.Errorf("error block = %q", got)
	}
	if got := textOf(t, res.Content[1]); !strings.Contains(got, "partial output") {
		t.Errorf("log block = %q", got)
	}
}

func TestSearchFunctions(t *testing.T) {
	s, _ := newTestServer(t, sandbox.ExecuteResult{})

	res, _, err := s.handleSearch(context.Background(), nil, searchArgs{Query: "issue"})
	if err != nil {
		t.Fatal(err)
	}
	body := textOf(t, res.Content[0])
	if !strings.Contains(body, "github__create_issue") {
		t.Errorf("search response = %q", body)
	}
}

func TestGetFunctions(t *testing.T) {
	s, _ := newTestServer(t, sandbox.ExecuteResult{})

	res, _, err := s.handleGetFunctions(context.Background(), nil, functionsArgs{})
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Functions []sandbox.ToolListing `json:"functions"`
	}
	if err := json.Unmarshal([]byte(textOf(t, res.Content[0])), &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded.Functions) != 1 || decoded.Functions[0].QualifiedName != "github__create_issue" {
		t.Errorf("functions = %+v", decoded.Functions)
	}
}

func TestGetFunctionSchema(t *testing.T) {
	s, _ := newTestServer(t, sandbox.ExecuteResult{})

	res, _, err := s.handleGetSchema(context.Background(), nil, schemaArgs{Name: "github__create_issue"})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error: %+v", res)
	}
	body := textOf(t, res.Content[0])
	if !strings.Contains(body, "function github__create_issue") || !strings.Contains(body, "title: string") {
		t.Errorf("schema = %q", body)
	}
}

func TestGetFunctionSchemaSuggests(t *testing.T) {
	s, _ := newTestServer(t, sandbox.ExecuteResult{})

	res, _, err := s.handleGetSchema(context.Background(), nil, schemaArgs{Name: "github__create_issu"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected error for unknown name")
	}
	msg := textOf(t, res.Content[0])
	if !strings.Contains(msg, "github__create_issue") {
		t.Errorf("suggestion missing: %q", msg)
	}
}

func TestBridgeStatus(t *testing.T) {
	s, _ := newTestServer(t, sandbox.ExecuteResult{})

	// Materialise the singleton so executor info is reported.
	if _, _, err := s.handleEval(context.Background(), nil, evalArgs{Code: "x"}); err != nil {
		t.Fatal(err)
	}

	res, _, err := s.handleStatus(context.Background(), nil, statusArgs{})
	if err != nil {
		t.Fatal(err)
	}
	var status struct {
		Sessions   int                    `json:"sessions"`
		Executor   *sandbox.Info          `json:"executor"`
		Namespaces []sandbox.NamespaceInfo `json:"namespaces"`
	}
	if err := json.Unmarshal([]byte(textOf(t, res.Content[0])), &status); err != nil {
		t.Fatal(err)
	}
	if status.Sessions != 1 {
		t.Errorf("sessions = %d", status.Sessions)
	}
	if status.Executor == nil || status.Executor.Kind != "scripted" {
		t.Errorf("executor = %+v", status.Executor)
	}
	if len(status.Namespaces) != 1 || status.Namespaces[0].ToolCount != 1 {
		t.Errorf("namespaces = %+v", status.Namespaces)
	}
}
