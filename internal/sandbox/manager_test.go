package sandbox

import (
	"context"
	"testing"

	"github.com/codemode/bridge/internal/tool"
)

// fakeBackend records the code and tool map it receives.
type fakeBackend struct {
	code  string
	tools map[string]tool.Callable
}

func (f *fakeBackend) Execute(_ context.Context, code string, tools map[string]tool.Callable) ExecuteResult {
	f.code = code
	f.tools = tools
	return ExecuteResult{Value: "ok"}
}

func (f *fakeBackend) Dispose(context.Context) error { return nil }

func descriptors(names ...string) map[string]*tool.Descriptor {
	out := make(map[string]*tool.Descriptor, len(names))
	for _, n := range names {
		n := n
		out[n] = &tool.Descriptor{
			Name:        n,
			Description: "the " + n + " tool",
			Execute: func(context.Context, any) (any, error) {
				return n, nil
			},
		}
	}
	return out
}

func TestRegisterAndList(t *testing.T) {
	m := NewManager()
	m.RegisterToolDescriptors("github", descriptors("create_issue", "get_repo"))
	m.RegisterToolDescriptors("slack", descriptors("post_message"))

	rows := m.GetToolList("")
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].QualifiedName != "github__create_issue" {
		t.Errorf("rows not sorted by qualified name: %q first", rows[0].QualifiedName)
	}

	filtered := m.GetToolList("slack")
	if len(filtered) != 1 || filtered[0].QualifiedName != "slack__post_message" {
		t.Errorf("namespace filter broken: %+v", filtered)
	}
}

func TestEmptyNamespaceDropped(t *testing.T) {
	m := NewManager()
	m.RegisterToolDescriptors("empty", nil)
	if infos := m.GetNamespaceInfo(); len(infos) != 0 {
		t.Errorf("empty namespace should be dropped, got %+v", infos)
	}

	m.RegisterToolDescriptors("github", descriptors("a"))
	m.RegisterToolDescriptors("github", map[string]*tool.Descriptor{})
	if m.SearchEntries() != nil {
		t.Error("re-registering with no descriptors should remove the namespace")
	}
}

func TestUnregister(t *testing.T) {
	m := NewManager()
	m.RegisterToolDescriptors("github", descriptors("a"))
	m.UnregisterToolDescriptors("github")
	if _, ok := m.GetRegisteredTool("github", "a"); ok {
		t.Error("tool should be gone after unregister")
	}
}

func TestRunCodeComposesFlatMap(t *testing.T) {
	m := NewManager()
	m.RegisterToolDescriptors("github", descriptors("create_issue"))
	m.RegisterToolDescriptors("utils", descriptors("sleep"))

	backend := &fakeBackend{}
	result := m.RunCodeWithExecutor(context.Background(), backend, "  \n\tasync () => 1")
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}

	if backend.code != "async () => 1" {
		t.Errorf("code should be normalized before execution, got %q", backend.code)
	}
	if _, ok := backend.tools["github__create_issue"]; !ok {
		t.Error("flat map missing github__create_issue")
	}
	if _, ok := backend.tools["utils__sleep"]; !ok {
		t.Error("flat map missing utils__sleep")
	}
	if len(backend.tools) != 2 {
		t.Errorf("flat map has %d entries, want 2", len(backend.tools))
	}
}

func TestNamespaceInfo(t *testing.T) {
	m := NewManager()
	m.RegisterToolDescriptors("b", descriptors("x", "y"))
	m.RegisterToolDescriptors("a", descriptors("z"))

	infos := m.GetNamespaceInfo()
	if len(infos) != 2 || infos[0].Namespace != "a" || infos[1].ToolCount != 2 {
		t.Errorf("unexpected namespace info: %+v", infos)
	}
}
