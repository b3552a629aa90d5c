package sandbox

import (
	"context"
	"sort"
	"sync"

	"github.com/codemode/bridge/internal/tool"
)

// ToolListing is one row of the flat tool view exposed to clients.
type ToolListing struct {
	Namespace     string `json:"namespace"`
	QualifiedName string `json:"name"`
	Description   string `json:"description"`
}

// NamespaceInfo summarises one registered namespace.
type NamespaceInfo struct {
	Namespace string `json:"namespace"`
	ToolCount int    `json:"toolCount"`
}

// Manager holds the per-session registry of tool descriptors, keyed first by
// namespace and then by sanitized tool name. Empty namespaces are dropped on
// registration and unregistration. All methods are safe for concurrent use.
type Manager struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*tool.Descriptor
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{namespaces: make(map[string]map[string]*tool.Descriptor)}
}

// RegisterToolDescriptors installs (or replaces) the descriptors for a
// namespace. A nil or empty descriptor set removes the namespace.
func (m *Manager) RegisterToolDescriptors(namespace string, descriptors map[string]*tool.Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(descriptors) == 0 {
		delete(m.namespaces, namespace)
		return
	}
	copied := make(map[string]*tool.Descriptor, len(descriptors))
	for name, d := range descriptors {
		copied[name] = d
	}
	m.namespaces[namespace] = copied
}

// UnregisterToolDescriptors removes a namespace and all its tools.
func (m *Manager) UnregisterToolDescriptors(namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, namespace)
}

// GetRegisteredTool looks up a single descriptor.
func (m *Manager) GetRegisteredTool(namespace, name string) (*tool.Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tools, ok := m.namespaces[namespace]
	if !ok {
		return nil, false
	}
	d, ok := tools[name]
	return d, ok
}

// GetToolList returns the flat listing, optionally filtered to one namespace.
// Rows are sorted by qualified name for stable output.
func (m *Manager) GetToolList(namespace string) []ToolListing {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []ToolListing
	for ns, tools := range m.namespaces {
		if namespace != "" && ns != namespace {
			continue
		}
		for name, d := range tools {
			rows = append(rows, ToolListing{
				Namespace:     ns,
				QualifiedName: tool.Qualify(ns, name),
				Description:   d.Description,
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].QualifiedName < rows[j].QualifiedName })
	return rows
}

// GetNamespaceInfo returns a per-namespace summary sorted by namespace.
func (m *Manager) GetNamespaceInfo() []NamespaceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]NamespaceInfo, 0, len(m.namespaces))
	for ns, tools := range m.namespaces {
		infos = append(infos, NamespaceInfo{Namespace: ns, ToolCount: len(tools)})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Namespace < infos[j].Namespace })
	return infos
}

// SearchEntries projects the registry into search-index input, one entry per
// qualified tool name.
func (m *Manager) SearchEntries() []tool.SearchEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []tool.SearchEntry
	for ns, tools := range m.namespaces {
		for name, d := range tools {
			entries = append(entries, tool.SearchEntry{
				Name:        tool.Qualify(ns, name),
				Description: d.Description,
				RawSchema:   d.RawSchema,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// RunCodeWithExecutor composes the flat qualified-name → callable map and
// evaluates code on the given backend.
func (m *Manager) RunCodeWithExecutor(ctx context.Context, executor Backend, code string) ExecuteResult {
	m.mu.RLock()
	flat := make(map[string]tool.Callable)
	for ns, tools := range m.namespaces {
		for name, d := range tools {
			flat[tool.Qualify(ns, name)] = d.Execute
		}
	}
	m.mu.RUnlock()

	return executor.Execute(ctx, Normalize(code), flat)
}
