// Package tool defines the canonical internal representation of an upstream
// tool and the naming rules that make tools addressable from sandbox code.
//
// Every upstream tool is wrapped in a [Descriptor]. Inside the sandbox the
// tool appears as a property of the host namespace object, so its name must
// be a valid JavaScript identifier — [SanitizeName] enforces that. A tool is
// globally addressed by its qualified name, `<namespace>__<sanitized-name>`.
package tool

import (
	"context"
	"strings"
)

// Delimiter separates the namespace from the tool name in a qualified name.
const Delimiter = "__"

// Callable executes a tool with already-decoded arguments.
type Callable func(ctx context.Context, args any) (any, error)

// Descriptor is the canonical internal representation of one upstream tool.
type Descriptor struct {
	// Name is the unqualified, sanitized identifier of the tool.
	Name string

	// Description is the upstream-provided free-text description.
	Description string

	// RawSchema is the original JSON Schema from upstream, unmodified.
	// Used for type-declaration generation.
	RawSchema map[string]any

	// InputSchema is the validated input schema form.
	InputSchema map[string]any

	// OutputSchema is the validated output schema form, if declared.
	OutputSchema map[string]any

	// Execute invokes the tool. For upstream tools this round-trips through
	// the owning MCP client; for virtual tools it runs in-process.
	Execute Callable
}

// SearchEntry is the projection of a Descriptor consumed by the search index.
type SearchEntry struct {
	Name        string
	Description string
	RawSchema   map[string]any
}

// Qualify joins a namespace and a sanitized tool name into a qualified name.
func Qualify(namespace, name string) string {
	return namespace + Delimiter + name
}

// SplitQualified splits a qualified name into namespace and tool name.
// The second return is false when the name contains no delimiter.
func SplitQualified(qualified string) (namespace, name string, ok bool) {
	idx := strings.Index(qualified, Delimiter)
	if idx < 0 {
		return "", qualified, false
	}
	return qualified[:idx], qualified[idx+len(Delimiter):], true
}

// SanitizeName rewrites name so it is a valid JavaScript identifier:
// each byte outside [A-Za-z0-9_$] becomes "_" (so a multi-byte UTF-8
// character becomes several underscores), a leading digit is prefixed
// with "_", and an empty input becomes "_". The function is idempotent.
func SanitizeName(name string) string {
	if name == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(name) + 1)
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == '$':
			b.WriteByte(c)
		case c >= '0' && c <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
