// Package schema renders JSON Schemas as TypeScript-flavoured declaration
// snippets. The snippets give an agent a compact picture of a tool's call
// signature without shipping the raw schema.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// maxDepth bounds recursion through nested or self-referencing schemas.
const maxDepth = 6

// TypeDeclaration renders a call-signature snippet for one tool:
//
//	// Fetch a page by URL.
//	function web__fetch(args: {timeout?: number, url: string}): Promise<any>
//
// Properties are listed in name order. Generation is best-effort: a nil
// schema yields `any`, an object schema with malformed properties yields
// `object`, and any internal failure yields an empty string.
func TypeDeclaration(name, description string, rawSchema map[string]any) (out string) {
	defer func() {
		if recover() != nil {
			out = ""
		}
	}()

	var sb strings.Builder
	if description != "" {
		for _, line := range strings.Split(strings.TrimSpace(description), "\n") {
			sb.WriteString("// ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	argType := typeOf(rawSchema, 0)
	fmt.Fprintf(&sb, "function %s(args: %s): Promise<any>", name, argType)
	return sb.String()
}

// typeOf renders the type expression for one schema node.
func typeOf(node map[string]any, depth int) string {
	if node == nil || depth >= maxDepth {
		return "any"
	}
	if enum, ok := node["enum"].([]any); ok && len(enum) > 0 {
		parts := make([]string, len(enum))
		for i, v := range enum {
			if s, ok := v.(string); ok {
				parts[i] = fmt.Sprintf("%q", s)
			} else {
				parts[i] = fmt.Sprintf("%v", v)
			}
		}
		return strings.Join(parts, " | ")
	}

	switch typeName(node) {
	case "string":
		return "string"
	case "number", "integer":
		return "number"
	case "boolean":
		return "boolean"
	case "null":
		return "null"
	case "array":
		if items, ok := node["items"].(map[string]any); ok {
			return typeOf(items, depth+1) + "[]"
		}
		return "any[]"
	case "object":
		return objectType(node, depth)
	default:
		// Schemas without a type but with properties behave as objects.
		if _, ok := node["properties"]; ok {
			return objectType(node, depth)
		}
		return "any"
	}
}

// objectType renders an inline object literal type with optional markers for
// non-required fields.
func objectType(node map[string]any, depth int) string {
	props, ok := node["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return "object"
	}
	required := make(map[string]bool)
	if reqs, ok := node["required"].([]any); ok {
		for _, r := range reqs {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		child, _ := props[name].(map[string]any)
		marker := "?"
		if required[name] {
			marker = ""
		}
		parts = append(parts, fmt.Sprintf("%s%s: %s", name, marker, typeOf(child, depth+1)))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// typeName extracts the schema's type keyword, tolerating the array form.
func typeName(node map[string]any) string {
	switch t := node["type"].(type) {
	case string:
		return t
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s != "null" {
				return s
			}
		}
	}
	return ""
}
