package schema

import (
	"strings"
	"testing"
)

func TestTypeDeclarationObject(t *testing.T) {
	raw := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":     map[string]any{"type": "string"},
			"timeout": map[string]any{"type": "number"},
		},
		"required": []any{"url"},
	}
	got := TypeDeclaration("web__fetch", "Fetch a page.", raw)

	if !strings.Contains(got, "// Fetch a page.") {
		t.Errorf("missing description comment: %q", got)
	}
	if !strings.Contains(got, "function web__fetch(args: {timeout?: number, url: string}): Promise<any>") {
		t.Errorf("unexpected declaration: %q", got)
	}
}

func TestTypeDeclarationNestedAndArrays(t *testing.T) {
	raw := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"meta": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"depth": map[string]any{"type": "integer"},
				},
			},
		},
	}
	got := TypeDeclaration("t", "", raw)
	if !strings.Contains(got, "tags?: string[]") {
		t.Errorf("array rendering wrong: %q", got)
	}
	if !strings.Contains(got, "meta?: {depth?: number}") {
		t.Errorf("nested object rendering wrong: %q", got)
	}
}

func TestTypeDeclarationEnum(t *testing.T) {
	raw := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"level": map[string]any{"enum": []any{"low", "high"}},
		},
	}
	got := TypeDeclaration("t", "", raw)
	if !strings.Contains(got, `level?: "low" | "high"`) {
		t.Errorf("enum rendering wrong: %q", got)
	}
}

func TestTypeDeclarationDegradesGracefully(t *testing.T) {
	if got := TypeDeclaration("t", "", nil); !strings.Contains(got, "function t(args: any): Promise<any>") {
		t.Errorf("nil schema: %q", got)
	}
	raw := map[string]any{"type": "object", "properties": "not-a-map"}
	if got := TypeDeclaration("t", "", raw); !strings.Contains(got, "args: object") {
		t.Errorf("malformed properties: %q", got)
	}
}

func TestTypeDeclarationMultilineDescription(t *testing.T) {
	got := TypeDeclaration("t", "line one\nline two", map[string]any{"type": "object"})
	if !strings.Contains(got, "// line one\n// line two\n") {
		t.Errorf("multiline description: %q", got)
	}
}
