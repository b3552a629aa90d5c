package search

import (
	"testing"

	"github.com/codemode/bridge/internal/tool"
)

func entry(name, description string) tool.SearchEntry {
	return tool.SearchEntry{
		Name:        name,
		Description: description,
		RawSchema:   map[string]any{"type": "object"},
	}
}

func TestRankingPrefersConcentratedMatches(t *testing.T) {
	idx := NewBM25Index()
	idx.Rebuild([]tool.SearchEntry{
		{Name: "argocd__deploy_application", Description: "Deploys an application through the deploy pipeline", RawSchema: nil},
		{Name: "github__create_release", Description: "Creates a release which triggers deploy hooks", RawSchema: nil},
	})

	results := idx.Search("deploy", 10)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Name != "argocd__deploy_application" {
		t.Errorf("first result = %q", results[0].Name)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %v then %v", results[0].Score, results[1].Score)
	}
}

func TestZeroScoreOmitted(t *testing.T) {
	idx := NewBM25Index()
	idx.Rebuild([]tool.SearchEntry{
		entry("weather__current", "Current weather conditions"),
		entry("github__create_issue", "Open a new issue"),
	})

	results := idx.Search("weather", 10)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Name != "weather__current" {
		t.Errorf("result = %q", results[0].Name)
	}
}

func TestEmptyRebuildClearsIndex(t *testing.T) {
	idx := NewBM25Index()
	idx.Rebuild([]tool.SearchEntry{entry("a__b", "something searchable")})
	if got := idx.Search("searchable", 5); len(got) != 1 {
		t.Fatalf("precondition failed: %v", got)
	}

	idx.Rebuild(nil)
	if got := idx.Search("searchable", 5); len(got) != 0 {
		t.Errorf("search after empty rebuild = %v, want none", got)
	}
}

func TestSearchNeverReturnsStaleEntries(t *testing.T) {
	idx := NewBM25Index()
	idx.Rebuild([]tool.SearchEntry{entry("old__tool", "legacy widget")})
	idx.Rebuild([]tool.SearchEntry{entry("new__tool", "modern widget")})

	for _, r := range idx.Search("widget", 10) {
		if r.Name == "old__tool" {
			t.Fatal("stale entry survived rebuild")
		}
	}
}

func TestTiesBreakByInsertionOrder(t *testing.T) {
	idx := NewBM25Index()
	idx.Rebuild([]tool.SearchEntry{
		entry("first__ping", "ping service"),
		entry("second__ping", "ping service"),
	})

	results := idx.Search("ping", 10)
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Name != "first__ping" {
		t.Errorf("tie broken against insertion order: %q first", results[0].Name)
	}
}

func TestLimitAndShortTokensDropped(t *testing.T) {
	idx := NewBM25Index()
	idx.Rebuild([]tool.SearchEntry{
		entry("a__one", "alpha system"),
		entry("a__two", "alpha system"),
		entry("a__three", "alpha system"),
	})

	if got := idx.Search("alpha", 2); len(got) != 2 {
		t.Errorf("limit ignored: %d results", len(got))
	}
	// Single-character tokens never match (dropped at tokenization).
	if got := idx.Search("a", 10); len(got) != 0 {
		t.Errorf("single-char query matched: %v", got)
	}
}

func TestSchemaSnippetPrecomputed(t *testing.T) {
	idx := NewBM25Index()
	idx.Rebuild([]tool.SearchEntry{{
		Name:        "svc__fetch",
		Description: "Fetch a document",
		RawSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"url": map[string]any{"type": "string"}},
			"required":   []any{"url"},
		},
	}})

	results := idx.Search("fetch", 1)
	if len(results) != 1 {
		t.Fatal("no result")
	}
	if results[0].Schema == "" {
		t.Error("schema snippet missing")
	}
}
