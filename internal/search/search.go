// Package search provides BM25-ranked in-memory discovery over tool names
// and descriptions. The index is immutable once built and replaced atomically
// on every rebuild, so readers always see either the previous or the new
// snapshot — never a partial one. The interface is backend-agnostic on
// purpose: a different ranking backend can be slotted in behind [Index].
package search

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/codemode/bridge/internal/schema"
	"github.com/codemode/bridge/internal/tool"
)

// BM25 parameters.
const (
	k1 = 1.2
	b  = 0.75
)

// Result is one ranked search hit. Schema is the pre-computed
// type-declaration snippet for the tool, generated once at build time.
type Result struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Schema      string  `json:"schema"`
	Score       float64 `json:"-"`
}

// Index ranks tools by BM25 over their name and description.
type Index interface {
	// Rebuild atomically replaces the index contents.
	Rebuild(entries []tool.SearchEntry)

	// Search returns up to limit results by descending score. Zero-score
	// documents are omitted; ties break by insertion order.
	Search(query string, limit int) []Result
}

// document is one indexed tool with pre-computed stats.
type document struct {
	name        string
	description string
	snippet     string
	terms       map[string]int
	length      int
}

// snapshot is one immutable index generation.
type snapshot struct {
	docs      []document
	docFreq   map[string]int
	avgLength float64
}

// BM25Index implements [Index]. Safe for concurrent use.
type BM25Index struct {
	mu   sync.RWMutex
	snap *snapshot
}

var _ Index = (*BM25Index)(nil)

// NewBM25Index creates an empty index.
func NewBM25Index() *BM25Index {
	return &BM25Index{snap: &snapshot{docFreq: map[string]int{}}}
}

// Rebuild implements [Index]. Each entry's schema snippet is generated once,
// best-effort (an empty string on generation failure), and stored alongside
// the document.
func (idx *BM25Index) Rebuild(entries []tool.SearchEntry) {
	snap := &snapshot{docFreq: make(map[string]int)}
	totalLength := 0

	for _, entry := range entries {
		terms := make(map[string]int)
		tokens := tokenize(entry.Name + " " + entry.Description)
		for _, t := range tokens {
			terms[t]++
		}
		for t := range terms {
			snap.docFreq[t]++
		}
		totalLength += len(tokens)
		snap.docs = append(snap.docs, document{
			name:        entry.Name,
			description: entry.Description,
			snippet:     schema.TypeDeclaration(entry.Name, entry.Description, entry.RawSchema),
			terms:       terms,
			length:      len(tokens),
		})
	}
	if len(snap.docs) > 0 {
		snap.avgLength = float64(totalLength) / float64(len(snap.docs))
	}

	idx.mu.Lock()
	idx.snap = snap
	idx.mu.Unlock()
}

// Search implements [Index].
func (idx *BM25Index) Search(query string, limit int) []Result {
	idx.mu.RLock()
	snap := idx.snap
	idx.mu.RUnlock()

	if limit <= 0 || len(snap.docs) == 0 {
		return nil
	}
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil
	}

	n := float64(len(snap.docs))
	type scored struct {
		order int
		score float64
	}
	var hits []scored
	for i, doc := range snap.docs {
		score := 0.0
		for _, term := range queryTerms {
			tf := float64(doc.terms[term])
			if tf == 0 {
				continue
			}
			df := float64(snap.docFreq[term])
			// Robertson–Spärck Jones IDF with +1 smoothing: rare terms
			// contribute positively and no term yields log(0).
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			norm := k1 * (1 - b + b*float64(doc.length)/snap.avgLength)
			score += idf * (tf * (k1 + 1)) / (tf + norm)
		}
		if score > 0 {
			hits = append(hits, scored{order: i, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		doc := snap.docs[h.order]
		results[i] = Result{
			Name:        doc.name,
			Description: doc.description,
			Schema:      doc.snippet,
			Score:       h.score,
		}
	}
	return results
}

// tokenize lowercases text, splits on any non-alphanumeric rune, and drops
// tokens of length ≤ 1.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
