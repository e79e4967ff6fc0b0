// Package searchidx implements the offline full-text search index.
//
// The index is a field-weighted BM25 inverted index over corpus articles:
// title matches are boosted over summary matches, which are boosted over
// body matches. Ranking is deterministic — equal scores break ties by
// ascending document ID — and the whole index serializes to a compact
// artifact that reloads without rebuilding.
package searchidx

import (
	"fmt"
	"math"
	"sort"
	"sync"

	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
)

// BM25 parameters, standard values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Field weights. Title matches dominate, summaries beat raw content.
const (
	weightTitle   = 3.0
	weightSummary = 2.0
	weightContent = 1.0
)

// Document is one indexable article. The index stores only derived data
// plus the ID, title, and enough text to build snippets; articles remain
// owned by the storage layer.
type Document struct {
	ID       string
	Title    string
	Summary  string
	Content  string
	Category string
}

// Result is one search hit.
type Result struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// SearchOptions configures a query.
type SearchOptions struct {
	// Limit is the maximum number of results. Zero yields no results;
	// callers wanting a default must pass one explicitly.
	Limit int

	// Category restricts results to documents with this category.
	// Empty means no filtering.
	Category string
}

// posting records a document's weighted term frequency for one term.
type posting struct {
	DocID string
	// WeightedTF is the field-weight-scaled term frequency.
	WeightedTF float64
}

// docInfo is per-document data retained for scoring and display.
type docInfo struct {
	Title    string
	Summary  string
	Content  string
	Category string
	// Length is the weighted token count, used for BM25 normalization.
	Length float64
}

// indexState is the serializable core of the index.
type indexState struct {
	Postings map[string][]posting
	Docs     map[string]docInfo
	TotalLen float64
	DocCount int
}

// Index is the in-memory search index. Safe for concurrent searches;
// Build and Load must complete before Search is called.
type Index struct {
	mu    sync.RWMutex
	state *indexState
}

// New returns an empty, not-ready index.
func New() *Index {
	return &Index{}
}

// Ready reports whether the index can serve searches.
func (idx *Index) Ready() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.state != nil
}

// DocCount returns the number of indexed documents, 0 when not ready.
func (idx *Index) DocCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.state == nil {
		return 0
	}
	return idx.state.DocCount
}

// Build constructs the index from documents and returns the serialized
// artifact for caching. Duplicate IDs keep the last occurrence.
func (idx *Index) Build(docs []Document) (*Artifact, error) {
	state := &indexState{
		Postings: make(map[string][]posting),
		Docs:     make(map[string]docInfo, len(docs)),
	}

	for _, doc := range docs {
		if doc.ID == "" {
			return nil, apperrors.New(apperrors.ErrCodeInvalidResource,
				fmt.Sprintf("document with empty ID (title %q)", doc.Title), nil)
		}
		addDocument(state, doc)
	}

	// Postings sorted by doc ID make scoring iteration deterministic and
	// the serialized artifact byte-stable.
	for term := range state.Postings {
		ps := state.Postings[term]
		sort.Slice(ps, func(i, j int) bool { return ps[i].DocID < ps[j].DocID })
		state.Postings[term] = ps
	}

	artifact, err := encodeState(state)
	if err != nil {
		return nil, err
	}

	idx.mu.Lock()
	idx.state = state
	idx.mu.Unlock()

	return artifact, nil
}

// Load reconstructs the index from a previously built artifact.
// It never rebuilds; a version mismatch or corrupt payload returns
// ErrCodeIndexCorrupt so the caller can fall back to Build.
func (idx *Index) Load(artifact *Artifact) error {
	state, err := decodeState(artifact)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	idx.state = state
	idx.mu.Unlock()
	return nil
}

// Search returns up to opts.Limit results ranked by descending BM25 score,
// ties broken by ascending document ID.
func (idx *Index) Search(query string, opts SearchOptions) ([]Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.state == nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexNotReady,
			"search index has not been built or loaded", nil).
			WithSuggestion("run 'localwiki fetch <package>' first")
	}

	if opts.Limit <= 0 {
		return []Result{}, nil
	}

	terms := TokenizeQuery(query)
	if len(terms) == 0 {
		return []Result{}, nil
	}

	state := idx.state
	scores := make(map[string]float64)

	avgLen := 0.0
	if state.DocCount > 0 {
		avgLen = state.TotalLen / float64(state.DocCount)
	}

	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		// A term repeated in the query counts once.
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}

		postings, ok := state.Postings[term]
		if !ok {
			continue
		}

		idf := computeIDF(state.DocCount, len(postings))
		for _, p := range postings {
			info := state.Docs[p.DocID]
			if opts.Category != "" && info.Category != opts.Category {
				continue
			}
			tf := p.WeightedTF
			num := tf * (bm25K1 + 1)
			denom := tf + bm25K1*(1-bm25B+bm25B*(info.Length/avgLen))
			scores[p.DocID] += idf * (num / denom)
		}
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		info := state.Docs[id]
		results = append(results, Result{
			ID:      id,
			Title:   info.Title,
			Snippet: buildSnippet(info, terms),
			Score:   score,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Categories returns the distinct categories present in the index, sorted.
func (idx *Index) Categories() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.state == nil {
		return nil
	}
	set := make(map[string]struct{})
	for _, info := range idx.state.Docs {
		if info.Category != "" {
			set[info.Category] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func addDocument(state *indexState, doc Document) {
	if old, exists := state.Docs[doc.ID]; exists {
		// Replace: subtract the old document's contribution.
		state.TotalLen -= old.Length
		state.DocCount--
		for term := range state.Postings {
			ps := state.Postings[term]
			for i := range ps {
				if ps[i].DocID == doc.ID {
					state.Postings[term] = append(ps[:i], ps[i+1:]...)
					break
				}
			}
		}
	}

	weighted := make(map[string]float64)
	var length float64
	for _, field := range []struct {
		text   string
		weight float64
	}{
		{doc.Title, weightTitle},
		{doc.Summary, weightSummary},
		{doc.Content, weightContent},
	} {
		tokens := Tokenize(field.text)
		length += float64(len(tokens)) * field.weight
		for _, tok := range tokens {
			weighted[tok] += field.weight
		}
	}

	state.Docs[doc.ID] = docInfo{
		Title:    doc.Title,
		Summary:  doc.Summary,
		Content:  doc.Content,
		Category: doc.Category,
		Length:   length,
	}
	state.TotalLen += length
	state.DocCount++

	for term, tf := range weighted {
		state.Postings[term] = append(state.Postings[term], posting{DocID: doc.ID, WeightedTF: tf})
	}
}

// computeIDF is the BM25+ variant that never goes negative for very
// common terms.
func computeIDF(docCount, df int) float64 {
	return math.Log(1 + (float64(docCount)-float64(df)+0.5)/(float64(df)+0.5))
}
