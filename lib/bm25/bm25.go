// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package bm25

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// Okapi BM25 parameters, standard values.
const (
	paramK1      = 1.2
	paramB       = 0.75
	paramEpsilon = 0.25
)

// tokenPattern splits text into alphanumeric runs.
var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Field is one weighted text field of a document. Weight controls how
// many times the field's tokens repeat in the composite document;
// zero or negative skips the field.
type Field struct {
	Text   string
	Weight int
}

// Document is the indexing view of one catalog entry: an identifier
// plus weighted text fields. The ID is carried through to results and
// never scored.
type Document struct {
	ID     string
	Fields []Field
}

// Result is a single ranked hit.
type Result struct {
	ID string

	// Score is unbounded; only its ordering within one search is
	// meaningful.
	Score float64
}

// Index ranks documents against natural language queries with Okapi
// BM25. It is built once over a snapshot and immutable afterward,
// safe for concurrent searches.
type Index struct {
	ids []string

	// termFrequencies[i][term] counts term in document i's composite
	// token stream; lengths[i] is that stream's total size.
	termFrequencies []map[string]int
	lengths         []int
	averageLength   float64

	// idf[term] is precomputed over the whole corpus.
	idf map[string]float64
}

// New builds an index over the given documents. Construction is
// linear in total token count; the catalog rebuilds per search, which
// stays cheap at the corpus sizes one agent accumulates.
func New(documents []Document) *Index {
	index := &Index{
		ids:             make([]string, len(documents)),
		termFrequencies: make([]map[string]int, len(documents)),
		lengths:         make([]int, len(documents)),
		idf:             make(map[string]float64),
	}

	documentFrequency := make(map[string]int)
	totalLength := 0

	for i, document := range documents {
		index.ids[i] = document.ID
		tokens := compositeTokens(document)
		index.lengths[i] = len(tokens)
		totalLength += len(tokens)

		frequency := make(map[string]int)
		for _, token := range tokens {
			if frequency[token] == 0 {
				documentFrequency[token]++
			}
			frequency[token]++
		}
		index.termFrequencies[i] = frequency
	}

	if len(documents) > 0 {
		index.averageLength = float64(totalLength) / float64(len(documents))
	}

	// Terms present in every document keep a small positive score
	// instead of going negative, so they still break ties.
	corpusSize := float64(len(documents))
	for term, frequency := range documentFrequency {
		idf := math.Log(1 + (corpusSize-float64(frequency)+0.5)/(float64(frequency)+0.5))
		if idf < 0 {
			idf = paramEpsilon
		}
		index.idf[term] = idf
	}

	return index
}

// Search returns up to limit documents ranked by relevance. A query
// with no tokens, or one matching nothing, returns an empty slice.
// Limit zero or negative means unlimited.
func (index *Index) Search(query string, limit int) []Result {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	var hits []Result
	for i := range index.ids {
		if score := index.score(i, queryTokens); score > 0 {
			hits = append(hits, Result{ID: index.ids[i], Score: score})
		}
	}

	sort.Slice(hits, func(a, b int) bool {
		return hits[a].Score > hits[b].Score
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (index *Index) score(document int, queryTokens []string) float64 {
	frequency := index.termFrequencies[document]
	length := float64(index.lengths[document])

	var score float64
	for _, token := range queryTokens {
		idf, known := index.idf[token]
		if !known {
			continue
		}
		tf := float64(frequency[token])
		if tf == 0 {
			continue
		}
		numerator := tf * (paramK1 + 1)
		denominator := tf + paramK1*(1-paramB+paramB*length/index.averageLength)
		score += idf * numerator / denominator
	}
	return score
}

// compositeTokens flattens a document into one token stream with each
// field repeated per its weight. Simpler than per-field BM25 and
// equivalent in ranking behavior at small corpus sizes.
func compositeTokens(document Document) []string {
	var tokens []string
	for _, field := range document.Fields {
		if field.Weight <= 0 {
			continue
		}
		fieldTokens := tokenize(field.Text)
		for i := 0; i < field.Weight; i++ {
			tokens = append(tokens, fieldTokens...)
		}
	}
	return tokens
}

// tokenize lowercases and splits into alphanumeric runs, dropping
// single-character tokens as noise.
func tokenize(text string) []string {
	matches := tokenPattern.FindAllString(strings.ToLower(text), -1)
	tokens := matches[:0]
	for _, match := range matches {
		if len(match) >= 2 {
			tokens = append(tokens, match)
		}
	}
	return tokens
}
