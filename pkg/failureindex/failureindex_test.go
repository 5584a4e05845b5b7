package failureindex

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedIsL2Normalized(t *testing.T) {
	e := Embed(FailureContext{ErrorType: "TimeoutError", Message: "request timed out after 30s"})
	var sumSq float64
	for _, v := range e.Vector {
		sumSq += v * v
	}
	if len(e.Tokens) > 0 {
		assert.InDelta(t, 1.0, sumSq, 1e-9)
	}
}

func TestNormalizeCollapsesWhitespaceAndPunctuation(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("  Hello   World!!  "))
}

func TestTokenizeDropsStopWords(t *testing.T) {
	toks := Tokenize("the request to the server failed")
	assert.NotContains(t, toks, "the")
	assert.NotContains(t, toks, "to")
	assert.Contains(t, toks, "request")
}

func TestCosineSimilaritySelfIsOne(t *testing.T) {
	e := Embed(FailureContext{ErrorType: "NullPointerException", Message: "object reference not set"})
	if len(e.Tokens) > 0 {
		assert.InDelta(t, 1.0, CosineSimilarity(e.Vector, e.Vector), 1e-9)
	}
}

func TestAddAndSearch(t *testing.T) {
	idx := New(Config{MaxRecords: 10, SimilarityThreshold: 0.3})
	idx.Add(FailureContext{ErrorType: "TimeoutError", Message: "connection timed out"}, AddOptions{Resolution: "increase timeout"})
	idx.Add(FailureContext{ErrorType: "NullPointerException", Message: "null reference"}, AddOptions{})

	hits := idx.Search(FailureContext{ErrorType: "TimeoutError", Message: "connection timed out again"}, 5)
	require.NotEmpty(t, hits)
	assert.Equal(t, "TimeoutError", hits[0].Record.Context.ErrorType)
}

func TestCapacityEviction(t *testing.T) {
	idx := New(Config{MaxRecords: 2, SimilarityThreshold: 0})
	r1 := idx.Add(FailureContext{ErrorType: "A", Message: "a"}, AddOptions{})
	idx.Add(FailureContext{ErrorType: "B", Message: "b"}, AddOptions{})
	idx.Add(FailureContext{ErrorType: "C", Message: "c"}, AddOptions{})

	assert.Equal(t, 2, idx.Count())
	_, stillThere := idx.records[r1.ID]
	assert.False(t, stillThere)
}

func TestAddResolution(t *testing.T) {
	idx := New(Config{})
	r := idx.Add(FailureContext{ErrorType: "X"}, AddOptions{})
	require.True(t, idx.AddResolution(r.ID, "restart the service"))
	assert.False(t, idx.AddResolution("missing", "x"))
}

func TestWilsonLowerBoundColdIsHalf(t *testing.T) {
	assert.Equal(t, 0.5, wilsonLowerBound(0, 0))
}

func TestWilsonLowerBoundImprovesWithEvidence(t *testing.T) {
	low := wilsonLowerBound(1, 1)   // single vote, high point estimate but low confidence
	high := wilsonLowerBound(100, 100)
	assert.Less(t, low, high)
	assert.Greater(t, low, 0.0)
}

func TestMatcherSuggestResolutionAndFeedback(t *testing.T) {
	idx := New(Config{SimilarityThreshold: 0.1})
	idx.Add(FailureContext{ErrorType: "TimeoutError", Message: "connection timed out"}, AddOptions{Resolution: "retry with backoff"})
	m := NewMatcher(idx, DefaultWeights)

	suggestion := m.SuggestResolution(FailureContext{ErrorType: "TimeoutError", Message: "connection timed out"})
	require.NotEmpty(t, suggestion.Suggestion)

	best, ok := m.GetBestMatch(FailureContext{ErrorType: "TimeoutError", Message: "connection timed out"})
	require.True(t, ok)

	m.ProvideFeedback(best, true)
	m.ProvideFeedback(best, true)
	quality := m.GetResolutionQuality(best.Resolution)
	assert.Greater(t, quality, 0.0)
}

func TestHasConfidentMatch(t *testing.T) {
	idx := New(Config{SimilarityThreshold: 0.1})
	idx.Add(FailureContext{ErrorType: "X", Message: "repeated failure pattern"}, AddOptions{Resolution: "fix it"})
	m := NewMatcher(idx, DefaultWeights)

	assert.False(t, m.HasConfidentMatch(FailureContext{ErrorType: "X", Message: "repeated failure pattern"}, 0.99))
}

func TestFindPatternsGroupsByErrorType(t *testing.T) {
	idx := New(Config{})
	for i := 0; i < 3; i++ {
		idx.Add(FailureContext{ErrorType: "TimeoutError", Message: fmt.Sprintf("timeout %d", i)}, AddOptions{})
	}
	idx.Add(FailureContext{ErrorType: "OtherError"}, AddOptions{})

	patterns := idx.FindPatterns(2)
	require.Len(t, patterns, 1)
	assert.Equal(t, "TimeoutError", patterns[0].ErrorType)
	assert.Equal(t, 3, patterns[0].Count)
}
