package failureindex

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MatcherWeights are the α/β/γ coefficients combining similarity, Wilson
// feedback, and recency into one confidence score. They MUST sum to 1 for
// the result to stay within [0,1].
type MatcherWeights struct {
	Similarity float64
	Feedback   float64
	Recency    float64
}

// DefaultWeights favors similarity first, feedback second, with a light
// recency tiebreaker.
var DefaultWeights = MatcherWeights{Similarity: 0.6, Feedback: 0.3, Recency: 0.1}

// Matcher wraps an Index to rank resolutions by confidence and track
// operator feedback per resolution.
type Matcher struct {
	idx     *Index
	weights MatcherWeights

	mu    sync.Mutex
	votes map[string]*voteTally // keyed by resolution text

	cache VoteCache // optional, e.g. RedisVoteCache; nil uses votes only
}

// SetCache attaches a VoteCache so feedback tallies are shared across
// processes instead of living only in this Matcher's in-memory map.
func (m *Matcher) SetCache(c VoteCache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = c
}

type voteTally struct {
	helpful int
	total   int
}

func NewMatcher(idx *Index, weights MatcherWeights) *Matcher {
	if weights == (MatcherWeights{}) {
		weights = DefaultWeights
	}
	return &Matcher{idx: idx, weights: weights, votes: make(map[string]*voteTally)}
}

func recencyFactor(createdAt time.Time) float64 {
	age := time.Since(createdAt)
	// 1.0 at age=0, 0.5 at 30 days, 0.25 at 90 days; approaches 0 only slowly
	halfLife := 30 * 24 * time.Hour
	return 1.0 / (1.0 + float64(age)/float64(halfLife))
}

func (m *Matcher) confidence(sim float64, resolution string, createdAt time.Time) float64 {
	helpful, total := m.tally(resolution)
	wilson := wilsonLowerBound(helpful, total)
	recency := recencyFactor(createdAt)
	return m.weights.Similarity*sim + m.weights.Feedback*wilson + m.weights.Recency*recency
}

// Match returns every record with a non-empty, similar-enough resolution,
// scored by confidence and sorted descending.
func (m *Matcher) Match(fc FailureContext) []Match {
	hits := m.idx.Search(fc, 0)
	var matches []Match
	for _, h := range hits {
		if h.Record.Resolution == "" {
			continue
		}
		matches = append(matches, Match{
			Record:     h.Record,
			Resolution: h.Record.Resolution,
			Similarity: h.Similarity,
			Confidence: m.confidence(h.Similarity, h.Record.Resolution, h.Record.CreatedAt),
		})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Confidence > matches[j].Confidence })
	return matches
}

// GetBestMatch returns the single highest-confidence Match, if any.
func (m *Matcher) GetBestMatch(fc FailureContext) (Match, bool) {
	matches := m.Match(fc)
	if len(matches) == 0 {
		return Match{}, false
	}
	return matches[0], true
}

// HasConfidentMatch reports whether the best match's confidence meets
// threshold.
func (m *Matcher) HasConfidentMatch(fc FailureContext, threshold float64) bool {
	best, ok := m.GetBestMatch(fc)
	return ok && best.Confidence >= threshold
}

// SuggestResolution returns the best match as a suggestion, with
// alternatives trailing it.
func (m *Matcher) SuggestResolution(fc FailureContext) Suggestion {
	matches := m.Match(fc)
	if len(matches) == 0 {
		return Suggestion{Explanation: "no similar prior failure found"}
	}
	best := matches[0]
	alts := matches[1:]
	return Suggestion{
		Suggestion:  best.Resolution,
		Confidence:  best.Confidence,
		Explanation: fmt.Sprintf("matched prior failure %s with similarity %.2f", best.Record.ID, best.Similarity),
		Alternatives: alts,
	}
}

// tally returns a resolution's helpful/total vote counts, preferring the
// attached VoteCache (shared across processes) over the local map.
func (m *Matcher) tally(resolution string) (helpful, total int) {
	m.mu.Lock()
	cache := m.cache
	t, ok := m.votes[resolution]
	m.mu.Unlock()

	if cache != nil {
		if h, tot, err := cache.Get(context.Background(), resolution); err == nil {
			return h, tot
		}
	}
	if ok {
		return t.helpful, t.total
	}
	return 0, 0
}

// ProvideFeedback records a vote on whether a suggested match's resolution
// was helpful, updating both the matcher's running tally (or the attached
// VoteCache) and the backing record's vote counts used by Index.GetStats.
func (m *Matcher) ProvideFeedback(match Match, helpful bool) {
	m.mu.Lock()
	t, ok := m.votes[match.Resolution]
	if !ok {
		t = &voteTally{}
		m.votes[match.Resolution] = t
	}
	t.total++
	if helpful {
		t.helpful++
	}
	cache := m.cache
	m.mu.Unlock()

	if cache != nil {
		_ = cache.Incr(context.Background(), match.Resolution, helpful)
	}

	m.idx.mu.Lock()
	match.Record.votesTotal++
	if helpful {
		match.Record.votesHelpful++
	}
	m.idx.mu.Unlock()
}

// GetResolutionQuality returns the Wilson lower bound for a resolution's
// accumulated feedback, defaulting to 0.5 when no votes exist.
func (m *Matcher) GetResolutionQuality(resolution string) float64 {
	helpful, total := m.tally(resolution)
	return wilsonLowerBound(helpful, total)
}

// FindCommonResolutions returns resolutions seen for a given error type,
// most frequent first.
func (m *Matcher) FindCommonResolutions(errorType string) []string {
	records := m.idx.GetByType(errorType)
	counts := map[string]int{}
	for _, r := range records {
		if r.Resolution != "" {
			counts[r.Resolution]++
		}
	}
	type kv struct {
		resolution string
		count      int
	}
	kvs := make([]kv, 0, len(counts))
	for k, v := range counts {
		kvs = append(kvs, kv{k, v})
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].count > kvs[j].count })
	out := make([]string, len(kvs))
	for i, e := range kvs {
		out[i] = e.resolution
	}
	return out
}

// PatternAnalysis is the outcome of AnalyzePatterns.
type PatternAnalysis struct {
	ByType         map[string]int
	MostEffective  []string
	RecentTrend    []Pattern
}

// AnalyzePatterns groups failures by type, ranks resolutions by quality,
// and reports the most recently dominant error types.
func (m *Matcher) AnalyzePatterns() PatternAnalysis {
	byType := map[string]int{}
	for _, r := range m.idx.GetRecent(m.idx.Count()) {
		byType[r.Context.ErrorType]++
	}

	type scored struct {
		resolution string
		quality    float64
	}
	var all []scored
	for res := range m.votes {
		all = append(all, scored{res, m.GetResolutionQuality(res)})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].quality > all[j].quality })
	var mostEffective []string
	for _, s := range all {
		mostEffective = append(mostEffective, s.resolution)
	}

	return PatternAnalysis{
		ByType:        byType,
		MostEffective: mostEffective,
		RecentTrend:   m.idx.FindPatterns(1),
	}
}
