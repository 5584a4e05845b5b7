package failureindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/arjunmehta/taskforge/pkg/codes"
)

const component = "failure_index"

// DefaultCollection is the Provider collection name failure records are
// upserted into when no per-session or per-project scoping is needed.
const DefaultCollection = "failures"

// Record is one stored failure, optionally annotated with a resolution.
type Record struct {
	ID         string
	Context    FailureContext
	Embedding  Embedding
	Resolution string
	SessionID  string
	Tags       []string
	CreatedAt  time.Time
	TokenCount int

	votesHelpful int
	votesTotal   int
}

// AddOptions are the optional fields accepted by Add.
type AddOptions struct {
	ID         string
	Resolution string
	SessionID  string
	Tags       []string
}

// Config mirrors config.FailureIndexConfig without importing pkg/config.
type Config struct {
	MaxRecords          int
	SimilarityThreshold float64
}

// Stats summarizes the index's current contents.
type Stats struct {
	TotalRecords  int
	ResolvedCount int
	SuccessRate   float64
	SearchCount   int
	TotalTokens   int
}

// ScoredRecord pairs a Record with its similarity to a query context.
type ScoredRecord struct {
	Record     *Record
	Similarity float64
}

// Match is a ResolutionMatcher hit.
type Match struct {
	Record     *Record
	Resolution string
	Similarity float64
	Confidence float64
}

// Suggestion is the outcome of SuggestResolution.
type Suggestion struct {
	Suggestion  string
	Confidence  float64
	Explanation string
	Alternatives []Match
}

// Index is the FailureIndex + ResolutionMatcher (C6). The zero value is not
// usable; construct with New.
type Index struct {
	mu sync.RWMutex

	maxRecords int
	threshold  float64

	order   []string // insertion order, for capacity eviction
	records map[string]*Record
	nextID  int
	searchCount int

	provider Provider
}

func New(cfg Config) *Index {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 10000
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.5
	}
	return &Index{
		maxRecords: cfg.MaxRecords,
		threshold:  cfg.SimilarityThreshold,
		records:    make(map[string]*Record),
	}
}

// SetProvider attaches a durable vector-store backend. Once set, every Add
// also upserts into the provider on a best-effort basis; the in-memory
// feature-hashed search in Search remains authoritative for ranking, so a
// provider outage degrades durability, not matching.
func (idx *Index) SetProvider(p Provider) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.provider = p
}

// Add embeds context and stores it, evicting the oldest record if the
// index is at capacity.
func (idx *Index) Add(fc FailureContext, opts AddOptions) *Record {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id := opts.ID
	if id == "" {
		idx.nextID++
		id = fmt.Sprintf("rec-%d", idx.nextID)
	}

	r := &Record{
		ID:         id,
		Context:    fc,
		Embedding:  Embed(fc),
		Resolution: opts.Resolution,
		SessionID:  opts.SessionID,
		Tags:       opts.Tags,
		CreatedAt:  time.Now(),
		TokenCount: countTokens(fc.Message),
	}
	idx.records[id] = r
	idx.order = append(idx.order, id)

	if len(idx.order) > idx.maxRecords {
		oldest := idx.order[0]
		idx.order = idx.order[1:]
		delete(idx.records, oldest)
	}

	if idx.provider != nil {
		// Best-effort: a down provider must never block matching, which
		// runs entirely off the in-memory embedding above. SyncRecord lets
		// a caller retry and observe the failure explicitly.
		_ = idx.provider.Upsert(context.Background(), DefaultCollection, r.ID, r.Embedding.Vector, providerMetadata(r))
	}
	return r
}

func providerMetadata(r *Record) map[string]any {
	return map[string]any{
		"error_type": r.Context.ErrorType,
		"session_id": r.SessionID,
		"resolution": r.Resolution,
	}
}

// SyncRecord re-upserts an existing record into the attached Provider,
// surfacing any error Add's best-effort write swallowed. It is a no-op
// returning nil when no Provider is attached.
func (idx *Index) SyncRecord(ctx context.Context, id string) error {
	idx.mu.RLock()
	provider := idx.provider
	r, ok := idx.records[id]
	idx.mu.RUnlock()
	if provider == nil || !ok {
		return nil
	}
	if err := provider.Upsert(ctx, DefaultCollection, r.ID, r.Embedding.Vector, providerMetadata(r)); err != nil {
		return codes.Wrap(component, codes.SaveFailed, "sync record to provider", err)
	}
	return nil
}

// AddResolution attaches a resolution to an existing record.
func (idx *Index) AddResolution(recordID, resolution string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	r, ok := idx.records[recordID]
	if !ok {
		return false
	}
	r.Resolution = resolution
	return true
}

// Search returns records similar to fc, sorted descending by similarity,
// filtered to similarity >= threshold. topK<=0 means unlimited.
func (idx *Index) Search(fc FailureContext, topK int) []ScoredRecord {
	idx.mu.Lock()
	idx.searchCount++
	idx.mu.Unlock()

	q := Embed(fc)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var scored []ScoredRecord
	for _, id := range idx.order {
		r := idx.records[id]
		sim := CosineSimilarity(q.Vector, r.Embedding.Vector)
		if sim >= idx.threshold {
			scored = append(scored, ScoredRecord{Record: r, Similarity: sim})
		}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// FindResolutions returns records with a non-empty resolution matching fc.
// With onlySuccessful it keeps only records whose Wilson lower bound on
// helpful votes is at least 0.5; a record with no votes scores exactly 0.5
// and is kept.
func (idx *Index) FindResolutions(fc FailureContext, onlySuccessful bool) []ScoredRecord {
	hits := idx.Search(fc, 0)
	var out []ScoredRecord
	for _, h := range hits {
		if h.Record.Resolution == "" {
			continue
		}
		if onlySuccessful && wilsonLowerBound(h.Record.votesHelpful, h.Record.votesTotal) < 0.5 {
			continue
		}
		out = append(out, h)
	}
	return out
}

func (idx *Index) GetByTag(tag string) []*Record {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []*Record
	for _, id := range idx.order {
		r := idx.records[id]
		for _, t := range r.Tags {
			if t == tag {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

func (idx *Index) GetByType(errorType string) []*Record {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []*Record
	for _, id := range idx.order {
		if idx.records[id].Context.ErrorType == errorType {
			out = append(out, idx.records[id])
		}
	}
	return out
}

func (idx *Index) GetRecent(n int) []*Record {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	start := len(idx.order) - n
	if start < 0 {
		start = 0
	}
	out := make([]*Record, 0, len(idx.order)-start)
	for i := len(idx.order) - 1; i >= start; i-- {
		out = append(out, idx.records[idx.order[i]])
	}
	return out
}

func (idx *Index) GetStats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var resolved, successful, tokens int
	for _, r := range idx.records {
		tokens += r.TokenCount
		if r.Resolution != "" {
			resolved++
			if r.votesTotal > 0 && float64(r.votesHelpful)/float64(r.votesTotal) >= 0.5 {
				successful++
			}
		}
	}
	rate := 0.0
	if resolved > 0 {
		rate = float64(successful) / float64(resolved)
	}
	return Stats{
		TotalRecords:  len(idx.records),
		ResolvedCount: resolved,
		SuccessRate:   rate,
		SearchCount:   idx.searchCount,
		TotalTokens:   tokens,
	}
}

// Pattern groups records sharing an error type.
type Pattern struct {
	ErrorType string
	Count     int
}

// FindPatterns returns error types occurring at least minCount times,
// sorted by count descending.
func (idx *Index) FindPatterns(minCount int) []Pattern {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	counts := map[string]int{}
	for _, r := range idx.records {
		counts[r.Context.ErrorType]++
	}
	var out []Pattern
	for t, c := range counts {
		if c >= minCount {
			out = append(out, Pattern{ErrorType: t, Count: c})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// Count returns the number of records currently stored.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.order)
}

func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.records = make(map[string]*Record)
	idx.order = nil
	idx.searchCount = 0
}

// wilsonLowerBound computes the 95% Wilson score interval lower bound for a
// Bernoulli proportion of helpful/total votes. Cold resolutions (no votes)
// score 0.5 rather than 0, so they neither outrank nor are unfairly
// penalized relative to untested alternatives.
func wilsonLowerBound(helpful, total int) float64 {
	if total == 0 {
		return 0.5
	}
	const z = 1.959963985 // 95% confidence
	n := float64(total)
	p := float64(helpful) / n
	denom := 1 + z*z/n
	center := p + z*z/(2*n)
	margin := z * math.Sqrt(p*(1-p)/n+z*z/(4*n*n))
	return (center - margin) / denom
}
