// Package ranking fuses semantic similarity with lexical and metadata
// signals to pick the documentation chunks a query is actually about.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ostrenko/parley/internal/queryproc"
	"github.com/ostrenko/parley/internal/retrieval"
)

// ErrSearchUnavailable wraps any failure of the underlying vector search.
// Retrieval fails closed: callers get this error and no partial results.
var ErrSearchUnavailable = errors.New("search unavailable")

// Searcher is the slice of retrieval.Retriever the engine needs.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]retrieval.Chunk, error)
}

// Weights balance the three scoring components. They must be positive and
// sum to 1, with Semantic strictly the largest; config validation enforces
// that before an Engine is ever built.
type Weights struct {
	Semantic float64
	Keyword  float64
	Metadata float64
}

// DefaultWeights favor semantic similarity while letting exact term hits
// and metadata matches break ties.
var DefaultWeights = Weights{Semantic: 0.6, Keyword: 0.25, Metadata: 0.15}

type Config struct {
	Weights Weights
	// Floor is the minimum fused score a chunk needs to be returned at all.
	Floor float64
	// TopK is how many chunks a query resolves to after filtering.
	TopK int
}

func DefaultConfig() Config {
	return Config{Weights: DefaultWeights, Floor: 0.65, TopK: 5}
}

// Result is one ranked chunk with its component scores exposed so callers
// can explain why it was selected.
type Result struct {
	retrieval.Chunk
	Semantic float64
	Keyword  float64
	Metadata float64
	Fused    float64
	Rank     int
}

// Confidence summarizes how well the returned set matched the query.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

const (
	// overFetchFactor and overFetchCap bound the candidate pool pulled
	// from vector search before re-ranking.
	overFetchFactor = 3
	overFetchCap    = 20

	// nearDuplicateOverlap is the token Jaccard similarity above which
	// two chunk fingerprints count as the same content.
	nearDuplicateOverlap = 0.85

	// maxPerSection keeps results from clustering in one document section.
	maxPerSection = 2

	fingerprintLen = 300
)

type Engine struct {
	searcher Searcher
	cfg      Config
}

func New(searcher Searcher, cfg Config) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	return &Engine{searcher: searcher, cfg: cfg}
}

// Retrieve runs the full hybrid pipeline for one processed query: over-fetch
// candidates, score, fuse, deduplicate, diversify, apply the relevance floor
// and truncate. The entities and category come from query processing and
// drive the metadata component.
func (e *Engine) Retrieve(ctx context.Context, query string, entities []string, category queryproc.Category) ([]Result, Confidence, error) {
	fetchK := e.cfg.TopK * overFetchFactor
	if fetchK > overFetchCap {
		fetchK = overFetchCap
	}

	candidates, err := e.searcher.Search(ctx, query, fetchK)
	if err != nil {
		return nil, ConfidenceNone, fmt.Errorf("%w: %v", ErrSearchUnavailable, err)
	}

	queryTokens := tokenize(query)

	scored := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		r := Result{
			Chunk:    c,
			Semantic: clamp01(float64(c.Score)),
			Keyword:  keywordScore(queryTokens, c),
			Metadata: metadataScore(c, entities, category),
		}
		r.Fused = e.cfg.Weights.Semantic*r.Semantic +
			e.cfg.Weights.Keyword*r.Keyword +
			e.cfg.Weights.Metadata*r.Metadata
		scored = append(scored, r)
	}

	// Deterministic order: fused desc, then semantic desc, then the
	// older chunk (lower ingestion sequence) first.
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Fused != scored[j].Fused {
			return scored[i].Fused > scored[j].Fused
		}
		if scored[i].Semantic != scored[j].Semantic {
			return scored[i].Semantic > scored[j].Semantic
		}
		return scored[i].Seq < scored[j].Seq
	})

	selected := e.selectResults(scored)
	for i := range selected {
		selected[i].Rank = i + 1
	}
	return selected, Grade(selected), nil
}

// selectResults walks the sorted candidates applying the relevance floor,
// near-duplicate suppression and per-section diversity, stopping at TopK.
func (e *Engine) selectResults(scored []Result) []Result {
	selected := make([]Result, 0, e.cfg.TopK)
	fingerprints := make([]map[string]struct{}, 0, e.cfg.TopK)
	perSection := map[string]int{}

	for _, r := range scored {
		if r.Fused < e.cfg.Floor {
			continue
		}
		if perSection[r.Section] >= maxPerSection {
			continue
		}
		fp := fingerprint(r.Text)
		dup := false
		for _, prev := range fingerprints {
			if jaccard(fp, prev) > nearDuplicateOverlap {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		selected = append(selected, r)
		fingerprints = append(fingerprints, fp)
		perSection[r.Section]++
		if len(selected) == e.cfg.TopK {
			break
		}
	}
	return selected
}

// Grade maps a result set to a confidence band by the average fused score.
func Grade(results []Result) Confidence {
	if len(results) == 0 {
		return ConfidenceNone
	}
	var sum float64
	for _, r := range results {
		sum += r.Fused
	}
	avg := sum / float64(len(results))
	switch {
	case avg >= 0.80:
		return ConfidenceHigh
	case avg >= 0.70:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// keywordScore is the fraction of query tokens present in the chunk's text
// or tag set, with a small bonus for repeated occurrences. Stopwords are
// stripped on the query side; a query that is all stopwords scores zero
// everywhere.
func keywordScore(queryTokens []string, c retrieval.Chunk) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	textTokens := map[string]int{}
	for _, w := range strings.FieldsFunc(strings.ToLower(c.Text), isTokenSep) {
		textTokens[w]++
	}
	for _, tag := range c.Tags {
		for _, w := range strings.FieldsFunc(strings.ToLower(tag), isTokenSep) {
			textTokens[w]++
		}
	}

	matched := 0
	bonus := 0.0
	for _, qt := range queryTokens {
		n := textTokens[qt]
		if n == 0 {
			continue
		}
		matched++
		if n > 1 {
			bonus += math.Min(float64(n-1)*0.1, 0.3)
		}
	}
	score := float64(matched)/float64(len(queryTokens)) + bonus/float64(len(queryTokens))
	return clamp01(score)
}

// metadataScore rewards chunks whose structured metadata lines up with the
// entities and intent the query processor extracted: a matching API name or
// flow stage is worth 0.4 each, intent/section affinity another 0.2.
func metadataScore(c retrieval.Chunk, entities []string, category queryproc.Category) float64 {
	score := 0.0
	api := strings.ToLower(c.APIName)
	stage := strings.ToLower(c.FlowStage)
	for _, e := range entities {
		if api != "" && e == api {
			score += 0.4
			break
		}
	}
	for _, e := range entities {
		if stage != "" && e == stage {
			score += 0.4
			break
		}
	}
	if sectionAffinity(c, category) {
		score += 0.2
	}
	return clamp01(score)
}

func sectionAffinity(c retrieval.Chunk, category queryproc.Category) bool {
	section := strings.ToLower(c.Section)
	switch category {
	case queryproc.CategoryErrorHandling:
		return strings.Contains(section, "error") || hasTag(c, "errors")
	case queryproc.CategoryAPIUsage:
		return c.APIName != ""
	case queryproc.CategoryBookingFlow:
		return c.FlowStage != ""
	default:
		return false
	}
}

func hasTag(c retrieval.Chunk, tag string) bool {
	for _, t := range c.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// fingerprint is the token set of the first fingerprintLen characters of
// the chunk text, used for near-duplicate detection.
func fingerprint(text string) map[string]struct{} {
	lower := strings.ToLower(text)
	if len(lower) > fingerprintLen {
		lower = lower[:fingerprintLen]
	}
	set := map[string]struct{}{}
	for _, w := range strings.FieldsFunc(lower, isTokenSep) {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "be": {},
	"do": {}, "does": {}, "did": {}, "how": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "why": {}, "can": {}, "could": {},
	"i": {}, "me": {}, "my": {}, "you": {}, "your": {}, "it": {}, "its": {},
	"in": {}, "on": {}, "of": {}, "to": {}, "for": {}, "with": {}, "and": {},
	"or": {}, "this": {}, "that": {}, "about": {}, "from": {}, "at": {},
}

func tokenize(query string) []string {
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(query), isTokenSep) {
		if _, stop := stopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}

func isTokenSep(r rune) bool {
	return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
