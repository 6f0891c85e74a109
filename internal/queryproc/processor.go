// Package queryproc turns raw vendor utterances into retrieval-ready
// queries: it classifies intent, detects meta-queries and conversational
// filler, extracts the topic under discussion and rewrites follow-ups so
// they stand alone. All of it is deterministic table lookups; no model
// calls happen here.
package queryproc

import (
	"strings"
	"unicode"
)

// PriorTurn is the slice of conversation history the processor needs:
// what the user asked and what topic that turn resolved to.
type PriorTurn struct {
	Query string
	Topic string
}

// Result describes one processed utterance.
type Result struct {
	Original  string
	Rewritten string
	Category  Category
	IsMeta    bool
	Topic     string
	// Entities are canonical API/flow tokens found in the utterance,
	// used downstream for metadata scoring.
	Entities []string
	// Conversational is set for greetings/thanks/farewells, with Kind
	// naming which; such utterances skip retrieval entirely.
	Conversational   bool
	ConversationKind string
}

// Processor is stateless and safe for concurrent use.
type Processor struct{}

func New() *Processor { return &Processor{} }

// Process analyzes a single utterance against the conversation so far.
// history is ordered oldest first; only Query and Topic are consulted.
func (p *Processor) Process(query string, history []PriorTurn) Result {
	normalized := normalize(query)
	words := strings.Fields(normalized)

	res := Result{Original: query, Rewritten: query}

	if kind, ok := conversational(normalized); ok {
		res.Conversational = true
		res.ConversationKind = kind
		res.Category = CategoryGeneral
		return res
	}

	res.Topic = extractTopic(normalized, words)
	res.Entities = extractEntities(normalized, words)

	// A meta pattern only counts when the utterance names no topic of
	// its own: "summarize the Block API" is a fresh specific request,
	// "summarize that" is a pointer at the previous answer.
	if res.Topic == "" && matchMeta(normalized) {
		res.IsMeta = true
	}

	res.Category = classify(normalized, words)

	if !res.IsMeta && len(history) > 0 && needsContext(normalized, words) {
		if topic := inheritedTopic(history); topic != "" {
			res.Rewritten = query + " (context: " + topic + ")"
			if res.Topic == "" {
				res.Topic = topic
			}
		}
	}

	return res
}

// classify applies the intent priority table; in-scope utterances that
// match no category vocabulary fall back to general, the rest are
// out_of_scope.
func classify(normalized string, words []string) Category {
	for _, rule := range intentRules {
		for _, term := range rule.terms {
			if containsTerm(normalized, words, term) {
				return rule.category
			}
		}
	}
	if inScope(normalized, words) {
		return CategoryGeneral
	}
	return CategoryOutOfScope
}

// matchMeta reports whether the utterance is an elaboration request:
// a known pattern anchored at the start, with nothing after it except
// tolerated filler words.
func matchMeta(normalized string) bool {
	for _, pat := range metaPatterns {
		if !strings.HasPrefix(normalized, pat) {
			continue
		}
		rest := strings.TrimSpace(normalized[len(pat):])
		if rest == "" {
			return true
		}
		ok := true
		for _, w := range strings.Fields(rest) {
			if _, filler := metaFiller[w]; !filler {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// extractTopic finds the most specific domain phrase in the utterance.
// Multi-word phrases are tried first (longest wins), then API names, then
// their synonyms; both canonicalize to the display form, so "search" and
// "check availability" alike resolve to "Search API".
func extractTopic(normalized string, words []string) string {
	for _, phrase := range topicPhrases {
		if strings.Contains(normalized, phrase) {
			return phrase
		}
	}
	for _, w := range words {
		if display, ok := apiNames[w]; ok {
			return display
		}
	}
	for _, group := range apiSynonyms {
		for _, term := range group.terms {
			if containsTerm(normalized, words, term) {
				return apiNames[group.canonical]
			}
		}
	}
	return ""
}

func extractEntities(normalized string, words []string) []string {
	var out []string
	seen := map[string]struct{}{}
	add := func(tok string) {
		if _, dup := seen[tok]; !dup {
			seen[tok] = struct{}{}
			out = append(out, tok)
		}
	}
	for _, w := range words {
		if _, ok := apiNames[w]; ok {
			add(w)
		}
	}
	for _, group := range apiSynonyms {
		for _, term := range group.terms {
			if containsTerm(normalized, words, term) {
				add(group.canonical)
				break
			}
		}
	}
	for _, stage := range flowStages {
		if containsWord(words, stage) {
			add(stage)
		}
	}
	return out
}

// needsContext decides whether an utterance should be rewritten with the
// conversation topic: short queries, pronoun-bearing queries and explicit
// follow-up phrasings all qualify.
func needsContext(normalized string, words []string) bool {
	if len(words) < 5 {
		return true
	}
	for _, w := range words {
		if _, ok := pronouns[w]; ok {
			return true
		}
	}
	for _, ind := range followupIndicators {
		if strings.Contains(normalized, ind) {
			return true
		}
	}
	return false
}

// inheritedTopic walks the history newest first and returns the first
// recorded topic; when turns carry none it falls back to re-extracting
// from the raw prior queries.
func inheritedTopic(history []PriorTurn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Topic != "" {
			return history[i].Topic
		}
	}
	for i := len(history) - 1; i >= 0; i-- {
		prev := normalize(history[i].Query)
		if topic := extractTopic(prev, strings.Fields(prev)); topic != "" {
			return topic
		}
	}
	return ""
}

func conversational(normalized string) (string, bool) {
	for _, group := range conversationPatterns {
		for _, term := range group.terms {
			if normalized == term {
				return group.kind, true
			}
			// allow a short tail: "hello there", "thanks a lot"
			if strings.HasPrefix(normalized, term+" ") && len(strings.Fields(normalized)) <= 4 {
				return group.kind, true
			}
		}
	}
	return "", false
}

// normalize lowercases, trims surrounding punctuation and collapses
// internal whitespace so vocabulary matching sees a canonical form.
func normalize(query string) string {
	s := strings.ToLower(strings.TrimSpace(query))
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r)
	})
	return strings.Join(strings.Fields(s), " ")
}
