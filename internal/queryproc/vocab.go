package queryproc

import "strings"

// Category classifies what a vendor utterance is about.
type Category string

const (
	CategoryAPIUsage      Category = "api_usage"
	CategoryBookingFlow   Category = "booking_flow"
	CategoryErrorHandling Category = "error_handling"
	CategoryGeneral       Category = "general"
	CategoryOutOfScope    Category = "out_of_scope"
)

// intentRule pairs a category with the vocabulary that votes for it.
// Rules are evaluated in priority order; the first rule with a matching
// term wins.
type intentRule struct {
	category Category
	terms    []string
}

// intentRules is the fixed priority table: api_usage beats error_handling
// beats booking_flow; general is the in-scope fallback.
var intentRules = []intentRule{
	{
		category: CategoryAPIUsage,
		terms: []string{
			"api", "endpoint", "request", "response", "payload", "parameter",
			"parameters", "header", "authentication", "auth", "credentials",
			"call", "invoke", "integrate", "integration",
			"search", "block", "paid", "assign", "reassign", "detach",
		},
	},
	{
		category: CategoryErrorHandling,
		terms: []string{
			"error", "errors", "fail", "failed", "failure", "cancel",
			"cancellation", "cancelled", "issue", "problem", "retry",
			"timeout", "reject", "rejected", "not working",
		},
	},
	{
		category: CategoryBookingFlow,
		terms: []string{
			"flow", "workflow", "process", "steps", "sequence", "lifecycle",
			"journey", "booking", "tracking", "pickup", "drop", "chauffeur",
			"driver", "payment", "start", "arrived", "alight",
		},
	},
}

// apiNames maps lowercase API tokens to their display names, used for
// topic extraction and follow-up rewriting.
var apiNames = map[string]string{
	"search":   "Search API",
	"block":    "Block API",
	"booking":  "Booking API",
	"paid":     "Paid API",
	"cancel":   "Cancel API",
	"assign":   "Assign API",
	"reassign": "Reassign API",
	"start":    "Start API",
	"arrived":  "Arrived API",
	"pickup":   "Pickup API",
	"alight":   "Alight API",
	"detach":   "Detach API",
	"update":   "Update API",
	"tracking": "Tracking API",
}

// apiSynonyms canonicalize informal vendor phrasing onto API tokens:
// "check availability" is the Search API, "dropoff" is the Alight API.
// Ordered so lookups are deterministic; each canonical key exists in
// apiNames. Matching follows containsTerm semantics (multi-word terms as
// substrings, single words as whole tokens).
var apiSynonyms = []struct {
	canonical string
	terms     []string
}{
	{"search", []string{"check availability", "availability", "get fare", "find", "lookup"}},
	{"block", []string{"hold", "lock"}},
	{"booking", []string{"book", "reserve", "make reservation", "reservation"}},
	{"cancel", []string{"cancellation", "delete booking", "remove booking"}},
	{"paid", []string{"payment", "pay", "transaction", "charge"}},
	{"assign", []string{"allocate", "attach", "chauffeur", "driver"}},
	{"tracking", []string{"track", "location", "gps", "position"}},
	{"pickup", []string{"boarded", "passenger on board", "customer pickup"}},
	{"alight", []string{"dropoff", "drop off", "destination reached"}},
}

// topicPhrases are multi-word domain phrases recognized during topic
// extraction. Ordered by length descending so longer phrases win over
// their constituent words ("booking process" over "booking").
var topicPhrases = []string{
	"chauffeur assignment",
	"cancellation flow",
	"booking process",
	"tracking flow",
	"booking flow",
	"payment flow",
	"search flow",
	"trip lifecycle",
}

// flowStages are the flow-stage labels that appear in chunk metadata;
// matching one in a query produces a metadata-boost entity.
var flowStages = []string{
	"search", "block", "booking", "payment", "assignment", "tracking",
	"pickup", "drop", "cancellation",
}

// metaPatterns match utterances that ask for elaboration on the previous
// answer rather than introducing a new topic. Matched as prefixes of the
// normalized utterance; the remainder may only be filler (see metaFiller).
var metaPatterns = []string{
	"summarize",
	"summarise",
	"sum up",
	"tell me more",
	"more details",
	"more detail",
	"explain more",
	"explain that",
	"explain this",
	"explain it",
	"give an example",
	"give me an example",
	"show an example",
	"show me an example",
	"elaborate",
	"in other words",
	"can you explain",
	"what do you mean",
	"rephrase",
	"simplify",
}

// metaFiller are the trailing pronouns/objects tolerated after a meta
// pattern ("summarize it", "elaborate on that please").
var metaFiller = map[string]struct{}{
	"it": {}, "that": {}, "this": {}, "them": {}, "those": {},
	"on": {}, "about": {}, "for": {}, "me": {}, "please": {}, "again": {},
	"the": {}, "answer": {}, "above": {}, "previous": {},
}

// followupIndicators suggest the utterance leans on earlier conversation.
var followupIndicators = []string{
	"what about", "how about", "and what", "and how", "also",
	"what are the", "what is the", "which ones",
}

// pronouns whose presence marks an utterance as referentially incomplete.
var pronouns = map[string]struct{}{
	"it": {}, "its": {}, "this": {}, "that": {}, "they": {}, "them": {}, "these": {}, "those": {},
}

// Conversational (greeting/thanks/farewell) detection. These short-circuit
// the pipeline entirely: canned response, no retrieval, no generation.
const (
	ConversationGreeting = "greeting"
	ConversationThanks   = "thanks"
	ConversationFarewell = "farewell"
)

var conversationPatterns = []struct {
	kind  string
	terms []string
}{
	{ConversationGreeting, []string{"hi", "hello", "hey", "good morning", "good afternoon", "good evening"}},
	{ConversationThanks, []string{"thanks", "thank you", "thx", "appreciated", "great, thanks"}},
	{ConversationFarewell, []string{"bye", "goodbye", "see you", "that's all", "thats all"}},
}

// inScope reports whether the normalized utterance touches any part of the
// domain vocabulary at all. Utterances that miss everything are classified
// out_of_scope (retrieval still runs; the ranking floor makes the final call).
func inScope(normalized string, words []string) bool {
	for _, rule := range intentRules {
		for _, term := range rule.terms {
			if containsTerm(normalized, words, term) {
				return true
			}
		}
	}
	for _, phrase := range topicPhrases {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	for name := range apiNames {
		if containsWord(words, name) {
			return true
		}
	}
	for _, group := range apiSynonyms {
		for _, term := range group.terms {
			if containsTerm(normalized, words, term) {
				return true
			}
		}
	}
	return false
}

// containsTerm matches multi-word terms as substrings and single words as
// whole tokens, so "api" does not match inside "rapid".
func containsTerm(normalized string, words []string, term string) bool {
	if strings.Contains(term, " ") {
		return strings.Contains(normalized, term)
	}
	return containsWord(words, term)
}

func containsWord(words []string, w string) bool {
	for _, word := range words {
		if word == w {
			return true
		}
	}
	return false
}
