// Package ingest turns submitted documents into embedded, indexed chunks.
// Submission writes a documents row and queues a job; the worker claims
// jobs, chunks and embeds the content, and fills the vector and keyword
// indexes. A filesystem watcher feeds the same path.
package ingest

import (
	"strings"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 100
)

// Chunk is one piece of a document with the metadata the ranking layer
// scores against.
type Chunk struct {
	Section   string
	APIName   string
	FlowStage string
	Tags      []string
	Text      string
}

// Chunker splits markdown into heading-scoped chunks of roughly Size
// characters with Overlap characters of carry-over between consecutive
// chunks of the same section.
type Chunker struct {
	Size    int
	Overlap int
}

func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 5
		}
	}
	return &Chunker{Size: size, Overlap: overlap}
}

// ChunkMarkdown splits content on headings, then slices each section into
// overlapping windows. Heading markers inside fenced code blocks are left
// alone, and fences are kept intact within their section text.
func (c *Chunker) ChunkMarkdown(content string) []Chunk {
	sections := splitSections(content)

	var chunks []Chunk
	for _, sec := range sections {
		text := strings.TrimSpace(sec.body)
		if text == "" {
			continue
		}
		api := detectAPIName(sec.heading, text)
		stage := flowStageFor(api, sec.heading)
		tags := detectTags(sec.heading, text)
		for _, piece := range c.split(text) {
			chunks = append(chunks, Chunk{
				Section:   sec.heading,
				APIName:   api,
				FlowStage: stage,
				Tags:      tags,
				Text:      piece,
			})
		}
	}
	return chunks
}

type section struct {
	heading string
	body    string
}

func splitSections(content string) []section {
	var sections []section
	current := section{heading: "Introduction"}
	inFence := false

	flush := func() {
		if strings.TrimSpace(current.body) != "" {
			sections = append(sections, current)
		}
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			current.body += line + "\n"
			continue
		}
		if !inFence && strings.HasPrefix(trimmed, "#") {
			flush()
			current = section{heading: strings.TrimSpace(strings.TrimLeft(trimmed, "#"))}
			continue
		}
		current.body += line + "\n"
	}
	flush()
	return sections
}

// split slices text into windows of Size characters, breaking at word
// boundaries and carrying Overlap characters into the next window.
func (c *Chunker) split(text string) []string {
	if len(text) <= c.Size {
		return []string{text}
	}

	var pieces []string
	start := 0
	for start < len(text) {
		end := start + c.Size
		if end >= len(text) {
			pieces = append(pieces, strings.TrimSpace(text[start:]))
			break
		}
		// back off to the last whitespace so words stay whole
		cut := strings.LastIndexFunc(text[start:end], func(r rune) bool {
			return r == ' ' || r == '\n' || r == '\t'
		})
		if cut <= 0 {
			cut = c.Size
		}
		pieces = append(pieces, strings.TrimSpace(text[start:start+cut]))

		next := start + cut - c.Overlap
		if next <= start {
			next = start + cut
		}
		start = next
	}

	out := pieces[:0]
	for _, p := range pieces {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// documentation-side metadata vocabulary; the query side keeps its own
// tables tuned for utterances.
var docAPINames = []string{
	"search", "block", "booking", "paid", "cancel", "assign", "reassign",
	"start", "arrived", "pickup", "alight", "detach", "update", "tracking",
}

var apiFlowStages = map[string]string{
	"search":   "search",
	"block":    "booking",
	"booking":  "booking",
	"paid":     "payment",
	"cancel":   "cancellation",
	"assign":   "assignment",
	"reassign": "assignment",
	"start":    "tracking",
	"arrived":  "tracking",
	"pickup":   "tracking",
	"alight":   "tracking",
	"detach":   "assignment",
	"update":   "tracking",
	"tracking": "tracking",
}

// detectAPIName prefers the section heading; only when the heading names
// nothing does it fall back to the most frequent API token in the text.
func detectAPIName(heading, text string) string {
	headingWords := tokens(heading)
	for _, api := range docAPINames {
		if containsToken(headingWords, api) {
			return api
		}
	}

	best, bestCount := "", 0
	textWords := tokens(text)
	counts := map[string]int{}
	for _, w := range textWords {
		counts[w]++
	}
	for _, api := range docAPINames {
		if counts[api] > bestCount {
			best, bestCount = api, counts[api]
		}
	}
	if bestCount < 2 {
		return ""
	}
	return best
}

func flowStageFor(api, heading string) string {
	if stage, ok := apiFlowStages[api]; ok {
		return stage
	}
	headingWords := tokens(heading)
	for _, stage := range []string{"search", "booking", "payment", "assignment", "tracking", "cancellation"} {
		if containsToken(headingWords, stage) {
			return stage
		}
	}
	return ""
}

func detectTags(heading, text string) []string {
	var tags []string
	lower := strings.ToLower(heading + " " + text)
	if strings.Contains(lower, "error") || strings.Contains(lower, "failure") {
		tags = append(tags, "errors")
	}
	if strings.Contains(lower, "webhook") || strings.Contains(lower, "callback") {
		tags = append(tags, "webhooks")
	}
	if strings.Contains(lower, "auth") || strings.Contains(lower, "credential") {
		tags = append(tags, "auth")
	}
	if strings.Contains(text, "```") {
		tags = append(tags, "example")
	}
	return tags
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

func containsToken(words []string, w string) bool {
	for _, word := range words {
		if word == w {
			return true
		}
	}
	return false
}
