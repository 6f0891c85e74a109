// Package composer assembles the prompts sent to the language model:
// the answer prompt with retrieved documentation and conversation memory,
// the summarization prompt, and the canned replies that never reach a
// model at all.
package composer

import (
	"fmt"
	"strings"

	"github.com/ostrenko/parley/internal/queryproc"
	"github.com/ostrenko/parley/internal/ranking"
	"github.com/ostrenko/parley/internal/session"
)

const defaultMaxContextTokens = 4000

const answerSystemPrompt = `You are a support assistant for vendor partners integrating with a chauffeured ride booking platform. Answer using ONLY the documentation excerpts provided in the context. Cite the numbered sources you used, like [1] or [2]. If the context does not cover the question, say so plainly instead of guessing. Keep answers concise and concrete.`

const summarySystemPrompt = `You compress support conversations. Produce a short running summary of the exchanges below, keeping API names, flow stages and any unresolved questions. Merge with the previous summary when one is given. Respond with the summary text only.`

// NoContextMessage is returned verbatim when retrieval finds nothing
// relevant enough to answer from.
const NoContextMessage = "I couldn't find anything in the vendor documentation that covers this. Try rephrasing with the API or flow you're asking about, or contact partner support if the question is outside the published docs."

// conversationalReplies are canned; greetings and thanks never trigger
// retrieval or generation.
var conversationalReplies = map[string]string{
	queryproc.ConversationGreeting: "Hello! I can help you with the vendor integration docs. Ask me about any API or booking flow.",
	queryproc.ConversationThanks:   "You're welcome! Let me know if anything else in the docs needs clarifying.",
	queryproc.ConversationFarewell: "Goodbye! Come back any time you need help with the integration.",
}

// Composer builds prompts under a token budget for injected context.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer. If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// BuildAnswerPrompt assembles the system and user messages for answer
// generation. Results arrive ranked; when the budget is tight the
// lowest-ranked chunks are dropped first. Conversation memory (summary plus
// recent turns) is included after the documentation context.
func (c *Composer) BuildAnswerPrompt(query string, results []ranking.Result, summary string, recent []session.Turn) (system, user string) {
	var sb strings.Builder

	sb.WriteString("[Documentation]\n")
	remaining := c.MaxContextTokens - EstimateTokens(sb.String())
	for _, r := range results {
		entry := formatResult(r)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			break
		}
		sb.WriteString(entry)
		remaining -= tokens
	}

	if summary != "" || len(recent) > 0 {
		sb.WriteString("\n[Conversation so far]\n")
		if summary != "" {
			sb.WriteString("Summary: ")
			sb.WriteString(summary)
			sb.WriteString("\n")
		}
		for _, t := range recent {
			sb.WriteString("User: ")
			sb.WriteString(t.Query)
			sb.WriteString("\nAssistant: ")
			sb.WriteString(t.Answer)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n[Question]\n")
	sb.WriteString(query)

	return answerSystemPrompt, sb.String()
}

// BuildSummaryPrompt assembles the summarization request for older turns.
func (c *Composer) BuildSummaryPrompt(existing string, turns []session.Turn) (system, user string) {
	var sb strings.Builder
	if existing != "" {
		sb.WriteString("[Previous summary]\n")
		sb.WriteString(existing)
		sb.WriteString("\n\n")
	}
	sb.WriteString("[Exchanges]\n")
	for _, t := range turns {
		sb.WriteString("User: ")
		sb.WriteString(t.Query)
		sb.WriteString("\nAssistant: ")
		sb.WriteString(t.Answer)
		sb.WriteString("\n")
	}
	return summarySystemPrompt, sb.String()
}

// ConversationalReply returns the canned response for smalltalk; ok is
// false for unknown kinds.
func ConversationalReply(kind string) (string, bool) {
	reply, ok := conversationalReplies[kind]
	return reply, ok
}

// SourceLabels names the sections behind each result, in rank order and
// without duplicates. These are what gets stored on the turn and shown to
// the user as citations.
func SourceLabels(results []ranking.Result) []string {
	var labels []string
	seen := map[string]struct{}{}
	for _, r := range results {
		label := r.Section
		if label == "" {
			label = r.DocID
		}
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
	}
	return labels
}

func formatResult(r ranking.Result) string {
	header := fmt.Sprintf("[%d] %s", r.Rank, r.Section)
	if r.APIName != "" {
		header += " (" + r.APIName + ")"
	}
	return header + "\n" + r.Text + "\n\n"
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
