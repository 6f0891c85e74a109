package composer

import (
	"strings"
	"testing"

	"github.com/ostrenko/parley/internal/queryproc"
	"github.com/ostrenko/parley/internal/ranking"
	"github.com/ostrenko/parley/internal/retrieval"
	"github.com/ostrenko/parley/internal/session"
)

func result(rank int, section, text string) ranking.Result {
	return ranking.Result{
		Chunk: retrieval.Chunk{Section: section, Text: text, DocID: "d1"},
		Rank:  rank,
	}
}

func TestBuildAnswerPrompt(t *testing.T) {
	c := New(0)
	results := []ranking.Result{
		result(1, "Search API", "The Search API returns available vehicles."),
		result(2, "Booking flow", "A booking is confirmed after the Block call."),
	}

	system, user := c.BuildAnswerPrompt("how does search work?", results, "", nil)
	if !strings.Contains(system, "ONLY the documentation") {
		t.Error("system prompt missing grounding instruction")
	}
	if !strings.Contains(user, "[1] Search API") || !strings.Contains(user, "[2] Booking flow") {
		t.Errorf("numbered context missing:\n%s", user)
	}
	if !strings.Contains(user, "[Question]\nhow does search work?") {
		t.Errorf("question missing:\n%s", user)
	}
	if strings.Contains(user, "[Conversation so far]") {
		t.Error("memory section present without history")
	}
}

func TestBuildAnswerPromptWithMemory(t *testing.T) {
	c := New(0)
	recent := []session.Turn{{Query: "what is the Block API?", Answer: "It reserves a vehicle."}}

	_, user := c.BuildAnswerPrompt("and after that?", nil, "vendor asked about search", recent)
	if !strings.Contains(user, "Summary: vendor asked about search") {
		t.Errorf("summary missing:\n%s", user)
	}
	if !strings.Contains(user, "User: what is the Block API?") || !strings.Contains(user, "Assistant: It reserves a vehicle.") {
		t.Errorf("recent turns missing:\n%s", user)
	}
}

func TestAnswerPromptBudgetDropsLowestRanked(t *testing.T) {
	c := New(150) // enough budget for one chunk, not two
	big := strings.Repeat("booking flow details ", 20)
	results := []ranking.Result{
		result(1, "First", big),
		result(2, "Second", big),
	}

	_, user := c.BuildAnswerPrompt("q", results, "", nil)
	if !strings.Contains(user, "[1] First") {
		t.Error("top-ranked chunk dropped")
	}
	if strings.Contains(user, "[2] Second") {
		t.Error("budget did not drop the lowest-ranked chunk")
	}
}

func TestBuildSummaryPrompt(t *testing.T) {
	c := New(0)
	turns := []session.Turn{
		{Query: "q1", Answer: "a1"},
		{Query: "q2", Answer: "a2"},
	}

	system, user := c.BuildSummaryPrompt("earlier summary", turns)
	if !strings.Contains(system, "running summary") {
		t.Error("summary system prompt wrong")
	}
	if !strings.Contains(user, "[Previous summary]\nearlier summary") {
		t.Errorf("previous summary missing:\n%s", user)
	}
	if !strings.Contains(user, "User: q2") {
		t.Errorf("turns missing:\n%s", user)
	}
}

func TestConversationalReply(t *testing.T) {
	for _, kind := range []string{
		queryproc.ConversationGreeting,
		queryproc.ConversationThanks,
		queryproc.ConversationFarewell,
	} {
		if reply, ok := ConversationalReply(kind); !ok || reply == "" {
			t.Errorf("no canned reply for %s", kind)
		}
	}
	if _, ok := ConversationalReply("unknown"); ok {
		t.Error("unknown kind returned a reply")
	}
}

func TestSourceLabels(t *testing.T) {
	results := []ranking.Result{
		result(1, "Search API", "a"),
		result(2, "Search API", "b"),
		result(3, "Booking flow", "c"),
		result(4, "", "d"), // falls back to document id
	}

	labels := SourceLabels(results)
	want := []string{"Search API", "Booking flow", "d1"}
	if len(labels) != len(want) {
		t.Fatalf("labels = %v, want %v", labels, want)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Errorf("label %d = %q, want %q", i, labels[i], want[i])
		}
	}
}
