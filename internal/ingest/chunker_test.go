package ingest

import (
	"strings"
	"testing"
)

func TestChunkMarkdownSections(t *testing.T) {
	content := `Intro paragraph before any heading.

# Booking flow

A booking is confirmed after the Block call succeeds.

## Payment

The Paid API settles the fare. Paid must be called after drop-off.
`
	chunks := NewChunker(0, 0).ChunkMarkdown(content)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].Section != "Introduction" {
		t.Errorf("preamble section = %q", chunks[0].Section)
	}
	if chunks[1].Section != "Booking flow" || chunks[1].FlowStage != "booking" {
		t.Errorf("chunk 1 = %+v", chunks[1])
	}
	if chunks[2].Section != "Payment" || chunks[2].APIName != "paid" || chunks[2].FlowStage != "payment" {
		t.Errorf("chunk 2 = %+v", chunks[2])
	}
}

func TestChunkMarkdownCodeFence(t *testing.T) {
	content := "# Search API\n\nRequest:\n\n```\n# not a heading\nGET /search\n```\n"
	chunks := NewChunker(0, 0).ChunkMarkdown(content)
	if len(chunks) != 1 {
		t.Fatalf("fence split the section: %d chunks", len(chunks))
	}
	if !strings.Contains(chunks[0].Text, "# not a heading") {
		t.Error("fenced content lost")
	}
	if !containsToken(chunks[0].Tags, "example") {
		t.Errorf("tags = %v, want example for fenced code", chunks[0].Tags)
	}
}

func TestSplitOverlap(t *testing.T) {
	words := strings.Repeat("chauffeur assignment detail ", 60) // ~1680 chars
	c := NewChunker(500, 100)

	pieces := c.split(strings.TrimSpace(words))
	if len(pieces) < 3 {
		t.Fatalf("got %d pieces, want several", len(pieces))
	}
	for i, p := range pieces {
		if p == "" {
			t.Errorf("piece %d empty", i)
		}
		if len(p) > 500 {
			t.Errorf("piece %d is %d chars", i, len(p))
		}
	}
	// consecutive pieces share the overlap region
	tail := pieces[0][len(pieces[0])-40:]
	if !strings.Contains(pieces[1], strings.TrimSpace(tail)) {
		t.Errorf("no overlap between pieces:\n%q\n%q", pieces[0], pieces[1])
	}
}

func TestDetectAPINameFromText(t *testing.T) {
	// heading is generic; repeated token in the body decides
	text := "Call reassign when the chauffeur changes. Reassign requires the booking id."
	if got := detectAPIName("Operational notes", text); got != "reassign" {
		t.Errorf("api = %q, want reassign", got)
	}
	// single mention is not enough
	if got := detectAPIName("Notes", "the pickup happens later"); got != "" {
		t.Errorf("api = %q, want none", got)
	}
}

func TestErrorTag(t *testing.T) {
	chunks := NewChunker(0, 0).ChunkMarkdown("# Failures\n\nAn error is returned when the booking is stale.\n")
	if len(chunks) != 1 || !containsToken(chunks[0].Tags, "errors") {
		t.Errorf("chunks = %+v", chunks)
	}
}
