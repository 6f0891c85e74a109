package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/ostrenko/parley/internal/composer"
	"github.com/ostrenko/parley/internal/session"
)

// Summarizer folds older session turns into a running summary using the
// same generator that answers queries. It satisfies session.Summarizer.
type Summarizer struct {
	composer  *composer.Composer
	generator Generator
}

func NewSummarizer(comp *composer.Composer, generator Generator) *Summarizer {
	return &Summarizer{composer: comp, generator: generator}
}

func (s *Summarizer) Summarize(ctx context.Context, existing string, turns []session.Turn) (string, error) {
	system, user := s.composer.BuildSummaryPrompt(existing, turns)
	text, err := s.generator.Generate(ctx, system, user)
	if err != nil {
		return "", fmt.Errorf("summarizing turns: %w", err)
	}
	summary := strings.TrimSpace(text)
	if summary == "" {
		return "", fmt.Errorf("summarizer returned empty text")
	}
	return summary, nil
}
