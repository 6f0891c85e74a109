package engine

import "context"

// Engine abstracts the inference backend (a local Ollama daemon or any
// OpenAI-compatible server). Embedding, answer generation and session
// summarization all go through this interface rather than a concrete
// client, so the backend can be swapped by configuration.
type Engine interface {
	// Chat sends the conversation to a model and returns the assistant's
	// reply. A non-nil jsonSchema requests structured JSON output.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)

	// Embed returns the embedding vector for the given text.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the named model is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives
	// progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
