package engine

import "context"

// ChatGenerator returns a function that answers a system+user prompt pair
// with a single non-streaming chat completion from the given model. The
// answering pipeline consumes it as its text generator.
func ChatGenerator(e Engine, model string) func(ctx context.Context, system, user string) (string, error) {
	return func(ctx context.Context, system, user string) (string, error) {
		return e.Chat(ctx, model, []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		}, nil)
	}
}
