package engine

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that the Engine is reachable and the given models are
// available, pulling missing ones with progress output written to w. The
// first model is treated as the primary chat model and is warmed with a
// trivial completion so the first real answer does not pay the cold-load
// penalty; warm-up failure is non-fatal.
func EnsureReady(ctx context.Context, e Engine, w io.Writer, models ...string) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("local inference engine is not running; please ensure the backend is started")
	}

	seen := make(map[string]bool, len(models))
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true

		if e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := e.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	if len(models) > 0 && models[0] != "" {
		warm := models[0]
		fmt.Fprintf(w, "model %s: warming up...\n", warm)
		warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := e.Chat(warmCtx, warm, []Message{{Role: "user", Content: "ping"}}, nil); err != nil {
			fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", warm, err)
		} else {
			fmt.Fprintf(w, "model %s: warm\n", warm)
		}
	}

	return nil
}
