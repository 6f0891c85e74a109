package engine

import "context"

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL string
}

// Detect probes available local inference backends and returns the best one.
// Ollama is preferred; when it does not answer but an OpenAI-compatible
// server does at the same base URL (llama.cpp, vLLM, LM Studio), that
// server is used instead. With neither reachable an OllamaEngine is still
// returned so that EnsureReady can report the outage.
func Detect(cfg DetectConfig) (Engine, error) {
	ctx := context.Background()

	ol := NewOllamaEngine(cfg.OllamaBaseURL)
	if ol.IsRunning(ctx) {
		return ol, nil
	}

	if oa := NewOpenAIEngine(cfg.OllamaBaseURL); oa.IsRunning(ctx) {
		return oa, nil
	}

	return ol, nil
}
