package engine

import (
	"context"
	"io"
	"testing"
)

type mockEngine struct {
	isRunning bool
	models    map[string]bool
	pulled    []string
	chatted   []string
	chatErr   error
}

func (m *mockEngine) Chat(_ context.Context, model string, _ []Message, _ *Schema) (string, error) {
	m.chatted = append(m.chatted, model)
	if m.chatErr != nil {
		return "", m.chatErr
	}
	return "pong", nil
}
func (m *mockEngine) Embed(_ context.Context, _ string, _ string) ([]float32, error) {
	return nil, nil
}
func (m *mockEngine) IsRunning(_ context.Context) bool { return m.isRunning }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error) {
	var names []string
	for n := range m.models {
		names = append(names, n)
	}
	return names, nil
}
func (m *mockEngine) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *mockEngine) PullModel(_ context.Context, name string, cb func(PullProgress)) error {
	m.pulled = append(m.pulled, name)
	if cb != nil {
		cb(PullProgress{Status: "success"})
	}
	return nil
}

func TestEnsureReady_AllModelsPresent(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"mistral-nemo": true, "phi3.5": true, "nomic-embed-text": true},
	}
	err := EnsureReady(context.Background(), m, io.Discard, "mistral-nemo", "phi3.5", "nomic-embed-text")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("expected no pulls, got %v", m.pulled)
	}
}

func TestEnsureReady_PullsMissing(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"phi3.5": true},
	}
	err := EnsureReady(context.Background(), m, io.Discard, "phi3.5", "nomic-embed-text")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 || m.pulled[0] != "nomic-embed-text" {
		t.Errorf("expected pull of nomic-embed-text, got %v", m.pulled)
	}
}

func TestEnsureReady_SkipsDuplicates(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{}}
	err := EnsureReady(context.Background(), m, io.Discard, "phi3.5", "phi3.5", "")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 {
		t.Errorf("expected a single pull, got %v", m.pulled)
	}
}

func TestEnsureReady_WarmsFirstModel(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"mistral-nemo": true, "nomic-embed-text": true},
	}
	err := EnsureReady(context.Background(), m, io.Discard, "mistral-nemo", "nomic-embed-text")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.chatted) != 1 || m.chatted[0] != "mistral-nemo" {
		t.Errorf("expected warm-up chat with mistral-nemo, got %v", m.chatted)
	}
}

func TestEnsureReady_WarmupFailureNonFatal(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"mistral-nemo": true},
		chatErr:   context.DeadlineExceeded,
	}
	if err := EnsureReady(context.Background(), m, io.Discard, "mistral-nemo"); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
}

func TestEnsureReady_EngineDown(t *testing.T) {
	m := &mockEngine{isRunning: false, models: map[string]bool{}}
	err := EnsureReady(context.Background(), m, io.Discard, "phi3.5", "nomic-embed-text")
	if err == nil {
		t.Fatal("expected error when engine is down")
	}
}
