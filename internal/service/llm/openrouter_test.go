package llm

import (
	"chat-ledger/internal/config"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *OpenRouterProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	models, err := config.NewModelsConfigFromList([]config.Model{{ID: "test-model"}})
	if err != nil {
		t.Fatalf("models config: %v", err)
	}

	return NewOpenRouterProvider(&config.LLMConfig{
		OpenRouterAPIKey:  "test-key",
		OpenRouterBaseURL: server.URL,
		TopP:              0.9,
		TopK:              40,
		RequestTimeout:    5 * time.Second,
	}, models)
}

func collect(t *testing.T, chunks <-chan StreamChunk) (string, *Usage, error) {
	t.Helper()
	var text strings.Builder
	var usage *Usage
	var streamErr error
	for chunk := range chunks {
		text.WriteString(chunk.Content)
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
	}
	return text.String(), usage, streamErr
}

func TestOpenRouterProvider_ChatStream(t *testing.T) {
	var gotBody chatRequest
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": OPENROUTER PROCESSING\n\n")
		fmt.Fprint(w, `data: {"id":"gen-1","choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"id":"gen-1","choices":[{"delta":{"content":"lo\n"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"id":"gen-1","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":99}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	chunks, err := provider.ChatStream(context.Background(), CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}

	text, usage, streamErr := collect(t, chunks)
	if streamErr != nil {
		t.Fatalf("Unexpected stream error: %v", streamErr)
	}
	if text != "Hello\n" {
		t.Errorf("Expected 'Hello\\n', got %q", text)
	}
	if usage == nil || usage.PromptTokens != 7 || usage.CompletionTokens != 2 {
		t.Errorf("Unexpected usage %+v", usage)
	}
	if gotBody.Model != "test-model" {
		t.Errorf("Expected default model, got %q", gotBody.Model)
	}
	if !gotBody.Stream || gotBody.StreamOptions == nil || !gotBody.StreamOptions.IncludeUsage {
		t.Error("Expected streaming request with usage included")
	}
}

func TestOpenRouterProvider_NonOKStatus(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate limited"}`)
	})

	_, err := provider.ChatStream(context.Background(), CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err == nil {
		t.Fatal("Expected error for non-200 status")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("Expected status code in error, got %v", err)
	}
}

func TestOpenRouterProvider_MidStreamError(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"error":{"message":"provider crashed"}}`+"\n\n")
	})

	chunks, err := provider.ChatStream(context.Background(), CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}

	text, usage, streamErr := collect(t, chunks)
	if text != "partial" {
		t.Errorf("Expected partial text, got %q", text)
	}
	if usage != nil {
		t.Error("Expected no usage after error")
	}
	if streamErr == nil || !strings.Contains(streamErr.Error(), "provider crashed") {
		t.Errorf("Expected upstream error chunk, got %v", streamErr)
	}
}

func TestOpenRouterProvider_MissingKey(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {})
	provider.config.OpenRouterAPIKey = ""

	if _, err := provider.ChatStream(context.Background(), CompletionRequest{}); err == nil {
		t.Error("Expected error when API key is missing")
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"user", RoleUser, false},
		{"assistant", RoleAssistant, false},
		{"system", RoleSystem, false},
		{"tool", "", true},
		{"User", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRole(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseRole(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseProviderType(t *testing.T) {
	tests := []struct {
		in      string
		want    ProviderType
		wantErr bool
	}{
		{"", ProviderOpenRouter, false},
		{"openrouter", ProviderOpenRouter, false},
		{"genkit", ProviderGenkit, false},
		{"openai", ProviderOpenAI, false},
		{"langchain", "", true},
	}

	for _, tt := range tests {
		got, err := ParseProviderType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseProviderType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseProviderType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
