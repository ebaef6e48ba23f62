package llm

import (
	"context"
	"fmt"
)

// Role is the closed set of message authors.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole rejects anything outside the closed set.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage is the token count reported by a provider at stream end.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// StreamChunk carries exactly one of Content, Usage or Err.
type StreamChunk struct {
	Content string
	Usage   *Usage
	Err     error
}

// CompletionRequest is the provider-neutral completion input. Messages already
// include the system prompt.
type CompletionRequest struct {
	Messages    []Message
	Model       string
	Temperature *float64
}

// Provider defines the interface for completion providers (OpenRouter direct API, Genkit, OpenAI-compatible)
type Provider interface {
	// ChatStream starts a completion and streams deltas. An error return means
	// the upstream call failed before any chunk; later failures arrive as chunk.Err.
	// The channel is closed when the stream ends or ctx is cancelled.
	ChatStream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)

	// GetDefaultModel returns the default model for this provider
	GetDefaultModel() string
}

// send delivers a chunk unless ctx is done.
func send(ctx context.Context, chunks chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
