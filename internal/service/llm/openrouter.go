package llm

import (
	"bufio"
	"bytes"
	"chat-ledger/internal/config"
	"chat-ledger/internal/logger"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// OpenRouterProvider implements Provider using direct OpenRouter API calls
type OpenRouterProvider struct {
	config *config.LLMConfig
	models *config.ModelsConfig
	client *http.Client
}

// NewOpenRouterProvider creates a new OpenRouter provider with config
func NewOpenRouterProvider(llmConfig *config.LLMConfig, modelsConfig *config.ModelsConfig) *OpenRouterProvider {
	return &OpenRouterProvider{
		config: llmConfig,
		models: modelsConfig,
		client: &http.Client{Timeout: llmConfig.RequestTimeout},
	}
}

type routingPreferences struct {
	RequireParameters bool `json:"require_parameters,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model         string              `json:"model"`
	Messages      []Message           `json:"messages"`
	Stream        bool                `json:"stream"`
	StreamOptions *streamOptions      `json:"stream_options,omitempty"`
	Temperature   *float64            `json:"temperature,omitempty"`
	TopP          *float64            `json:"top_p,omitempty"`
	TopK          *int                `json:"top_k,omitempty"`
	Provider      *routingPreferences `json:"provider,omitempty"`
}

type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *responseUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *OpenRouterProvider) endpoint() string {
	return strings.TrimSuffix(p.config.OpenRouterBaseURL, "/") + "/chat/completions"
}

// ChatStream sends a chat request and streams the response
func (p *OpenRouterProvider) ChatStream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	apiKey := p.config.OpenRouterAPIKey
	if apiKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY not configured")
	}

	model := req.Model
	if model == "" {
		model = p.GetDefaultModel()
	}

	logger.FromContext(ctx).WithFields(logrus.Fields{
		"model":         model,
		"message_count": len(req.Messages),
	}).Info("Calling OpenRouter API (streaming)")

	topP := p.config.TopP
	topK := p.config.TopK
	body := chatRequest{
		Model:         model,
		Messages:      req.Messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		Temperature:   req.Temperature,
		TopP:          &topP,
		TopK:          &topK,
		Provider:      &routingPreferences{RequireParameters: false},
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("HTTP-Referer", "http://localhost:3000")
	httpReq.Header.Set("X-Title", "Chat Ledger")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(errBody))
	}

	chunks := make(chan StreamChunk)

	go func() {
		defer resp.Body.Close()
		defer close(chunks)
		readSSE(ctx, resp.Body, chunks)
	}()

	return chunks, nil
}

// readSSE parses "data: {json}" lines until [DONE], EOF or cancellation.
func readSSE(ctx context.Context, body io.Reader, chunks chan<- StreamChunk) {
	var usage *Usage

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if line == "data: [DONE]" {
			break
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var streamResp streamResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &streamResp); err != nil {
			logger.Log.WithError(err).Warn("Error parsing stream chunk")
			continue
		}

		if streamResp.Error != nil {
			send(ctx, chunks, StreamChunk{Err: fmt.Errorf("upstream error: %s", streamResp.Error.Message)})
			return
		}

		// Usage arrives at the end with empty choices
		if streamResp.Usage != nil {
			usage = &Usage{
				PromptTokens:     streamResp.Usage.PromptTokens,
				CompletionTokens: streamResp.Usage.CompletionTokens,
			}
		}

		if len(streamResp.Choices) > 0 && streamResp.Choices[0].Delta.Content != "" {
			if !send(ctx, chunks, StreamChunk{Content: streamResp.Choices[0].Delta.Content}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Log.WithError(err).Error("Scanner error during streaming")
		send(ctx, chunks, StreamChunk{Err: fmt.Errorf("stream read failed: %w", err)})
		return
	}

	if usage != nil {
		send(ctx, chunks, StreamChunk{Usage: usage})
	}
}

// GetDefaultModel returns the default model for OpenRouter provider
func (p *OpenRouterProvider) GetDefaultModel() string {
	return p.models.GetDefaultModel()
}
