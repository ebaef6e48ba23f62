package llm

import (
	"chat-ledger/internal/config"
	"chat-ledger/internal/logger"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// OpenAIProvider implements Provider against any OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client *openai.Client
	config *config.LLMConfig
	models *config.ModelsConfig
}

// NewOpenAIProvider builds a go-openai client; an empty base URL keeps the OpenAI default.
func NewOpenAIProvider(llmConfig *config.LLMConfig, modelsConfig *config.ModelsConfig) (*OpenAIProvider, error) {
	if llmConfig.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not configured")
	}

	clientConfig := openai.DefaultConfig(llmConfig.OpenAIAPIKey)
	if llmConfig.OpenAIBaseURL != "" {
		clientConfig.BaseURL = llmConfig.OpenAIBaseURL
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		config: llmConfig,
		models: modelsConfig,
	}, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return out
}

// ChatStream opens a streaming chat completion and relays deltas and the final usage.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	model := req.Model
	if model == "" {
		model = p.GetDefaultModel()
	}

	logger.FromContext(ctx).WithFields(logrus.Fields{
		"model":         model,
		"message_count": len(req.Messages),
	}).Info("Calling OpenAI-compatible API (streaming)")

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      toOpenAIMessages(req.Messages),
		Stream:        true,
		TopP:          float32(p.config.TopP),
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("error opening stream: %w", err)
	}

	chunks := make(chan StreamChunk)

	go func() {
		defer stream.Close()
		defer close(chunks)

		var usage *Usage
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(ctx, chunks, StreamChunk{Err: fmt.Errorf("stream read failed: %w", err)})
				return
			}

			if resp.Usage != nil {
				usage = &Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
				}
			}
			if len(resp.Choices) > 0 && resp.Choices[0].Delta.Content != "" {
				if !send(ctx, chunks, StreamChunk{Content: resp.Choices[0].Delta.Content}) {
					return
				}
			}
		}

		if usage != nil {
			send(ctx, chunks, StreamChunk{Usage: usage})
		}
	}()

	return chunks, nil
}

// GetDefaultModel returns the default model for the OpenAI-compatible provider
func (p *OpenAIProvider) GetDefaultModel() string {
	return p.models.GetDefaultModel()
}
