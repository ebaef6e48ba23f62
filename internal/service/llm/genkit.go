package llm

import (
	"chat-ledger/internal/config"
	"chat-ledger/internal/logger"
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/openai/openai-go"
	"github.com/sirupsen/logrus"
)

const genkitModelPrefix = "openrouter/"

// GenkitProvider implements Provider using Firebase Genkit with OpenRouter via compat_oai
type GenkitProvider struct {
	genkit *genkit.Genkit
	config *config.LLMConfig
	models *config.ModelsConfig
}

// NewGenkitProvider creates a new Genkit provider instance configured for OpenRouter
func NewGenkitProvider(ctx context.Context, llmConfig *config.LLMConfig, modelsConfig *config.ModelsConfig) (*GenkitProvider, error) {
	apiKey := llmConfig.OpenRouterAPIKey
	if apiKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY not configured")
	}

	defaultModel := modelsConfig.GetDefaultModel()

	g := genkit.Init(ctx,
		genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  llmConfig.OpenRouterBaseURL,
		}),
		genkit.WithDefaultModel(genkitModelPrefix+defaultModel),
	)

	logger.Log.WithField("default_model", defaultModel).Info("Initialized Genkit with OpenRouter provider")

	return &GenkitProvider{
		genkit: g,
		config: llmConfig,
		models: modelsConfig,
	}, nil
}

func toGenkitMessages(messages []Message) []*ai.Message {
	out := make([]*ai.Message, 0, len(messages))
	for _, msg := range messages {
		role := ai.RoleUser
		switch msg.Role {
		case RoleAssistant:
			role = ai.RoleModel
		case RoleSystem:
			role = ai.RoleSystem
		}
		out = append(out, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(msg.Content)},
		})
	}
	return out
}

// ChatStream streams a completion through Genkit. Generation runs in the
// goroutine, so upstream failures arrive as a chunk error.
func (p *GenkitProvider) ChatStream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	model := req.Model
	if model == "" {
		model = p.GetDefaultModel()
	}
	if !strings.HasPrefix(model, genkitModelPrefix) {
		model = genkitModelPrefix + model
	}

	logger.FromContext(ctx).WithFields(logrus.Fields{
		"model":         model,
		"message_count": len(req.Messages),
	}).Info("Calling Genkit (streaming)")

	genConfig := &openai.ChatCompletionNewParams{
		TopP: openai.Float(p.config.TopP),
	}
	if req.Temperature != nil {
		genConfig.Temperature = openai.Float(*req.Temperature)
	}

	messages := toGenkitMessages(req.Messages)
	chunks := make(chan StreamChunk)

	go func() {
		defer close(chunks)

		resp, err := genkit.Generate(ctx, p.genkit,
			ai.WithMessages(messages...),
			ai.WithModelName(model),
			ai.WithConfig(genConfig),
			ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
				for _, part := range chunk.Content {
					if part.IsText() && part.Text != "" {
						if !send(ctx, chunks, StreamChunk{Content: part.Text}) {
							return ctx.Err()
						}
					}
				}
				return nil
			}),
		)
		if err != nil {
			logger.Log.WithError(err).Error("Genkit stream error")
			send(ctx, chunks, StreamChunk{Err: fmt.Errorf("genkit generation failed: %w", err)})
			return
		}

		if resp.Usage != nil {
			send(ctx, chunks, StreamChunk{Usage: &Usage{
				PromptTokens:     int(resp.Usage.InputTokens),
				CompletionTokens: int(resp.Usage.OutputTokens),
			}})
		}
	}()

	return chunks, nil
}

// GetDefaultModel returns the default model for Genkit provider
func (p *GenkitProvider) GetDefaultModel() string {
	return p.models.GetDefaultModel()
}
