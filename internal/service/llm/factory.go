package llm

import (
	"chat-ledger/internal/config"
	"chat-ledger/internal/logger"
	"context"
	"fmt"
)

// ProviderType represents the type of LLM provider
type ProviderType string

const (
	ProviderOpenRouter ProviderType = "openrouter"
	ProviderGenkit     ProviderType = "genkit"
	ProviderOpenAI     ProviderType = "openai"
)

// ParseProviderType parses a string into a ProviderType
func ParseProviderType(s string) (ProviderType, error) {
	switch s {
	case "openrouter", "":
		return ProviderOpenRouter, nil
	case "genkit":
		return ProviderGenkit, nil
	case "openai":
		return ProviderOpenAI, nil
	default:
		return "", fmt.Errorf("unknown provider type: %s", s)
	}
}

// NewProvider creates the provider named in llmConfig.Provider
func NewProvider(ctx context.Context, llmConfig *config.LLMConfig, modelsConfig *config.ModelsConfig) (Provider, error) {
	providerType, err := ParseProviderType(llmConfig.Provider)
	if err != nil {
		return nil, err
	}

	logger.Log.WithField("provider", providerType).Info("Creating LLM provider")

	switch providerType {
	case ProviderGenkit:
		return NewGenkitProvider(ctx, llmConfig, modelsConfig)
	case ProviderOpenAI:
		return NewOpenAIProvider(llmConfig, modelsConfig)
	default:
		return NewOpenRouterProvider(llmConfig, modelsConfig), nil
	}
}
