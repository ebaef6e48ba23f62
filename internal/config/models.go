package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Model represents an available LLM model
type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	Tier          string `json:"tier"`
	ContextWindow int    `json:"context_window,omitempty"`
}

// ModelsConfig holds the available models configuration
type ModelsConfig struct {
	models []Model
}

// NewModelsConfig creates a new models configuration from a file
func NewModelsConfig(configPath string) (*ModelsConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	var models []Model
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, err
	}

	return NewModelsConfigFromList(models)
}

// NewModelsConfigFromList builds a config from an in-memory list; the first model is the default.
func NewModelsConfigFromList(models []Model) (*ModelsConfig, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("models config must list at least one model")
	}
	seen := make(map[string]bool, len(models))
	for _, m := range models {
		if m.ID == "" {
			return nil, fmt.Errorf("model entry without id")
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
	}
	return &ModelsConfig{models: models}, nil
}

// GetAvailableModels returns the list of available models
func (mc *ModelsConfig) GetAvailableModels() []Model {
	return mc.models
}

// IsValidModel checks if a model ID is in the list of available models
func (mc *ModelsConfig) IsValidModel(modelID string) bool {
	_, ok := mc.Find(modelID)
	return ok
}

// Find returns the model with the given id.
func (mc *ModelsConfig) Find(modelID string) (Model, bool) {
	for _, model := range mc.models {
		if model.ID == modelID {
			return model, true
		}
	}
	return Model{}, false
}

// GetDefaultModel returns the first model as the default
func (mc *ModelsConfig) GetDefaultModel() string {
	return mc.models[0].ID
}
