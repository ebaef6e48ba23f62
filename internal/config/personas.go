package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const DefaultPersonaID = "default"

// Persona is a named system prompt preset.
type Persona struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	SystemPrompt string `json:"system_prompt"`
}

// PersonasConfig holds the selectable personas. The default persona always exists.
type PersonasConfig struct {
	personas []Persona
}

// NewPersonasConfig loads personas from configPath. A missing file yields only
// the default persona built from defaultPrompt.
func NewPersonasConfig(configPath string, defaultPrompt string) (*PersonasConfig, error) {
	var personas []Persona

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(data, &personas); err != nil {
			return nil, err
		}
	}

	return NewPersonasConfigFromList(personas, defaultPrompt)
}

// NewPersonasConfigFromList validates the list and prepends the default persona when absent.
func NewPersonasConfigFromList(personas []Persona, defaultPrompt string) (*PersonasConfig, error) {
	seen := make(map[string]bool, len(personas))
	for _, p := range personas {
		if p.ID == "" {
			return nil, fmt.Errorf("persona entry without id")
		}
		if p.SystemPrompt == "" {
			return nil, fmt.Errorf("persona %q has an empty system prompt", p.ID)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate persona id %q", p.ID)
		}
		seen[p.ID] = true
	}

	if !seen[DefaultPersonaID] {
		def := Persona{ID: DefaultPersonaID, Name: "Default", SystemPrompt: defaultPrompt}
		personas = append([]Persona{def}, personas...)
	}

	return &PersonasConfig{personas: personas}, nil
}

// GetPersonas returns all personas, default first unless the file defines it elsewhere.
func (pc *PersonasConfig) GetPersonas() []Persona {
	return pc.personas
}

// Find returns the persona with id; an empty id selects the default.
func (pc *PersonasConfig) Find(id string) (Persona, bool) {
	if id == "" {
		id = DefaultPersonaID
	}
	for _, p := range pc.personas {
		if p.ID == id {
			return p, true
		}
	}
	return Persona{}, false
}
