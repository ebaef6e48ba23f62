package validation

import (
	"chat-ledger/internal/service/llm"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxChatIDLength = 128

// MessageInput is a message as received on the wire, before its role is checked
type MessageInput struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequestValidator validates chat-related requests
type ChatRequestValidator struct{}

// NewChatRequestValidator creates a new ChatRequestValidator
func NewChatRequestValidator() *ChatRequestValidator {
	return &ChatRequestValidator{}
}

// ValidateChatID validates a chat id supplied by the client
func (v *ChatRequestValidator) ValidateChatID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("chat id cannot be empty")
	}
	if utf8.RuneCountInString(id) > maxChatIDLength {
		return fmt.Errorf("chat id must be at most %d characters long", maxChatIDLength)
	}
	return nil
}

// ValidateMessages converts wire messages into the closed role set. The list
// must be non-empty and end with a user message.
func (v *ChatRequestValidator) ValidateMessages(inputs []MessageInput) ([]llm.Message, error) {
	if len(inputs) == 0 {
		return nil, errors.New("messages cannot be empty")
	}

	messages := make([]llm.Message, 0, len(inputs))
	for i, in := range inputs {
		role, err := llm.ParseRole(in.Role)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		if strings.TrimSpace(in.Content) == "" {
			return nil, fmt.Errorf("message %d: content cannot be empty", i)
		}
		messages = append(messages, llm.Message{Role: role, Content: in.Content})
	}

	if messages[len(messages)-1].Role != llm.RoleUser {
		return nil, errors.New("last message must have role user")
	}
	return messages, nil
}

// ValidateTemperature validates the temperature parameter
func (v *ChatRequestValidator) ValidateTemperature(temperature *float64) error {
	if temperature == nil {
		return nil // Temperature is optional
	}

	if *temperature < 0 || *temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %.2f", *temperature)
	}
	return nil
}
