package mirror

import (
	"chat-ledger/internal/apperr"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const exportVersion = 1

type exportFile struct {
	Version       int                    `json:"version"`
	ExportedAt    time.Time              `json:"exportedAt"`
	Active        string                 `json:"active,omitempty"`
	Conversations []exportedConversation `json:"conversations"`
}

type exportedConversation struct {
	Conversation
	// Messages is null for a conversation whose messages were never loaded.
	Messages []Message `json:"messages"`
}

// Export serializes every conversation with its loaded messages.
func (m *Manager) Export() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	file := exportFile{Version: exportVersion, ExportedAt: m.clock(), Active: m.active}
	for _, c := range m.sortedLocked() {
		msgs, loaded := m.messages[c.ID]
		if loaded && msgs == nil {
			msgs = []Message{}
		}
		file.Conversations = append(file.Conversations, exportedConversation{Conversation: c, Messages: msgs})
	}
	if file.Conversations == nil {
		file.Conversations = []exportedConversation{}
	}
	return json.MarshalIndent(file, "", "  ")
}

// Import replaces all local conversations with an export. Credits are kept.
func (m *Manager) Import(ctx context.Context, data []byte) error {
	var file exportFile
	if err := json.Unmarshal(data, &file); err != nil {
		return apperr.BadRequest("invalid export: %v", err)
	}
	if file.Version != exportVersion {
		return apperr.BadRequest("unsupported export version %d", file.Version)
	}
	seen := make(map[string]bool, len(file.Conversations))
	for _, ec := range file.Conversations {
		if ec.ID == "" || seen[ec.ID] {
			return apperr.BadRequest("export has a missing or duplicate conversation id")
		}
		seen[ec.ID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.conversations {
		if err := m.cache.Remove(ctx, messagesKeyPrefix+id); err != nil {
			return fmt.Errorf("removing messages of %s: %w", id, err)
		}
	}

	m.conversations = make(map[string]*Conversation, len(file.Conversations))
	m.messages = make(map[string][]Message, len(file.Conversations))
	m.deleted = make(map[string]bool)
	m.seq = 0

	for _, ec := range file.Conversations {
		c := ec.Conversation
		if c.State == "" || c.State == StateDeleted {
			c.State = stateFor(ec.Messages, StateEmpty)
		}
		m.conversations[c.ID] = &c
		if ec.Messages == nil {
			// left for LoadConversation to fetch
			if err := m.cache.Remove(ctx, messagesKeyPrefix+c.ID); err != nil {
				return fmt.Errorf("removing messages of %s: %w", c.ID, err)
			}
			continue
		}
		msgs := make([]Message, len(ec.Messages))
		for i, msg := range ec.Messages {
			msg.Seq = m.nextSeq()
			msgs[i] = msg
		}
		m.messages[c.ID] = msgs
		if err := m.saveMessages(ctx, c.ID); err != nil {
			return err
		}
	}

	m.active = file.Active
	if _, ok := m.conversations[m.active]; !ok {
		return m.pickActive(ctx)
	}
	return m.saveIndex(ctx)
}
