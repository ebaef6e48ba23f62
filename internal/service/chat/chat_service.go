package chat

import (
	"chat-ledger/internal/app"
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/events"
	"chat-ledger/internal/logger"
	"chat-ledger/internal/repository/db"
	"chat-ledger/internal/service/llm"
	"chat-ledger/internal/service/tokens"
	"chat-ledger/pkg/validation"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	maxTitleRunes = 100

	// policyBestEffort names persistence steps whose failure is logged and
	// counted but never aborts the response.
	policyBestEffort = "bestEffort"
)

// SendMessageRequest contains all the parameters needed to send a message
type SendMessageRequest struct {
	ChatID      string
	UserID      string // Extracted from auth context
	Messages    []validation.MessageInput
	Model       string
	Temperature *float64
	PersonaID   string
	Visibility  db.Visibility
}

type EventType string

const (
	EventMeta  EventType = "meta"
	EventDelta EventType = "delta"
	EventUsage EventType = "usage"
	EventError EventType = "error"
)

// UsagePayload is the usage event body; the total is derived.
type UsagePayload struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
	Estimated        bool  `json:"estimated,omitempty"`
}

// StreamEvent is one frame of the chat stream. The channel closing is the done signal.
type StreamEvent struct {
	Type      EventType     `json:"type"`
	ChatID    string        `json:"chatId,omitempty"`
	MessageID string        `json:"messageId,omitempty"`
	Model     string        `json:"model,omitempty"`
	Content   string        `json:"content,omitempty"`
	Usage     *UsagePayload `json:"usage,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ChatService handles the business logic for chat operations
type ChatService struct {
	db        db.Database
	config    *app.Config
	provider  llm.Provider
	validator *validation.ChatRequestValidator

	// inflight tracks streams still persisting their reply
	inflight sync.WaitGroup
}

// NewChatService creates a new ChatService
func NewChatService(database db.Database, config *app.Config) *ChatService {
	return &ChatService{
		db:        database,
		config:    config,
		provider:  config.Provider,
		validator: validation.NewChatRequestValidator(),
	}
}

// Wait blocks until every started stream has finished persisting.
func (s *ChatService) Wait() {
	s.inflight.Wait()
}

type preparedRequest struct {
	chat        *db.Chat
	model       string
	temperature *float64
	prompt      []llm.Message
	userMessage db.Message
}

// SendMessageStream validates the request, resolves the chat, saves the user
// message and starts the completion. Errors returned here happen before any
// event is produced; later failures arrive as EventError.
func (s *ChatService) SendMessageStream(ctx context.Context, req SendMessageRequest) (<-chan StreamEvent, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx).WithFields(logrus.Fields{
		"chat_id": p.chat.ID,
		"model":   p.model,
	})

	s.bestEffort(ctx, "save user message", func() error {
		saved, err := s.db.AppendMessages(ctx, []db.Message{p.userMessage})
		if err == nil && len(saved) == 1 {
			p.userMessage = saved[0]
		}
		return err
	})

	log.WithField("message_count", len(p.prompt)).Debug("Prepared for LLM call")

	started := time.Now()
	chunks, err := s.provider.ChatStream(ctx, llm.CompletionRequest{
		Messages:    p.prompt,
		Model:       p.model,
		Temperature: p.temperature,
	})
	if err != nil {
		s.config.Metrics.ChatRequest("upstream_error")
		return nil, apperr.Upstream(err)
	}

	var first llm.StreamChunk
	var open bool
	select {
	case first, open = <-chunks:
	case <-ctx.Done():
		go drain(chunks)
		return nil, ctx.Err()
	}
	if open && first.Err != nil {
		go drain(chunks)
		s.config.Metrics.ChatRequest("upstream_error")
		return nil, apperr.Upstream(first.Err)
	}

	out := make(chan StreamEvent)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.forward(ctx, p, first, open, chunks, out, started)
	}()

	return out, nil
}

func (s *ChatService) prepare(ctx context.Context, req SendMessageRequest) (*preparedRequest, error) {
	if req.UserID == "" {
		return nil, apperr.Unauthorized("authentication required")
	}
	if err := s.validator.ValidateChatID(req.ChatID); err != nil {
		return nil, apperr.BadRequest("%s", err.Error())
	}
	messages, err := s.validator.ValidateMessages(req.Messages)
	if err != nil {
		return nil, apperr.BadRequest("%s", err.Error())
	}
	if err := s.validator.ValidateTemperature(req.Temperature); err != nil {
		return nil, apperr.BadRequest("%s", err.Error())
	}

	model := req.Model
	if model == "" {
		model = s.config.ModelsConfig().GetDefaultModel()
	}
	if !s.config.ModelsConfig().IsValidModel(model) {
		return nil, apperr.BadRequest("model %q is not available", model)
	}

	persona, ok := s.config.PersonasConfig().Find(req.PersonaID)
	if !ok {
		return nil, apperr.BadRequest("persona %q is not available", req.PersonaID)
	}

	visibility := req.Visibility
	if visibility == "" {
		visibility = db.VisibilityPrivate
	}
	if !visibility.Valid() {
		return nil, apperr.BadRequest("visibility must be private or public")
	}

	chat, err := s.resolveChat(ctx, req.ChatID, req.UserID, generateTitle(messages), visibility)
	if err != nil {
		return nil, err
	}

	last := req.Messages[len(req.Messages)-1]
	userMessageID := last.ID
	if userMessageID == "" {
		userMessageID = uuid.NewString()
	}

	prompt := make([]llm.Message, 0, len(messages)+1)
	prompt = append(prompt, llm.Message{Role: llm.RoleSystem, Content: persona.SystemPrompt})
	prompt = append(prompt, messages...)

	return &preparedRequest{
		chat:        chat,
		model:       model,
		temperature: req.Temperature,
		prompt:      prompt,
		userMessage: db.Message{
			ID:      userMessageID,
			ChatID:  chat.ID,
			Role:    llm.RoleUser,
			Content: last.Content,
		},
	}, nil
}

// resolveChat reuses an existing chat owned by userID or creates it. A create
// that loses a race is retried once. Store failures here are fatal.
func (s *ChatService) resolveChat(ctx context.Context, chatID, userID, title string, visibility db.Visibility) (*db.Chat, error) {
	chat, err := s.loadOrCreateChat(ctx, chatID, userID, title, visibility)
	if errors.Is(err, apperr.ErrConflict) {
		// created concurrently by another request
		chat, err = s.loadOrCreateChat(ctx, chatID, userID, title, visibility)
	}
	if errors.Is(err, apperr.ErrConflict) {
		return nil, apperr.Persistence("create chat", err, false)
	}
	return chat, err
}

// loadOrCreateChat returns a create conflict unwrapped so the caller can retry.
func (s *ChatService) loadOrCreateChat(ctx context.Context, chatID, userID, title string, visibility db.Visibility) (*db.Chat, error) {
	chat, err := s.db.GetChatByID(ctx, chatID)
	if err == nil {
		if chat.UserID != userID {
			return nil, apperr.Forbidden("chat belongs to another user")
		}
		return chat, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Persistence("load chat", err, false)
	}

	chat, err = s.db.CreateChat(ctx, chatID, userID, title, visibility)
	if errors.Is(err, apperr.ErrConflict) {
		return nil, err
	}
	if err != nil {
		return nil, apperr.Persistence("create chat", err, false)
	}

	logger.FromContext(ctx).WithFields(logrus.Fields{
		"chat_id": chat.ID,
		"user_id": userID,
	}).Info("Created chat")
	return chat, nil
}

// forward relays provider chunks to out while accumulating the reply. Once the
// caller disconnects it stops relaying but keeps draining so the reply and
// its usage are still persisted.
func (s *ChatService) forward(ctx context.Context, p *preparedRequest, first llm.StreamChunk, open bool, chunks <-chan llm.StreamChunk, out chan<- StreamEvent, started time.Time) {
	log := logger.FromContext(ctx).WithField("chat_id", p.chat.ID)
	assistantID := uuid.NewString()

	connected := true
	emit := func(ev StreamEvent) {
		if !connected {
			return
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			connected = false
		}
	}

	var reply strings.Builder
	var reported *llm.Usage
	var streamErr error

	handle := func(chunk llm.StreamChunk) {
		switch {
		case chunk.Err != nil:
			streamErr = chunk.Err
			emit(StreamEvent{Type: EventError, Error: apperr.PublicMessage(apperr.Upstream(chunk.Err))})
		case chunk.Usage != nil:
			reported = chunk.Usage
		case chunk.Content != "":
			reply.WriteString(chunk.Content)
			emit(StreamEvent{Type: EventDelta, Content: chunk.Content})
		}
	}

	emit(StreamEvent{Type: EventMeta, ChatID: p.chat.ID, MessageID: assistantID, Model: p.model})
	if open {
		handle(first)
		for chunk := range chunks {
			handle(chunk)
		}
	}

	usage := s.config.Accountant.Resolve(reported, p.prompt, reply.String())
	emit(StreamEvent{Type: EventUsage, Usage: &UsagePayload{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.Total(),
		Estimated:        usage.Estimated,
	}})
	close(out)

	outcome := "completed"
	switch {
	case streamErr != nil:
		outcome = "upstream_error"
		log.WithError(streamErr).Warn("Upstream failed mid-stream")
	case ctx.Err() != nil || !connected:
		outcome = "cancelled"
		log.WithField("reply_chars", reply.Len()).Info("Client disconnected, saving partial reply")
	}

	s.persistReply(context.WithoutCancel(ctx), p, assistantID, reply.String(), usage)

	s.config.Metrics.ChatRequest(outcome)
	s.config.Metrics.StreamFinished(time.Since(started))
}

func (s *ChatService) persistReply(ctx context.Context, p *preparedRequest, assistantID, reply string, usage tokens.Usage) {
	messageID := ""
	if reply != "" {
		ok := s.bestEffort(ctx, "save assistant message", func() error {
			_, err := s.db.AppendMessages(ctx, []db.Message{{
				ID:      assistantID,
				ChatID:  p.chat.ID,
				Role:    llm.RoleAssistant,
				Content: reply,
			}})
			return err
		})
		if ok {
			messageID = assistantID
		}
	}

	var row *db.TokenUsage
	s.bestEffort(ctx, "record token usage", func() error {
		var err error
		row, err = s.config.Accountant.RecordUsage(ctx, tokens.Entry{
			UserID:    p.chat.UserID,
			ChatID:    p.chat.ID,
			MessageID: messageID,
			Model:     p.model,
			Usage:     usage,
		})
		return err
	})
	if row == nil {
		return
	}

	err := s.config.Publisher.PublishUsage(ctx, events.UsageEvent{
		UsageID:          row.ID,
		UserID:           row.UserID,
		ChatID:           row.ChatID,
		MessageID:        row.MessageID,
		Model:            row.Model,
		PromptTokens:     row.PromptTokens,
		CompletionTokens: row.CompletionTokens,
		TotalTokens:      row.TotalTokens,
		Estimated:        usage.Estimated,
		Timestamp:        row.CreatedAt,
	})
	if err != nil {
		s.config.Metrics.UsageEvent("failed")
		logger.FromContext(ctx).WithError(err).Warn("Failed to publish usage event")
		return
	}
	s.config.Metrics.UsageEvent("published")
}

// bestEffort runs a persistence step under the bestEffort policy and reports
// whether it succeeded.
func (s *ChatService) bestEffort(ctx context.Context, op string, fn func() error) bool {
	err := fn()
	if err == nil {
		return true
	}
	s.config.Metrics.PersistenceFailure(op, policyBestEffort)
	logger.FromContext(ctx).WithFields(logrus.Fields{
		"operation": op,
		"policy":    policyBestEffort,
	}).WithError(apperr.Persistence(op, err, true)).Warn("Persistence failed, continuing")
	return false
}

// generateTitle uses the first user message, cut to maxTitleRunes.
func generateTitle(messages []llm.Message) string {
	for _, m := range messages {
		if m.Role != llm.RoleUser {
			continue
		}
		title := strings.Join(strings.Fields(m.Content), " ")
		runes := []rune(title)
		if len(runes) > maxTitleRunes {
			title = string(runes[:maxTitleRunes])
		}
		return title
	}
	return "New chat"
}

func drain(chunks <-chan llm.StreamChunk) {
	for range chunks {
	}
}
