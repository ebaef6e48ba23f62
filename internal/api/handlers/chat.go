package handlers

import (
	"chat-ledger/internal/app"
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/config"
	"chat-ledger/internal/logger"
	"chat-ledger/internal/repository/db"
	chatService "chat-ledger/internal/service/chat"
	conversationService "chat-ledger/internal/service/conversation"
	"chat-ledger/pkg/validation"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Request/Response types

type ChatRequest struct {
	ID          string                    `json:"id"`
	Messages    []validation.MessageInput `json:"messages"`
	Model       string                    `json:"model,omitempty"`
	Temperature *float64                  `json:"temperature,omitempty"`
	PersonaID   string                    `json:"personaId,omitempty"`
	Visibility  db.Visibility             `json:"visibility,omitempty"`
}

type ChatsResponse struct {
	Chats []db.Chat `json:"chats"`
}

type MessagesResponse struct {
	Messages []db.Message `json:"messages"`
}

type VisibilityRequest struct {
	Visibility db.Visibility `json:"visibility"`
}

type TruncateResponse struct {
	Deleted int64 `json:"deleted"`
}

type VoteRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Type      string `json:"type"` // "up" or "down"
}

type VotesResponse struct {
	Votes []db.Vote `json:"votes"`
}

type ModelsResponse struct {
	Models []config.Model `json:"models"`
}

type PersonasResponse struct {
	Personas []config.Persona `json:"personas"`
}

// ChatHandlers uses the service layer for better separation of concerns
type ChatHandlers struct {
	config              *app.Config
	chatService         *chatService.ChatService
	conversationService *conversationService.ConversationService
}

// NewChatHandlers creates a new ChatHandlers with service layer
func NewChatHandlers(config *app.Config, chat *chatService.ChatService) *ChatHandlers {
	return &ChatHandlers{
		config:              config,
		chatService:         chat,
		conversationService: conversationService.NewConversationService(config.DB, config.Accountant),
	}
}

// ChatStreamHandler is the SSE endpoint for streaming chat responses. Errors
// raised before the first event get a JSON error body; later ones are sent
// as error events inside the stream.
func (ch *ChatHandlers) ChatStreamHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeBody(r, &req); err != nil {
		sendError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, r, fmt.Errorf("streaming not supported by response writer"))
		return
	}

	events, err := ch.chatService.SendMessageStream(r.Context(), chatService.SendMessageRequest{
		ChatID:      req.ID,
		UserID:      viewerID(r),
		Messages:    req.Messages,
		Model:       req.Model,
		Temperature: req.Temperature,
		PersonaID:   req.PersonaID,
		Visibility:  req.Visibility,
	})
	if err != nil {
		sendError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	log := logger.FromContext(r.Context()).WithField("chat_id", req.ID)
	deltas := 0
	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			log.WithError(err).Error("Failed to encode stream event")
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		if ev.Type == chatService.EventDelta {
			deltas++
		}
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
	log.WithField("deltas", deltas).Debug("Stream finished")
}

// DeleteChatHandler deletes the chat named by the id query parameter
func (ch *ChatHandlers) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("id")
	if chatID == "" {
		sendError(w, r, apperr.BadRequest("id query parameter is required"))
		return
	}

	if err := ch.conversationService.DeleteChat(r.Context(), chatID, viewerID(r)); err != nil {
		sendError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).WithField("chat_id", chatID).Info("Chat deleted")
	sendJSON(w, http.StatusOK, DeleteResponse{Success: true, Message: "Chat deleted successfully"})
}

// GetChatsHandler returns all chats for the authenticated user
func (ch *ChatHandlers) GetChatsHandler(w http.ResponseWriter, r *http.Request) {
	chats, err := ch.conversationService.ListChats(r.Context(), viewerID(r))
	if err != nil {
		sendError(w, r, err)
		return
	}
	if chats == nil {
		chats = []db.Chat{}
	}
	sendJSON(w, http.StatusOK, ChatsResponse{Chats: chats})
}

func (ch *ChatHandlers) GetChatHandler(w http.ResponseWriter, r *http.Request) {
	chat, err := ch.conversationService.GetChat(r.Context(), r.PathValue("id"), viewerID(r))
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, chat)
}

// GetChatMessagesHandler returns all messages of a chat in order
func (ch *ChatHandlers) GetChatMessagesHandler(w http.ResponseWriter, r *http.Request) {
	messages, err := ch.conversationService.GetMessages(r.Context(), r.PathValue("id"), viewerID(r))
	if err != nil {
		sendError(w, r, err)
		return
	}
	if messages == nil {
		messages = []db.Message{}
	}
	sendJSON(w, http.StatusOK, MessagesResponse{Messages: messages})
}

func (ch *ChatHandlers) SetVisibilityHandler(w http.ResponseWriter, r *http.Request) {
	var req VisibilityRequest
	if err := decodeBody(r, &req); err != nil {
		sendError(w, r, err)
		return
	}

	chatID := r.PathValue("id")
	if err := ch.conversationService.SetVisibility(r.Context(), chatID, viewerID(r), req.Visibility); err != nil {
		sendError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).WithFields(logrus.Fields{
		"chat_id":    chatID,
		"visibility": req.Visibility,
	}).Info("Chat visibility changed")
	sendJSON(w, http.StatusOK, VisibilityRequest{Visibility: req.Visibility})
}

// TruncateMessagesHandler deletes messages created after the RFC3339 "after" parameter
func (ch *ChatHandlers) TruncateMessagesHandler(w http.ResponseWriter, r *http.Request) {
	after, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("after"))
	if err != nil {
		sendError(w, r, apperr.BadRequest("after must be an RFC3339 timestamp"))
		return
	}

	deleted, err := ch.conversationService.TruncateAfter(r.Context(), r.PathValue("id"), viewerID(r), after)
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, TruncateResponse{Deleted: deleted})
}

func (ch *ChatHandlers) GetVotesHandler(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chatId")
	if chatID == "" {
		sendError(w, r, apperr.BadRequest("chatId query parameter is required"))
		return
	}

	votes, err := ch.conversationService.GetVotes(r.Context(), chatID, viewerID(r))
	if err != nil {
		sendError(w, r, err)
		return
	}
	if votes == nil {
		votes = []db.Vote{}
	}
	sendJSON(w, http.StatusOK, VotesResponse{Votes: votes})
}

func (ch *ChatHandlers) VoteHandler(w http.ResponseWriter, r *http.Request) {
	var req VoteRequest
	if err := decodeBody(r, &req); err != nil {
		sendError(w, r, err)
		return
	}
	if req.ChatID == "" || req.MessageID == "" {
		sendError(w, r, apperr.BadRequest("chatId and messageId are required"))
		return
	}
	if req.Type != "up" && req.Type != "down" {
		sendError(w, r, apperr.BadRequest("type must be up or down"))
		return
	}

	if err := ch.conversationService.Vote(r.Context(), req.ChatID, req.MessageID, viewerID(r), req.Type == "up"); err != nil {
		sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// TokenUsageHandler returns the aggregate for exactly one of userId or chatId
func (ch *ChatHandlers) TokenUsageHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	chatID := r.URL.Query().Get("chatId")

	var totals db.UsageTotals
	var err error
	switch {
	case userID != "" && chatID != "", userID == "" && chatID == "":
		err = apperr.BadRequest("exactly one of userId or chatId is required")
	case userID != "":
		totals, err = ch.conversationService.UserUsage(r.Context(), userID, viewerID(r))
	default:
		totals, err = ch.conversationService.ChatUsage(r.Context(), chatID, viewerID(r))
	}
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, totals)
}

// GetModelsHandler returns the list of available models
func (ch *ChatHandlers) GetModelsHandler(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, ModelsResponse{Models: ch.config.ModelsConfig().GetAvailableModels()})
}

func (ch *ChatHandlers) GetPersonasHandler(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, PersonasResponse{Personas: ch.config.PersonasConfig().GetPersonas()})
}
