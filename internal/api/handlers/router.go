package handlers

import (
	"chat-ledger/internal/app"
	chatService "chat-ledger/internal/service/chat"
	"net/http"
	"strings"
)

// NewRouter registers every API route on a Go 1.22+ pattern mux.
func NewRouter(config *app.Config, chat *chatService.ChatService) *http.ServeMux {
	chatHandlers := NewChatHandlers(config, chat)
	authHandlers := NewAuthHandlers(config)
	origin := config.AppConfig.Server.AllowedOrigin
	identity := config.Identity

	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		route := pattern
		if i := strings.IndexByte(pattern, ' '); i >= 0 {
			route = pattern[i+1:]
		}
		mux.HandleFunc(pattern, withRequestLog(config, route, enableCORS(origin, h)))
	}
	protected := func(h http.HandlerFunc) http.HandlerFunc {
		return requireIdentity(identity, h)
	}
	public := func(h http.HandlerFunc) http.HandlerFunc {
		return optionalIdentity(identity, h)
	}

	// Public routes
	handle("POST /api/register", authHandlers.RegisterHandler)
	handle("POST /api/login", authHandlers.LoginHandler)
	handle("GET /api/health", HealthHandler)
	handle("GET /api/models", chatHandlers.GetModelsHandler)
	handle("GET /api/personas", chatHandlers.GetPersonasHandler)
	mux.Handle("GET /metrics", config.Metrics.Handler())

	// Readable by anyone when the chat is public
	handle("GET /api/chats/{id}", public(chatHandlers.GetChatHandler))
	handle("GET /api/chats/{id}/messages", public(chatHandlers.GetChatMessagesHandler))
	handle("GET /api/vote", public(chatHandlers.GetVotesHandler))

	// Protected routes
	handle("POST /api/chat", protected(rateLimit(config, chatHandlers.ChatStreamHandler)))
	handle("DELETE /api/chat", protected(chatHandlers.DeleteChatHandler))
	handle("GET /api/chats", protected(chatHandlers.GetChatsHandler))
	handle("PATCH /api/chats/{id}/visibility", protected(chatHandlers.SetVisibilityHandler))
	handle("DELETE /api/chats/{id}/messages", protected(chatHandlers.TruncateMessagesHandler))
	handle("PATCH /api/vote", protected(chatHandlers.VoteHandler))
	handle("GET /api/token-usage", protected(chatHandlers.TokenUsageHandler))
	handle("GET /api/document", protected(chatHandlers.GetDocumentHandler))
	handle("POST /api/document", protected(chatHandlers.SaveDocumentHandler))
	handle("DELETE /api/document", protected(chatHandlers.DeleteDocumentHandler))
	handle("GET /api/suggestions", protected(chatHandlers.GetSuggestionsHandler))
	handle("POST /api/suggestions", protected(chatHandlers.SaveSuggestionsHandler))

	// CORS preflight for every path above
	handle("OPTIONS /", func(w http.ResponseWriter, r *http.Request) {})

	return mux
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
