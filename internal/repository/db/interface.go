package db

import (
	"chat-ledger/internal/apperr"
	"context"
	"time"
)

type UserStore interface {
	// CreateUser fails with apperr.ErrDuplicateEmail when the email is taken
	CreateUser(ctx context.Context, email, passwordHash string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	// EnsureUser inserts a user with a fixed id unless one exists; used to seed the default identity
	EnsureUser(ctx context.Context, id, email string) error
}

type ChatStore interface {
	CreateChat(ctx context.Context, id, userID, title string, visibility Visibility) (*Chat, error)
	GetChatByID(ctx context.Context, id string) (*Chat, error)
	// GetChatsByUserID returns chats newest first
	GetChatsByUserID(ctx context.Context, userID string) ([]Chat, error)
	UpdateChatVisibility(ctx context.Context, id string, visibility Visibility) error
	// DeleteChatByID removes votes, messages and the chat in one transaction
	DeleteChatByID(ctx context.Context, id string) error
}

type MessageStore interface {
	// AppendMessages inserts all rows or none. An unknown chat yields
	// apperr.ErrForeignKeyViolation. Returned rows carry store-assigned CreatedAt and Seq.
	AppendMessages(ctx context.Context, messages []Message) ([]Message, error)
	// GetMessagesByChatID returns messages ordered by (CreatedAt, Seq)
	GetMessagesByChatID(ctx context.Context, chatID string) ([]Message, error)
	GetMessageByID(ctx context.Context, id string) (*Message, error)
	// DeleteMessagesAfter removes messages with CreatedAt > after, and their votes
	DeleteMessagesAfter(ctx context.Context, chatID string, after time.Time) (int64, error)
}

type VoteStore interface {
	UpsertVote(ctx context.Context, chatID, messageID string, isUpvoted bool) error
	GetVotesByChatID(ctx context.Context, chatID string) ([]Vote, error)
}

type DocumentStore interface {
	// SaveDocument appends a new version and returns it with CreatedAt set
	SaveDocument(ctx context.Context, doc Document) (*Document, error)
	// GetDocumentsByID returns all versions, oldest first
	GetDocumentsByID(ctx context.Context, id string) ([]Document, error)
	// GetDocumentByID returns the latest version
	GetDocumentByID(ctx context.Context, id string) (*Document, error)
	// DeleteDocumentsAfter removes versions with CreatedAt > after and their suggestions
	DeleteDocumentsAfter(ctx context.Context, id string, after time.Time) (int64, error)
	SaveSuggestions(ctx context.Context, suggestions []Suggestion) error
	GetSuggestionsByDocumentID(ctx context.Context, documentID string) ([]Suggestion, error)
}

// TokenUsageStore is an append-only ledger: no update or delete exists.
type TokenUsageStore interface {
	RecordTokenUsage(ctx context.Context, entry TokenUsage) (*TokenUsage, error)
	// SumTokenUsage returns zeros when no rows match
	SumTokenUsage(ctx context.Context, filter UsageFilter) (UsageTotals, error)
}

// Database defines the interface for all persistence operations
type Database interface {
	UserStore
	ChatStore
	MessageStore
	VoteStore
	DocumentStore
	TokenUsageStore
	Close() error
}

// ValidateUsage checks the ledger invariants shared by every store.
func ValidateUsage(entry TokenUsage) error {
	if entry.UserID == "" {
		return apperr.BadRequest("token usage requires a user id")
	}
	if entry.PromptTokens < 0 || entry.CompletionTokens < 0 {
		return apperr.BadRequest("token counts must be non-negative")
	}
	if entry.TotalTokens != entry.PromptTokens+entry.CompletionTokens {
		return apperr.BadRequest("total tokens must equal prompt plus completion tokens")
	}
	return nil
}

// ValidateFilter requires exactly one of UserID or ChatID.
func ValidateFilter(filter UsageFilter) error {
	if (filter.UserID == "") == (filter.ChatID == "") {
		return apperr.BadRequest("usage filter needs exactly one of userId or chatId")
	}
	return nil
}
