package db

import (
	"chat-ledger/internal/service/llm"
	"time"
)

// Visibility gates read access to a chat.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityPublic
}

// DocumentKind is the artifact type of a document.
type DocumentKind string

const (
	DocumentText  DocumentKind = "text"
	DocumentCode  DocumentKind = "code"
	DocumentSheet DocumentKind = "sheet"
	DocumentImage DocumentKind = "image"
)

func (k DocumentKind) Valid() bool {
	switch k {
	case DocumentText, DocumentCode, DocumentSheet, DocumentImage:
		return true
	}
	return false
}

// User represents a user in the database
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Chat is a conversation thread owned by a user
type Chat struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Title      string     `json:"title"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Message is one turn in a chat. CreatedAt and Seq are assigned by the store.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Role      llm.Role  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Seq       int64     `json:"seq"`
}

// Vote is keyed by (ChatID, MessageID)
type Vote struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	IsUpvoted bool   `json:"isUpvoted"`
}

// Document is one version of an artifact; versions share ID and differ by CreatedAt.
type Document struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId"`
	Title     string       `json:"title"`
	Kind      DocumentKind `json:"kind"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Suggestion is an edit proposal attached to one document version
type Suggestion struct {
	ID                string    `json:"id"`
	DocumentID        string    `json:"documentId"`
	DocumentCreatedAt time.Time `json:"documentCreatedAt"`
	OriginalText      string    `json:"originalText"`
	SuggestedText     string    `json:"suggestedText"`
	Description       string    `json:"description,omitempty"`
	IsResolved        bool      `json:"isResolved"`
	UserID            string    `json:"userId"`
	CreatedAt         time.Time `json:"createdAt"`
}

// TokenUsage is an immutable ledger row. ChatID and MessageID are optional ("" when absent).
type TokenUsage struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	ChatID           string    `json:"chatId,omitempty"`
	MessageID        string    `json:"messageId,omitempty"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"promptTokens"`
	CompletionTokens int64     `json:"completionTokens"`
	TotalTokens      int64     `json:"totalTokens"`
	CreatedAt        time.Time `json:"createdAt"`
}

// UsageTotals is a recomputed aggregate over TokenUsage rows
type UsageTotals struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
}

// UsageFilter selects rows by exactly one of UserID or ChatID
type UsageFilter struct {
	UserID string
	ChatID string
}
