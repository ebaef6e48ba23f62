package testutil

import (
	"chat-ledger/internal/app"
	"chat-ledger/internal/config"
	"chat-ledger/internal/events"
	"chat-ledger/internal/repository/db"
	"chat-ledger/internal/service/llm"
	"context"
	"errors"
	"sync"
	"time"
)

var errNotImplemented = errors.New("not implemented")

// MockDatabase is a mock implementation of db.Database for testing. Each call
// uses its Func field when set, then Fallback when set, else fails.
type MockDatabase struct {
	Fallback db.Database

	// User mocks
	CreateUserFunc     func(ctx context.Context, email, passwordHash string) (*db.User, error)
	GetUserByEmailFunc func(ctx context.Context, email string) (*db.User, error)
	GetUserByIDFunc    func(ctx context.Context, id string) (*db.User, error)
	EnsureUserFunc     func(ctx context.Context, id, email string) error

	// Chat mocks
	CreateChatFunc           func(ctx context.Context, id, userID, title string, visibility db.Visibility) (*db.Chat, error)
	GetChatByIDFunc          func(ctx context.Context, id string) (*db.Chat, error)
	GetChatsByUserIDFunc     func(ctx context.Context, userID string) ([]db.Chat, error)
	UpdateChatVisibilityFunc func(ctx context.Context, id string, visibility db.Visibility) error
	DeleteChatByIDFunc       func(ctx context.Context, id string) error

	// Message mocks
	AppendMessagesFunc      func(ctx context.Context, messages []db.Message) ([]db.Message, error)
	GetMessagesByChatIDFunc func(ctx context.Context, chatID string) ([]db.Message, error)
	GetMessageByIDFunc      func(ctx context.Context, id string) (*db.Message, error)
	DeleteMessagesAfterFunc func(ctx context.Context, chatID string, after time.Time) (int64, error)

	// Vote mocks
	UpsertVoteFunc       func(ctx context.Context, chatID, messageID string, isUpvoted bool) error
	GetVotesByChatIDFunc func(ctx context.Context, chatID string) ([]db.Vote, error)

	// Document mocks
	SaveDocumentFunc               func(ctx context.Context, doc db.Document) (*db.Document, error)
	GetDocumentsByIDFunc           func(ctx context.Context, id string) ([]db.Document, error)
	GetDocumentByIDFunc            func(ctx context.Context, id string) (*db.Document, error)
	DeleteDocumentsAfterFunc       func(ctx context.Context, id string, after time.Time) (int64, error)
	SaveSuggestionsFunc            func(ctx context.Context, suggestions []db.Suggestion) error
	GetSuggestionsByDocumentIDFunc func(ctx context.Context, documentID string) ([]db.Suggestion, error)

	// Token usage mocks
	RecordTokenUsageFunc func(ctx context.Context, entry db.TokenUsage) (*db.TokenUsage, error)
	SumTokenUsageFunc    func(ctx context.Context, filter db.UsageFilter) (db.UsageTotals, error)
}

// User methods
func (m *MockDatabase) CreateUser(ctx context.Context, email, passwordHash string) (*db.User, error) {
	if m.CreateUserFunc != nil {
		return m.CreateUserFunc(ctx, email, passwordHash)
	}
	if m.Fallback != nil {
		return m.Fallback.CreateUser(ctx, email, passwordHash)
	}
	return nil, errNotImplemented
}

func (m *MockDatabase) GetUserByEmail(ctx context.Context, email string) (*db.User, error) {
	if m.GetUserByEmailFunc != nil {
		return m.GetUserByEmailFunc(ctx, email)
	}
	if m.Fallback != nil {
		return m.Fallback.GetUserByEmail(ctx, email)
	}
	return nil, errNotImplemented
}

func (m *MockDatabase) GetUserByID(ctx context.Context, id string) (*db.User, error) {
	if m.GetUserByIDFunc != nil {
		return m.GetUserByIDFunc(ctx, id)
	}
	if m.Fallback != nil {
		return m.Fallback.GetUserByID(ctx, id)
	}
	return nil, errNotImplemented
}

func (m *MockDatabase) EnsureUser(ctx context.Context, id, email string) error {
	if m.EnsureUserFunc != nil {
		return m.EnsureUserFunc(ctx, id, email)
	}
	if m.Fallback != nil {
		return m.Fallback.EnsureUser(ctx, id, email)
	}
	return errNotImplemented
}

// Chat methods
func (m *MockDatabase) CreateChat(ctx context.Context, id, userID, title string, visibility db.Visibility) (*db.Chat, error) {
	if m.CreateChatFunc != nil {
		return m.CreateChatFunc(ctx, id, userID, title, visibility)
	}
	if m.Fallback != nil {
		return m.Fallback.CreateChat(ctx, id, userID, title, visibility)
	}
	return nil, errNotImplemented
}

func (m *MockDatabase) GetChatByID(ctx context.Context, id string) (*db.Chat, error) {
	if m.GetChatByIDFunc != nil {
		return m.GetChatByIDFunc(ctx, id)
	}
	if m.Fallback != nil {
		return m.Fallback.GetChatByID(ctx, id)
	}
	return nil, errNotImplemented
}

func (m *MockDatabase) GetChatsByUserID(ctx context.Context, userID string) ([]db.Chat, error) {
	if m.GetChatsByUserIDFunc != nil {
		return m.GetChatsByUserIDFunc(ctx, userID)
	}
	if m.Fallback != nil {
		return m.Fallback.GetChatsByUserID(ctx, userID)
	}
	return nil, errNotImplemented
}

func (m *MockDatabase) UpdateChatVisibility(ctx context.Context, id string, visibility db.Visibility) error {
	if m.UpdateChatVisibilityFunc != nil {
		return m.UpdateChatVisibilityFunc(ctx, id, visibility)
	}
	if m.Fallback != nil {
		return m.Fallback.UpdateChatVisibility(ctx, id, visibility)
	}
	return errNotImplemented
}

func (m *MockDatabase) DeleteChatByID(ctx context.Context, id string) error {
	if m.DeleteChatByIDFunc != nil {
		return m.DeleteChatByIDFunc(ctx, id)
	}
	if m.Fallback != nil {
		return m.Fallback.DeleteChatByID(ctx, id)
	}
	return errNotImplemented
}

// Message methods
func (m *MockDatabase) AppendMessages(ctx context.Context, messages []db.Message) ([]db.Message, error) {
	if m.AppendMessagesFunc != nil {
		return m.AppendMessagesFunc(ctx, messages)
	}
	if m.Fallback != nil {
		return m.Fallback.AppendMessages(ctx, messages)
	}
	return nil, errNotImplemented
}

func (m *MockDatabase) GetMessagesByChatID(ctx context.Context, chatID string) ([]db.Message, error) {
	if m.GetMessagesByChatIDFunc != nil {
		return m.GetMessagesByChatIDFunc(ctx, chatID)
	}
	if m.Fallback != nil {
		return m.Fallback.GetMessagesByChatID(ctx, chatID)
	}
	return nil, errNotImplemented
}

func (m *MockDatabase) GetMessageByID(ctx context.Context, id string) (*db.Message, error) {
	if m.GetMessageByIDFunc != nil {
		return m.GetMessageByIDFunc(ctx, id)
	}
	if m.Fallback != nil {
		return m.Fallback.GetMessageByID(ctx, id)
	}
	return nil, errNotImplemented
}

func (m *MockDatabase) DeleteMessagesAfter(ctx context.Context, chatID string, after time.Time) (int64, error) {
	if m.DeleteMessagesAfterFunc != nil {
		return m.DeleteMessagesAfterFunc(ctx, chatID, after)
	}
	if m.Fallback != nil {
		return m.Fallback.DeleteMessagesAfter(ctx, chatID, after)
	}
	return 0, errNotImplemented
}

// Vote methods
func (m *MockDatabase) UpsertVote(ctx context.Context, chatID, messageID string, isUpvoted bool) error {
	if m.UpsertVoteFunc != nil {
		return m.UpsertVoteFunc(ctx, chatID, messageID, isUpvoted)
	}
	if m.Fallback != nil {
		return m.Fallback.UpsertVote(ctx, chatID, messageID, isUpvoted)
	}
	return errNotImplemented
}

func (m *MockDatabase) GetVotesByChatID(ctx context.Context, chatID string) ([]db.Vote, error) {
	if m.GetVotesByChatIDFunc != nil {
		return m.GetVotesByChatIDFunc(ctx, chatID)
	}
	if m.Fallback != nil {
		return m.Fallback.GetVotesByChatID(ctx, chatID)
	}
	return nil, errNotImplemented
}

// Document methods
func (m *MockDatabase) SaveDocument(ctx context.Context, doc db.Document) (*db.Document, error) {
	if m.SaveDocumentFunc != nil {
		return m.SaveDocumentFunc(ctx, doc)
	}
	if m.Fallback != nil {
		return m.Fallback.SaveDocument(ctx, doc)
	}
	return nil, errNotImplemented
}

func (m *MockDatabase) GetDocumentsByID(ctx context.Context, id string) ([]db.Document, error) {
	if m.GetDocumentsByIDFunc != nil {
		return m.GetDocumentsByIDFunc(ctx, id)
	}
	if m.Fallback != nil {
		return m.Fallback.GetDocumentsByID(ctx, id)
	}
	return nil, errNotImplemented
}

func (m *MockDatabase) GetDocumentByID(ctx context.Context, id string) (*db.Document, error) {
	if m.GetDocumentByIDFunc != nil {
		return m.GetDocumentByIDFunc(ctx, id)
	}
	if m.Fallback != nil {
		return m.Fallback.GetDocumentByID(ctx, id)
	}
	return nil, errNotImplemented
}

func (m *MockDatabase) DeleteDocumentsAfter(ctx context.Context, id string, after time.Time) (int64, error) {
	if m.DeleteDocumentsAfterFunc != nil {
		return m.DeleteDocumentsAfterFunc(ctx, id, after)
	}
	if m.Fallback != nil {
		return m.Fallback.DeleteDocumentsAfter(ctx, id, after)
	}
	return 0, errNotImplemented
}

func (m *MockDatabase) SaveSuggestions(ctx context.Context, suggestions []db.Suggestion) error {
	if m.SaveSuggestionsFunc != nil {
		return m.SaveSuggestionsFunc(ctx, suggestions)
	}
	if m.Fallback != nil {
		return m.Fallback.SaveSuggestions(ctx, suggestions)
	}
	return errNotImplemented
}

func (m *MockDatabase) GetSuggestionsByDocumentID(ctx context.Context, documentID string) ([]db.Suggestion, error) {
	if m.GetSuggestionsByDocumentIDFunc != nil {
		return m.GetSuggestionsByDocumentIDFunc(ctx, documentID)
	}
	if m.Fallback != nil {
		return m.Fallback.GetSuggestionsByDocumentID(ctx, documentID)
	}
	return nil, errNotImplemented
}

// Token usage methods
func (m *MockDatabase) RecordTokenUsage(ctx context.Context, entry db.TokenUsage) (*db.TokenUsage, error) {
	if m.RecordTokenUsageFunc != nil {
		return m.RecordTokenUsageFunc(ctx, entry)
	}
	if m.Fallback != nil {
		return m.Fallback.RecordTokenUsage(ctx, entry)
	}
	return nil, errNotImplemented
}

func (m *MockDatabase) SumTokenUsage(ctx context.Context, filter db.UsageFilter) (db.UsageTotals, error) {
	if m.SumTokenUsageFunc != nil {
		return m.SumTokenUsageFunc(ctx, filter)
	}
	if m.Fallback != nil {
		return m.Fallback.SumTokenUsage(ctx, filter)
	}
	return db.UsageTotals{}, errNotImplemented
}

func (m *MockDatabase) Close() error {
	return nil
}

// MockLLMProvider is a mock implementation of llm.Provider for testing
type MockLLMProvider struct {
	ChatStreamFunc      func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error)
	GetDefaultModelFunc func() string
}

func (m *MockLLMProvider) ChatStream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	if m.ChatStreamFunc != nil {
		return m.ChatStreamFunc(ctx, req)
	}
	return nil, errNotImplemented
}

func (m *MockLLMProvider) GetDefaultModel() string {
	if m.GetDefaultModelFunc != nil {
		return m.GetDefaultModelFunc()
	}
	return "default-model"
}

// StreamOf returns a closed, buffered channel holding chunks.
func StreamOf(chunks ...llm.StreamChunk) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

// NewMockModelsConfig creates a ModelsConfig with test models
func NewMockModelsConfig() *config.ModelsConfig {
	models, err := config.NewModelsConfigFromList([]config.Model{
		{ID: "test-model", Name: "Test Model", Provider: "test"},
		{ID: "gpt-4", Name: "GPT-4", Provider: "openai"},
	})
	if err != nil {
		panic(err)
	}
	return models
}

// NewMockPersonasConfig creates a PersonasConfig with the default persona and a reviewer
func NewMockPersonasConfig() *config.PersonasConfig {
	personas, err := config.NewPersonasConfigFromList([]config.Persona{
		{ID: "reviewer", Name: "Reviewer", SystemPrompt: "You review code."},
	}, "You are a helpful assistant.")
	if err != nil {
		panic(err)
	}
	return personas
}

// NewMockAppConfig returns a valid configuration for tests
func NewMockAppConfig() *config.AppConfig {
	return &config.AppConfig{
		Server: config.ServerConfig{Port: "8080", LogLevel: "info"},
		LLM: config.LLMConfig{
			Provider:            "openrouter",
			OpenRouterAPIKey:    "test-api-key",
			OpenRouterBaseURL:   "https://openrouter.ai/api/v1",
			DefaultSystemPrompt: "You are a helpful assistant.",
			TopP:                0.9,
			TopK:                40,
			RequestTimeout:      time.Minute,
		},
		Auth: config.AuthConfig{
			JWTSecret:        []byte("0123456789abcdef0123456789abcdef"),
			TokenExpiration:  time.Hour,
			DefaultUserID:    "00000000-0000-0000-0000-000000000001",
			DefaultUserEmail: "guest@localhost.dev",
		},
		Tokens:   config.TokensConfig{Counter: "estimate"},
		Models:   NewMockModelsConfig(),
		Personas: NewMockPersonasConfig(),
	}
}

// NewMockConfig creates a mock app.Config for testing
func NewMockConfig(database db.Database, provider llm.Provider, opts ...app.Option) *app.Config {
	opts = append([]app.Option{app.WithProvider(provider)}, opts...)
	return app.NewConfig(database, NewMockAppConfig(), opts...)
}

// MockUsagePublisher records published events
type MockUsagePublisher struct {
	mu               sync.Mutex
	Events           []events.UsageEvent
	PublishUsageFunc func(ctx context.Context, event events.UsageEvent) error
}

func (m *MockUsagePublisher) PublishUsage(ctx context.Context, event events.UsageEvent) error {
	if m.PublishUsageFunc != nil {
		if err := m.PublishUsageFunc(ctx, event); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, event)
	return nil
}

func (m *MockUsagePublisher) Published() []events.UsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.UsageEvent, len(m.Events))
	copy(out, m.Events)
	return out
}

func (m *MockUsagePublisher) Close() error {
	return nil
}
