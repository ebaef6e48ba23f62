// Package memory is an in-process implementation of db.Database.
package memory

import (
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/repository/db"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store keeps all entities in maps guarded by one RWMutex. Timestamps come from
// a clock that never goes backwards, and seq breaks ties between equal timestamps.
type Store struct {
	mu sync.RWMutex

	users  map[string]db.User
	emails map[string]string // email -> user ID

	chats      map[string]db.Chat
	chatOrder  []string
	messages   map[string][]db.Message // chat ID -> messages in insertion order
	messageIdx map[string]string       // message ID -> chat ID
	votes      map[string]map[string]bool

	documents   map[string][]db.Document
	suggestions map[string][]db.Suggestion

	usage []db.TokenUsage

	clock func() time.Time
	last  time.Time
	seq   int64
}

type Option func(*Store)

// WithClock replaces time.Now; used by tests to force equal timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// NewStore initializes an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		users:       make(map[string]db.User),
		emails:      make(map[string]string),
		chats:       make(map[string]db.Chat),
		messages:    make(map[string][]db.Message),
		messageIdx:  make(map[string]string),
		votes:       make(map[string]map[string]bool),
		documents:   make(map[string][]db.Document),
		suggestions: make(map[string][]db.Suggestion),
		clock:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// now must be called with mu held for writing.
func (s *Store) now() time.Time {
	t := s.clock()
	if t.Before(s.last) {
		t = s.last
	}
	s.last = t
	return t
}

func (s *Store) Close() error { return nil }

// Users

func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.emails[email]; exists {
		return nil, apperr.ErrDuplicateEmail
	}
	u := db.User{ID: uuid.New().String(), Email: email, PasswordHash: passwordHash, CreatedAt: s.now()}
	s.users[u.ID] = u
	s.emails[email] = u.ID
	return &u, nil
}

func (s *Store) EnsureUser(ctx context.Context, id, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[id]; exists {
		return nil
	}
	if _, taken := s.emails[email]; taken {
		return apperr.ErrDuplicateEmail
	}
	s.users[id] = db.User{ID: id, Email: email, CreatedAt: s.now()}
	s.emails[email] = id
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*db.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emails[email]
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	u := s.users[id]
	return &u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*db.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	return &u, nil
}

// Chats

func (s *Store) CreateChat(ctx context.Context, id, userID, title string, visibility db.Visibility) (*db.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return nil, apperr.NotFound("user %s not found", userID)
	}
	if _, exists := s.chats[id]; exists {
		return nil, apperr.ErrConflict
	}
	c := db.Chat{ID: id, UserID: userID, Title: title, Visibility: visibility, CreatedAt: s.now()}
	s.chats[id] = c
	s.chatOrder = append(s.chatOrder, id)
	return &c, nil
}

func (s *Store) GetChatByID(ctx context.Context, id string) (*db.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[id]
	if !ok {
		return nil, apperr.NotFound("chat %s not found", id)
	}
	return &c, nil
}

func (s *Store) GetChatsByUserID(ctx context.Context, userID string) ([]db.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]db.Chat, 0)
	for i := len(s.chatOrder) - 1; i >= 0; i-- {
		if c, ok := s.chats[s.chatOrder[i]]; ok && c.UserID == userID {
			res = append(res, c)
		}
	}
	return res, nil
}

func (s *Store) UpdateChatVisibility(ctx context.Context, id string, visibility db.Visibility) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[id]
	if !ok {
		return apperr.NotFound("chat %s not found", id)
	}
	c.Visibility = visibility
	s.chats[id] = c
	return nil
}

// DeleteChatByID holds the write lock for the whole cascade, so readers never
// observe a partial delete.
func (s *Store) DeleteChatByID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[id]; !ok {
		return apperr.NotFound("chat %s not found", id)
	}

	delete(s.votes, id)
	for _, m := range s.messages[id] {
		delete(s.messageIdx, m.ID)
	}
	delete(s.messages, id)
	delete(s.chats, id)
	for i, cid := range s.chatOrder {
		if cid == id {
			s.chatOrder = append(s.chatOrder[:i], s.chatOrder[i+1:]...)
			break
		}
	}
	return nil
}

// Messages

func (s *Store) AppendMessages(ctx context.Context, messages []db.Message) ([]db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate first so the batch is all-or-nothing.
	seen := make(map[string]bool, len(messages))
	for _, m := range messages {
		if _, ok := s.chats[m.ChatID]; !ok {
			return nil, apperr.ErrForeignKeyViolation
		}
		if m.ID == "" {
			continue
		}
		if _, exists := s.messageIdx[m.ID]; exists || seen[m.ID] {
			return nil, apperr.ErrConflict
		}
		seen[m.ID] = true
	}

	stored := make([]db.Message, 0, len(messages))
	for _, m := range messages {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		s.seq++
		m.Seq = s.seq
		m.CreatedAt = s.now()
		s.messages[m.ChatID] = append(s.messages[m.ChatID], m)
		s.messageIdx[m.ID] = m.ChatID
		stored = append(stored, m)
	}
	return stored, nil
}

func (s *Store) GetMessagesByChatID(ctx context.Context, chatID string) ([]db.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := append([]db.Message(nil), s.messages[chatID]...)
	sort.SliceStable(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].Seq < res[j].Seq
	})
	if res == nil {
		res = []db.Message{}
	}
	return res, nil
}

func (s *Store) GetMessageByID(ctx context.Context, id string) (*db.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chatID, ok := s.messageIdx[id]
	if !ok {
		return nil, apperr.NotFound("message %s not found", id)
	}
	for _, m := range s.messages[chatID] {
		if m.ID == id {
			return &m, nil
		}
	}
	return nil, apperr.NotFound("message %s not found", id)
}

func (s *Store) DeleteMessagesAfter(ctx context.Context, chatID string, after time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return 0, apperr.NotFound("chat %s not found", chatID)
	}

	var kept []db.Message
	var removed int64
	for _, m := range s.messages[chatID] {
		if m.CreatedAt.After(after) {
			delete(s.messageIdx, m.ID)
			delete(s.votes[chatID], m.ID)
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.messages[chatID] = kept
	return removed, nil
}

// Votes

func (s *Store) UpsertVote(ctx context.Context, chatID, messageID string, isUpvoted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return apperr.NotFound("chat %s not found", chatID)
	}
	if owner, ok := s.messageIdx[messageID]; !ok || owner != chatID {
		return apperr.NotFound("message %s not found in chat %s", messageID, chatID)
	}
	if s.votes[chatID] == nil {
		s.votes[chatID] = make(map[string]bool)
	}
	s.votes[chatID][messageID] = isUpvoted
	return nil
}

func (s *Store) GetVotesByChatID(ctx context.Context, chatID string) ([]db.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]db.Vote, 0, len(s.votes[chatID]))
	for _, m := range s.messages[chatID] {
		if up, ok := s.votes[chatID][m.ID]; ok {
			res = append(res, db.Vote{ChatID: chatID, MessageID: m.ID, IsUpvoted: up})
		}
	}
	return res, nil
}

// Documents

func (s *Store) SaveDocument(ctx context.Context, doc db.Document) (*db.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[doc.UserID]; !ok {
		return nil, apperr.NotFound("user %s not found", doc.UserID)
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	doc.CreatedAt = s.now()
	s.documents[doc.ID] = append(s.documents[doc.ID], doc)
	return &doc, nil
}

func (s *Store) GetDocumentsByID(ctx context.Context, id string) ([]db.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.documents[id]
	if !ok || len(versions) == 0 {
		return nil, apperr.NotFound("document %s not found", id)
	}
	return append([]db.Document(nil), versions...), nil
}

func (s *Store) GetDocumentByID(ctx context.Context, id string) (*db.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.documents[id]
	if len(versions) == 0 {
		return nil, apperr.NotFound("document %s not found", id)
	}
	latest := versions[len(versions)-1]
	return &latest, nil
}

func (s *Store) DeleteDocumentsAfter(ctx context.Context, id string, after time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.documents[id]
	if !ok || len(versions) == 0 {
		return 0, apperr.NotFound("document %s not found", id)
	}

	var kept []db.Document
	var removed int64
	for _, d := range versions {
		if d.CreatedAt.After(after) {
			removed++
			continue
		}
		kept = append(kept, d)
	}

	var keptSuggestions []db.Suggestion
	for _, sg := range s.suggestions[id] {
		if !sg.DocumentCreatedAt.After(after) {
			keptSuggestions = append(keptSuggestions, sg)
		}
	}
	s.suggestions[id] = keptSuggestions

	if len(kept) == 0 {
		delete(s.documents, id)
	} else {
		s.documents[id] = kept
	}
	return removed, nil
}

func (s *Store) SaveSuggestions(ctx context.Context, suggestions []db.Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sg := range suggestions {
		if !s.hasVersion(sg.DocumentID, sg.DocumentCreatedAt) {
			return apperr.NotFound("document %s version not found", sg.DocumentID)
		}
	}
	for _, sg := range suggestions {
		if sg.ID == "" {
			sg.ID = uuid.New().String()
		}
		sg.CreatedAt = s.now()
		s.suggestions[sg.DocumentID] = append(s.suggestions[sg.DocumentID], sg)
	}
	return nil
}

func (s *Store) hasVersion(id string, createdAt time.Time) bool {
	for _, d := range s.documents[id] {
		if d.CreatedAt.Equal(createdAt) {
			return true
		}
	}
	return false
}

func (s *Store) GetSuggestionsByDocumentID(ctx context.Context, documentID string) ([]db.Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := append([]db.Suggestion(nil), s.suggestions[documentID]...)
	if res == nil {
		res = []db.Suggestion{}
	}
	return res, nil
}

// Token usage

func (s *Store) RecordTokenUsage(ctx context.Context, entry db.TokenUsage) (*db.TokenUsage, error) {
	if err := db.ValidateUsage(entry); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = s.now()
	s.usage = append(s.usage, entry)
	return &entry, nil
}

func (s *Store) SumTokenUsage(ctx context.Context, filter db.UsageFilter) (db.UsageTotals, error) {
	if err := db.ValidateFilter(filter); err != nil {
		return db.UsageTotals{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var totals db.UsageTotals
	for _, u := range s.usage {
		if filter.UserID != "" && u.UserID != filter.UserID {
			continue
		}
		if filter.ChatID != "" && u.ChatID != filter.ChatID {
			continue
		}
		totals.PromptTokens += u.PromptTokens
		totals.CompletionTokens += u.CompletionTokens
		totals.TotalTokens += u.TotalTokens
	}
	return totals, nil
}
