package mirror

import (
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/logger"
	"chat-ledger/internal/repository/db"
	"chat-ledger/internal/service/llm"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	indexKey          = "conversations"
	messagesKeyPrefix = "messages:"
	creditsKey        = "credits"

	DefaultTitle  = "New conversation"
	maxTitleRunes = 100
)

// State is the lifecycle of a local conversation.
type State string

const (
	StateEmpty   State = "empty"
	StateActive  State = "active"
	StateCleared State = "cleared"
	StateDeleted State = "deleted"
)

// Conversation is the cached metadata of one chat.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is a cached message. Provisional messages have not been confirmed by the server.
type Message struct {
	ID          string    `json:"id"`
	Role        llm.Role  `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	Seq         int64     `json:"seq"`
	Provisional bool      `json:"provisional,omitempty"`
}

// Source is the server side of the mirror.
type Source interface {
	ListChats(ctx context.Context) ([]db.Chat, error)
	GetMessages(ctx context.Context, chatID string) ([]db.Message, error)
}

type indexState struct {
	Active        string         `json:"active,omitempty"`
	Seq           int64          `json:"seq"`
	Conversations []Conversation `json:"conversations"`
	// Deleted keeps locally deleted ids so a sync does not bring them back.
	Deleted []string `json:"deleted,omitempty"`
}

// Manager is the conversation mirror. The whole local state is held in memory
// and written through to the Cache on every mutation; one mutex serializes
// mutations, so concurrent appends never lose messages.
type Manager struct {
	mu     sync.Mutex
	cache  Cache
	source Source
	clock  func() time.Time

	active        string
	seq           int64
	conversations map[string]*Conversation
	// messages holds loaded message lists; a missing entry means not loaded yet.
	messages map[string][]Message
	deleted  map[string]bool
	credits  map[string]int64
}

type Option func(*Manager)

func WithSource(source Source) Option {
	return func(m *Manager) { m.source = source }
}

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager restores state from cache and guarantees an active conversation.
func NewManager(ctx context.Context, cache Cache, opts ...Option) (*Manager, error) {
	m := &Manager{
		cache:         cache,
		clock:         func() time.Time { return time.Now().UTC() },
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		deleted:       make(map[string]bool),
		credits:       make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.restore(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[m.active]; !ok {
		if err := m.pickActive(ctx); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) restore(ctx context.Context) error {
	var idx indexState
	found, err := m.readJSON(ctx, indexKey, &idx)
	if err != nil {
		return err
	}
	if found {
		m.active = idx.Active
		m.seq = idx.Seq
		for i := range idx.Conversations {
			c := idx.Conversations[i]
			m.conversations[c.ID] = &c

			var msgs []Message
			ok, err := m.readJSON(ctx, messagesKeyPrefix+c.ID, &msgs)
			if err != nil {
				return err
			}
			if ok {
				m.messages[c.ID] = msgs
				for _, msg := range msgs {
					if msg.Seq > m.seq {
						m.seq = msg.Seq
					}
				}
			}
		}
		for _, id := range idx.Deleted {
			m.deleted[id] = true
		}
	}

	if _, err := m.readJSON(ctx, creditsKey, &m.credits); err != nil {
		return err
	}
	if m.credits == nil {
		m.credits = make(map[string]int64)
	}
	return nil
}

func (m *Manager) readJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := m.cache.Get(ctx, key)
	if errors.Is(err, ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

func (m *Manager) writeJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := m.cache.Set(ctx, key, data); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// saveIndex must be called with mu held.
func (m *Manager) saveIndex(ctx context.Context) error {
	idx := indexState{Active: m.active, Seq: m.seq, Conversations: m.sortedLocked()}
	for id := range m.deleted {
		idx.Deleted = append(idx.Deleted, id)
	}
	sort.Strings(idx.Deleted)
	return m.writeJSON(ctx, indexKey, idx)
}

// saveMessages must be called with mu held.
func (m *Manager) saveMessages(ctx context.Context, id string) error {
	msgs, ok := m.messages[id]
	if !ok {
		return nil
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return m.writeJSON(ctx, messagesKeyPrefix+id, msgs)
}

// persistLocked writes one conversation and the index through to the cache.
func (m *Manager) persistLocked(ctx context.Context, id string) error {
	if err := m.saveMessages(ctx, id); err != nil {
		return err
	}
	return m.saveIndex(ctx)
}

// undo is the in-memory state of one conversation before a mutation.
type undo struct {
	id      string
	existed bool
	conv    Conversation
	loaded  bool
	msgs    []Message
	deleted bool
	active  string
	seq     int64
}

func (m *Manager) snapshotLocked(id string) undo {
	u := undo{id: id, deleted: m.deleted[id], active: m.active, seq: m.seq}
	if c, ok := m.conversations[id]; ok {
		u.existed = true
		u.conv = *c
	}
	if msgs, ok := m.messages[id]; ok {
		u.loaded = true
		u.msgs = append([]Message{}, msgs...)
	}
	return u
}

// rollbackLocked restores u after a failed cache write and rewrites the
// entries the failed mutation may already have replaced.
func (m *Manager) rollbackLocked(ctx context.Context, u undo) {
	if u.existed {
		c := u.conv
		m.conversations[u.id] = &c
	} else {
		delete(m.conversations, u.id)
	}
	if u.loaded {
		m.messages[u.id] = u.msgs
	} else {
		delete(m.messages, u.id)
	}
	if u.deleted {
		m.deleted[u.id] = true
	} else {
		delete(m.deleted, u.id)
	}
	m.active = u.active
	m.seq = u.seq

	var err error
	if u.loaded {
		err = m.saveMessages(ctx, u.id)
	} else {
		err = m.cache.Remove(ctx, messagesKeyPrefix+u.id)
	}
	if err == nil {
		err = m.saveIndex(ctx)
	}
	if err != nil {
		logger.Log.WithError(err).WithField("conversation_id", u.id).Warn("Cache may be stale after a failed write")
	}
}

// commitLocked persists u.id and rolls memory back to u when the cache write fails.
func (m *Manager) commitLocked(ctx context.Context, u undo) error {
	if err := m.persistLocked(ctx, u.id); err != nil {
		m.rollbackLocked(ctx, u)
		return err
	}
	return nil
}

func (m *Manager) nextSeq() int64 {
	m.seq++
	return m.seq
}

// lookup returns a live conversation or NotFound; mu must be held.
func (m *Manager) lookup(id string) (*Conversation, error) {
	c, ok := m.conversations[id]
	if !ok {
		return nil, apperr.NotFound("conversation %s not found", id)
	}
	return c, nil
}

func (m *Manager) createLocked(ctx context.Context) (string, error) {
	id := uuid.NewString()
	u := m.snapshotLocked(id)
	now := m.clock()
	c := &Conversation{
		ID:        id,
		Title:     DefaultTitle,
		State:     StateEmpty,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[c.ID] = c
	m.messages[c.ID] = []Message{}
	if m.active == "" {
		m.active = c.ID
	}
	if err := m.commitLocked(ctx, u); err != nil {
		return "", err
	}
	return c.ID, nil
}

// pickActive selects the most recently updated conversation, creating one if none is left.
func (m *Manager) pickActive(ctx context.Context) error {
	m.active = ""
	if list := m.sortedLocked(); len(list) > 0 {
		m.active = list[0].ID
		return m.saveIndex(ctx)
	}
	_, err := m.createLocked(ctx)
	return err
}

// CreateConversation adds an Empty conversation. It becomes active only when none is.
func (m *Manager) CreateConversation(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(ctx)
}

// LoadConversation returns the cached messages, fetching them from the Source
// on a miss. Fetched rows are stored as acknowledged. The lock is not held
// while fetching.
func (m *Manager) LoadConversation(ctx context.Context, id string) ([]Message, error) {
	m.mu.Lock()
	msgs, hit, err := m.cachedLocked(id)
	m.mu.Unlock()
	if err != nil || hit {
		return msgs, err
	}
	if m.source == nil {
		return nil, apperr.NotFound("conversation %s not found", id)
	}

	rows, err := m.source.GetMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching conversation %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// loaded, appended to or deleted while fetching
	if msgs, hit, err := m.cachedLocked(id); err != nil || hit {
		return msgs, err
	}

	u := m.snapshotLocked(id)
	msgs = make([]Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, m.fromServer(r))
	}
	now := m.clock()
	c, ok := m.conversations[id]
	if !ok {
		c = &Conversation{ID: id, Title: DefaultTitle, CreatedAt: now}
		m.conversations[id] = c
	}
	c.State = stateFor(msgs, c.State)
	if len(rows) > 0 {
		c.UpdatedAt = rows[len(rows)-1].CreatedAt
	} else if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	m.messages[id] = msgs

	logger.Log.WithFields(logrus.Fields{"conversation_id": id, "messages": len(msgs)}).Debug("Loaded conversation from server")

	if err := m.commitLocked(ctx, u); err != nil {
		return nil, err
	}
	return append([]Message(nil), msgs...), nil
}

// cachedLocked reports whether id is loaded locally; mu must be held.
func (m *Manager) cachedLocked(id string) ([]Message, bool, error) {
	if m.deleted[id] {
		return nil, false, apperr.NotFound("conversation %s was deleted", id)
	}
	msgs, ok := m.messages[id]
	if !ok {
		return nil, false, nil
	}
	if _, live := m.conversations[id]; !live {
		return nil, false, nil
	}
	return append([]Message(nil), msgs...), true, nil
}

func (m *Manager) fromServer(r db.Message) Message {
	return Message{ID: r.ID, Role: r.Role, Content: r.Content, CreatedAt: r.CreatedAt, Seq: m.nextSeq()}
}

func stateFor(msgs []Message, current State) State {
	if len(msgs) > 0 {
		return StateActive
	}
	if current == StateCleared {
		return StateCleared
	}
	return StateEmpty
}

// AppendMessage adds a provisional message and moves the conversation to Active.
// An empty msg.ID is generated; Seq and CreatedAt are always assigned here.
func (m *Manager) AppendMessage(ctx context.Context, id string, msg Message) (Message, error) {
	if _, err := llm.ParseRole(string(msg.Role)); err != nil {
		return Message{}, apperr.BadRequest("%s", err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.lookup(id)
	if err != nil {
		return Message{}, err
	}
	u := m.snapshotLocked(id)
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Seq = m.nextSeq()
	msg.CreatedAt = m.clock()
	msg.Provisional = true

	m.messages[id] = append(m.messages[id], msg)
	c.State = StateActive
	c.UpdatedAt = msg.CreatedAt
	if c.Title == DefaultTitle && msg.Role == llm.RoleUser {
		c.Title = titleFrom(msg.Content)
	}

	if err := m.commitLocked(ctx, u); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func titleFrom(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if runes := []rune(title); len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes])
	}
	if title == "" {
		return DefaultTitle
	}
	return title
}

// ClearConversation wipes messages and keeps metadata.
func (m *Manager) ClearConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.lookup(id)
	if err != nil {
		return err
	}
	u := m.snapshotLocked(id)
	m.messages[id] = []Message{}
	c.State = StateCleared
	c.UpdatedAt = m.clock()
	return m.commitLocked(ctx, u)
}

// DeleteConversation removes the conversation and returns the active id
// afterwards, which is never empty.
func (m *Manager) DeleteConversation(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lookup(id); err != nil {
		return "", err
	}
	u := m.snapshotLocked(id)
	delete(m.conversations, id)
	delete(m.messages, id)
	m.deleted[id] = true

	if err := m.cache.Remove(ctx, messagesKeyPrefix+id); err != nil {
		m.rollbackLocked(ctx, u)
		return "", fmt.Errorf("removing messages of %s: %w", id, err)
	}
	var err error
	if m.active == id {
		err = m.pickActive(ctx)
	} else {
		err = m.saveIndex(ctx)
	}
	if err != nil {
		m.rollbackLocked(ctx, u)
		return "", err
	}
	return m.active, nil
}

// RenameConversation is valid in any non-Deleted state.
func (m *Manager) RenameConversation(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return apperr.BadRequest("title cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.lookup(id)
	if err != nil {
		return err
	}
	u := m.snapshotLocked(id)
	c.Title = title
	c.UpdatedAt = m.clock()
	return m.commitLocked(ctx, u)
}

// Active returns the active conversation id.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) SetActive(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lookup(id); err != nil {
		return err
	}
	prev := m.active
	m.active = id
	if err := m.saveIndex(ctx); err != nil {
		m.active = prev
		return err
	}
	return nil
}

// State reports the lifecycle state; unknown ids report Deleted only if they were deleted here.
func (m *Manager) State(id string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.conversations[id]; ok {
		return c.State, true
	}
	if m.deleted[id] {
		return StateDeleted, true
	}
	return "", false
}

// Get returns the metadata of one conversation.
func (m *Manager) Get(id string) (Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Messages returns the loaded messages without contacting the Source.
func (m *Manager) Messages(id string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages[id]...)
}

// List returns conversations, most recently updated first.
func (m *Manager) List() []Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked()
}

func (m *Manager) sortedLocked() []Conversation {
	out := make([]Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Search filters conversations by title or loaded message content. It reads
// state only.
func (m *Manager) Search(query string, opts SearchOptions) []SearchResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []SearchResult
	for _, c := range m.sortedLocked() {
		r := SearchResult{Conversation: c, TitleMatch: Matches(c.Title, query, opts)}
		if query != "" {
			for _, msg := range m.messages[c.ID] {
				if Matches(msg.Content, query, opts) {
					r.MessageIDs = append(r.MessageIDs, msg.ID)
				}
			}
		}
		if r.TitleMatch || len(r.MessageIDs) > 0 {
			results = append(results, r)
		}
	}
	return results
}

// Acknowledge marks local messages as confirmed by the server.
func (m *Manager) Acknowledge(ctx context.Context, id string, messageIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lookup(id); err != nil {
		return err
	}
	u := m.snapshotLocked(id)
	ack := make(map[string]bool, len(messageIDs))
	for _, mid := range messageIDs {
		ack[mid] = true
	}
	msgs := m.messages[id]
	for i := range msgs {
		if ack[msgs[i].ID] {
			msgs[i].Provisional = false
		}
	}
	if err := m.saveMessages(ctx, id); err != nil {
		m.rollbackLocked(ctx, u)
		return err
	}
	return nil
}

// Reconcile replaces the conversation with the server's rows. Provisional
// messages the server does not have yet are kept after them, in local order.
func (m *Manager) Reconcile(ctx context.Context, id string) error {
	if m.source == nil {
		return errors.New("mirror has no source to reconcile with")
	}
	rows, err := m.source.GetMessages(ctx, id)
	if err != nil {
		return fmt.Errorf("fetching conversation %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.lookup(id)
	if err != nil {
		return err
	}

	u := m.snapshotLocked(id)
	known := make(map[string]bool, len(rows))
	merged := make([]Message, 0, len(rows))
	for _, r := range rows {
		known[r.ID] = true
		merged = append(merged, m.fromServer(r))
	}
	for _, local := range m.messages[id] {
		if local.Provisional && !known[local.ID] {
			local.Seq = m.nextSeq()
			merged = append(merged, local)
		}
	}

	m.messages[id] = merged
	c.State = stateFor(merged, c.State)
	if n := len(merged); n > 0 && merged[n-1].CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = merged[n-1].CreatedAt
	}
	return m.commitLocked(ctx, u)
}

// SyncIndex pulls the server's chat list. Server titles win; local-only
// conversations are kept and locally deleted ones stay deleted.
func (m *Manager) SyncIndex(ctx context.Context) error {
	if m.source == nil {
		return errors.New("mirror has no source to sync with")
	}
	chats, err := m.source.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("listing server chats: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, chat := range chats {
		if m.deleted[chat.ID] {
			continue
		}
		if c, ok := m.conversations[chat.ID]; ok {
			c.Title = chat.Title
			continue
		}
		m.conversations[chat.ID] = &Conversation{
			ID:        chat.ID,
			Title:     chat.Title,
			State:     StateActive,
			CreatedAt: chat.CreatedAt,
			UpdatedAt: chat.CreatedAt,
		}
	}
	return m.saveIndex(ctx)
}
