package chat

import (
	"chat-ledger/internal/app"
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/repository/db"
	"chat-ledger/internal/repository/memory"
	"chat-ledger/internal/service/llm"
	"chat-ledger/internal/testutil"
	"chat-ledger/pkg/validation"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const testUser = "u1"

type fixture struct {
	store     *memory.Store
	mockDB    *testutil.MockDatabase
	provider  *testutil.MockLLMProvider
	publisher *testutil.MockUsagePublisher
	service   *ChatService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	if err := store.EnsureUser(context.Background(), testUser, "u1@example.com"); err != nil {
		t.Fatalf("EnsureUser() error = %v", err)
	}

	f := &fixture{
		store:     store,
		mockDB:    &testutil.MockDatabase{Fallback: store},
		provider:  &testutil.MockLLMProvider{},
		publisher: &testutil.MockUsagePublisher{},
	}
	cfg := testutil.NewMockConfig(f.mockDB, f.provider, app.WithPublisher(f.publisher))
	f.service = NewChatService(f.mockDB, cfg)
	return f
}

func (f *fixture) replyWith(chunks ...llm.StreamChunk) *[]llm.CompletionRequest {
	var calls []llm.CompletionRequest
	f.provider.ChatStreamFunc = func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
		calls = append(calls, req)
		return testutil.StreamOf(chunks...), nil
	}
	return &calls
}

func userMessages(contents ...string) []validation.MessageInput {
	var out []validation.MessageInput
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		out = append(out, validation.MessageInput{Role: role, Content: c})
	}
	return out
}

func collect(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
			return nil
		}
	}
}

func deltaText(events []StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == EventDelta {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

func lastUsage(events []StreamEvent) *UsagePayload {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == EventUsage {
			return events[i].Usage
		}
	}
	return nil
}

func TestSendMessageStream_Success(t *testing.T) {
	f := newFixture(t)
	calls := f.replyWith(
		llm.StreamChunk{Content: "Hi "},
		llm.StreamChunk{Content: "there"},
		llm.StreamChunk{Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 5}},
	)
	ctx := context.Background()

	events, err := f.service.SendMessageStream(ctx, SendMessageRequest{
		ChatID:   "c1",
		UserID:   testUser,
		Messages: userMessages("hello"),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got := collect(t, events)
	f.service.Wait()

	if got[0].Type != EventMeta || got[0].ChatID != "c1" || got[0].Model != "test-model" {
		t.Errorf("unexpected meta event %+v", got[0])
	}
	if text := deltaText(got); text != "Hi there" {
		t.Errorf("Expected forwarded text 'Hi there', got %q", text)
	}
	usage := lastUsage(got)
	if usage == nil || usage.TotalTokens != 15 || usage.Estimated {
		t.Errorf("unexpected usage %+v", usage)
	}

	if len(*calls) != 1 {
		t.Fatalf("Expected one provider call, got %d", len(*calls))
	}
	prompt := (*calls)[0].Messages
	if prompt[0].Role != llm.RoleSystem || prompt[0].Content != "You are a helpful assistant." {
		t.Errorf("Expected default persona system prompt first, got %+v", prompt[0])
	}

	messages, _ := f.store.GetMessagesByChatID(ctx, "c1")
	if len(messages) != 2 {
		t.Fatalf("Expected 2 stored messages, got %d", len(messages))
	}
	if messages[0].Role != llm.RoleUser || messages[0].Content != "hello" {
		t.Errorf("unexpected first message %+v", messages[0])
	}
	if messages[1].Role != llm.RoleAssistant || messages[1].Content != "Hi there" || messages[1].ID != got[0].MessageID {
		t.Errorf("unexpected assistant message %+v", messages[1])
	}

	totals, _ := f.store.SumTokenUsage(ctx, db.UsageFilter{ChatID: "c1"})
	if totals != (db.UsageTotals{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}) {
		t.Errorf("unexpected totals %+v", totals)
	}

	published := f.publisher.Published()
	if len(published) != 1 || published[0].TotalTokens != 15 || published[0].MessageID != messages[1].ID {
		t.Errorf("unexpected published events %+v", published)
	}

	chat, _ := f.store.GetChatByID(ctx, "c1")
	if chat.Title != "hello" || chat.Visibility != db.VisibilityPrivate {
		t.Errorf("unexpected chat %+v", chat)
	}
}

func TestSendMessageStream_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		req     SendMessageRequest
		wantErr error
	}{
		{
			name:    "no identity",
			req:     SendMessageRequest{ChatID: "c1", Messages: userMessages("hi")},
			wantErr: apperr.ErrUnauthorized,
		},
		{
			name:    "empty messages",
			req:     SendMessageRequest{ChatID: "c1", UserID: testUser},
			wantErr: apperr.ErrBadRequest,
		},
		{
			name:    "missing chat id",
			req:     SendMessageRequest{UserID: testUser, Messages: userMessages("hi")},
			wantErr: apperr.ErrBadRequest,
		},
		{
			name: "unknown role",
			req: SendMessageRequest{ChatID: "c1", UserID: testUser, Messages: []validation.MessageInput{
				{Role: "tool", Content: "x"},
			}},
			wantErr: apperr.ErrBadRequest,
		},
		{
			name:    "unknown model",
			req:     SendMessageRequest{ChatID: "c1", UserID: testUser, Messages: userMessages("hi"), Model: "nope"},
			wantErr: apperr.ErrBadRequest,
		},
		{
			name:    "unknown persona",
			req:     SendMessageRequest{ChatID: "c1", UserID: testUser, Messages: userMessages("hi"), PersonaID: "pirate"},
			wantErr: apperr.ErrBadRequest,
		},
		{
			name:    "bad visibility",
			req:     SendMessageRequest{ChatID: "c1", UserID: testUser, Messages: userMessages("hi"), Visibility: "secret"},
			wantErr: apperr.ErrBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			calls := f.replyWith(llm.StreamChunk{Content: "x"})

			_, err := f.service.SendMessageStream(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			if len(*calls) != 0 {
				t.Error("provider must not be called on validation failure")
			}
		})
	}
}

func TestSendMessageStream_ForeignChatForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.EnsureUser(ctx, "u2", "u2@example.com")
	if _, err := f.store.CreateChat(ctx, "c1", "u2", "theirs", db.VisibilityPublic); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	f.replyWith(llm.StreamChunk{Content: "x"})

	_, err := f.service.SendMessageStream(ctx, SendMessageRequest{ChatID: "c1", UserID: testUser, Messages: userMessages("hi")})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("Expected Forbidden, got %v", err)
	}
}

func TestSendMessageStream_ReusesExistingChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.store.CreateChat(ctx, "c1", testUser, "original title", db.VisibilityPrivate)
	f.replyWith(llm.StreamChunk{Content: "again"})

	events, err := f.service.SendMessageStream(ctx, SendMessageRequest{
		ChatID:   "c1",
		UserID:   testUser,
		Messages: userMessages("first", "reply", "second"),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	collect(t, events)
	f.service.Wait()

	chat, _ := f.store.GetChatByID(ctx, "c1")
	if chat.Title != "original title" {
		t.Errorf("Expected title to be kept, got %q", chat.Title)
	}
	messages, _ := f.store.GetMessagesByChatID(ctx, "c1")
	if len(messages) != 2 || messages[0].Content != "second" {
		t.Errorf("Expected only the new user turn and the reply, got %+v", messages)
	}
}

func TestSendMessageStream_ChatLookupFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	calls := f.replyWith(llm.StreamChunk{Content: "x"})
	f.mockDB.GetChatByIDFunc = func(ctx context.Context, id string) (*db.Chat, error) {
		return nil, errors.New("connection refused")
	}

	_, err := f.service.SendMessageStream(context.Background(), SendMessageRequest{ChatID: "c1", UserID: testUser, Messages: userMessages("hi")})
	if !errors.Is(err, apperr.ErrPersistence) {
		t.Fatalf("Expected PersistenceFailure, got %v", err)
	}
	if apperr.HTTPStatus(err) != 500 {
		t.Errorf("Expected 500, got %d", apperr.HTTPStatus(err))
	}
	if len(*calls) != 0 {
		t.Error("provider must not be called when the chat cannot be resolved")
	}
}

func TestSendMessageStream_CreateConflictRetriedOnce(t *testing.T) {
	tests := []struct {
		name        string
		conflicts   int
		wantErr     bool
		wantCreates int
	}{
		{"conflict then success", 1, false, 2},
		{"repeated conflict", 100, true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.replyWith(llm.StreamChunk{Content: "ok"})
			creates := 0
			f.mockDB.CreateChatFunc = func(ctx context.Context, id, userID, title string, visibility db.Visibility) (*db.Chat, error) {
				creates++
				if creates <= tt.conflicts {
					return nil, apperr.ErrConflict
				}
				return f.store.CreateChat(ctx, id, userID, title, visibility)
			}

			events, err := f.service.SendMessageStream(context.Background(), SendMessageRequest{ChatID: "c1", UserID: testUser, Messages: userMessages("hi")})
			if creates != tt.wantCreates {
				t.Errorf("Expected %d create attempts, got %d", tt.wantCreates, creates)
			}
			if tt.wantErr {
				if !errors.Is(err, apperr.ErrPersistence) {
					t.Fatalf("Expected PersistenceFailure, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SendMessageStream() error = %v", err)
			}
			collect(t, events)
			f.service.Wait()
		})
	}
}

func TestSendMessageStream_UserMessageFailureContinues(t *testing.T) {
	f := newFixture(t)
	f.replyWith(llm.StreamChunk{Content: "still here"})

	failed := false
	f.mockDB.AppendMessagesFunc = func(ctx context.Context, messages []db.Message) ([]db.Message, error) {
		if messages[0].Role == llm.RoleUser {
			failed = true
			return nil, errors.New("disk full")
		}
		return f.store.AppendMessages(ctx, messages)
	}

	events, err := f.service.SendMessageStream(context.Background(), SendMessageRequest{ChatID: "c1", UserID: testUser, Messages: userMessages("hi")})
	if err != nil {
		t.Fatalf("Expected the flow to continue, got: %v", err)
	}
	got := collect(t, events)
	f.service.Wait()

	if !failed {
		t.Fatal("Expected the user message save to be attempted")
	}
	if deltaText(got) != "still here" {
		t.Errorf("Expected reply to be forwarded, got %q", deltaText(got))
	}
	messages, _ := f.store.GetMessagesByChatID(context.Background(), "c1")
	if len(messages) != 1 || messages[0].Role != llm.RoleAssistant {
		t.Errorf("Expected only the assistant message to be stored, got %+v", messages)
	}
}

func TestSendMessageStream_AssistantFailureDoesNotBreakStream(t *testing.T) {
	f := newFixture(t)
	f.replyWith(llm.StreamChunk{Content: "answer"})
	f.mockDB.AppendMessagesFunc = func(ctx context.Context, messages []db.Message) ([]db.Message, error) {
		if messages[0].Role == llm.RoleAssistant {
			return nil, errors.New("disk full")
		}
		return f.store.AppendMessages(ctx, messages)
	}

	events, err := f.service.SendMessageStream(context.Background(), SendMessageRequest{ChatID: "c1", UserID: testUser, Messages: userMessages("hi")})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	got := collect(t, events)
	f.service.Wait()

	for _, ev := range got {
		if ev.Type == EventError {
			t.Errorf("persistence failure must not reach the stream: %+v", ev)
		}
	}
	rows := f.publisher.Published()
	if len(rows) != 1 || rows[0].MessageID != "" {
		t.Errorf("Expected usage recorded without a message id, got %+v", rows)
	}
}

func TestSendMessageStream_UpstreamFailure(t *testing.T) {
	t.Run("call fails", func(t *testing.T) {
		f := newFixture(t)
		f.provider.ChatStreamFunc = func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			return nil, errors.New("OpenRouter API error (status 502)")
		}

		_, err := f.service.SendMessageStream(context.Background(), SendMessageRequest{ChatID: "c1", UserID: testUser, Messages: userMessages("hi")})
		if !errors.Is(err, apperr.ErrUpstream) {
			t.Fatalf("Expected UpstreamFailure, got %v", err)
		}
		if !strings.Contains(apperr.PublicMessage(err), "status 502") {
			t.Errorf("Expected upstream text to pass through, got %q", apperr.PublicMessage(err))
		}
	})

	t.Run("first chunk is an error", func(t *testing.T) {
		f := newFixture(t)
		f.replyWith(llm.StreamChunk{Err: errors.New("rate limited upstream")})

		_, err := f.service.SendMessageStream(context.Background(), SendMessageRequest{ChatID: "c1", UserID: testUser, Messages: userMessages("hi")})
		if !errors.Is(err, apperr.ErrUpstream) {
			t.Fatalf("Expected UpstreamFailure, got %v", err)
		}
	})
}

func TestSendMessageStream_MidStreamError(t *testing.T) {
	f := newFixture(t)
	f.replyWith(
		llm.StreamChunk{Content: "partial"},
		llm.StreamChunk{Err: errors.New("connection reset")},
	)

	events, err := f.service.SendMessageStream(context.Background(), SendMessageRequest{ChatID: "c1", UserID: testUser, Messages: userMessages("hi")})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	got := collect(t, events)
	f.service.Wait()

	var sawError bool
	for _, ev := range got {
		if ev.Type == EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("Expected an error event")
	}

	messages, _ := f.store.GetMessagesByChatID(context.Background(), "c1")
	if len(messages) != 2 || messages[1].Content != "partial" {
		t.Errorf("Expected partial reply to be saved, got %+v", messages)
	}
}

func TestSendMessageStream_EstimatesMissingUsage(t *testing.T) {
	f := newFixture(t)
	f.replyWith(llm.StreamChunk{Content: "abcdefgh"})

	events, err := f.service.SendMessageStream(context.Background(), SendMessageRequest{ChatID: "c1", UserID: testUser, Messages: userMessages("hello")})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	usage := lastUsage(collect(t, events))
	f.service.Wait()

	if usage == nil || !usage.Estimated {
		t.Fatalf("Expected estimated usage, got %+v", usage)
	}
	if usage.CompletionTokens != 2 {
		t.Errorf("Expected 2 completion tokens for 8 runes, got %d", usage.CompletionTokens)
	}
	if usage.TotalTokens != usage.PromptTokens+usage.CompletionTokens {
		t.Errorf("total must be derived: %+v", usage)
	}
}

func TestSendMessageStream_DisconnectPersistsPartialReply(t *testing.T) {
	f := newFixture(t)
	f.provider.ChatStreamFunc = func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
		ch := make(chan llm.StreamChunk)
		go func() {
			defer close(ch)
			select {
			case ch <- llm.StreamChunk{Content: "half an ans"}:
			case <-ctx.Done():
				return
			}
			<-ctx.Done()
		}()
		return ch, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, err := f.service.SendMessageStream(ctx, SendMessageRequest{ChatID: "c1", UserID: testUser, Messages: userMessages("hi")})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	<-events // meta
	if ev := <-events; ev.Content != "half an ans" {
		t.Fatalf("unexpected delta %+v", ev)
	}
	cancel()
	f.service.Wait()

	messages, _ := f.store.GetMessagesByChatID(context.Background(), "c1")
	if len(messages) != 2 || messages[1].Content != "half an ans" {
		t.Errorf("Expected partial reply to be saved after disconnect, got %+v", messages)
	}
	totals, _ := f.store.SumTokenUsage(context.Background(), db.UsageFilter{ChatID: "c1"})
	if totals.TotalTokens == 0 {
		t.Error("Expected usage to be recorded after disconnect")
	}
}

func TestGenerateTitle(t *testing.T) {
	long := strings.Repeat("é", 150)

	tests := []struct {
		name     string
		messages []llm.Message
		want     string
	}{
		{"first user message", []llm.Message{{Role: llm.RoleSystem, Content: "sys"}, {Role: llm.RoleUser, Content: "  Plan my\ntrip "}}, "Plan my trip"},
		{"truncated by runes", []llm.Message{{Role: llm.RoleUser, Content: long}}, strings.Repeat("é", 100)},
		{"no user message", []llm.Message{{Role: llm.RoleSystem, Content: "sys"}}, "New chat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := generateTitle(tt.messages); got != tt.want {
				t.Errorf("generateTitle() = %q, want %q", got, tt.want)
			}
		})
	}
}
