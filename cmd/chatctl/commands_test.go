package main

import (
	"bytes"
	"chat-ledger/internal/api/handlers"
	"chat-ledger/internal/mirror"
	"chat-ledger/internal/repository/memory"
	chatService "chat-ledger/internal/service/chat"
	"chat-ledger/internal/service/llm"
	"chat-ledger/internal/testutil"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type harness struct {
	cache *mirror.MemoryCache
	url   string
	chat  *chatService.ChatService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	provider := &testutil.MockLLMProvider{
		ChatStreamFunc: func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			return testutil.StreamOf(
				llm.StreamChunk{Content: "Hi there"},
				llm.StreamChunk{Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 2}},
			), nil
		},
	}
	cfg := testutil.NewMockConfig(store, provider)
	chat := chatService.NewChatService(store, cfg)
	srv := httptest.NewServer(handlers.NewRouter(cfg, chat))
	t.Cleanup(srv.Close)
	return &harness{cache: mirror.NewMemoryCache(), url: srv.URL, chat: chat}
}

// exec runs one command against a fresh cli restored from the shared cache.
func (h *harness) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c, err := newCLI(context.Background(), h.cache, h.url, &out)
	if err != nil {
		t.Fatalf("newCLI() error = %v", err)
	}
	err = c.dispatch(context.Background(), args)
	h.chat.Wait()
	return out.String(), err
}

func (h *harness) mustExec(t *testing.T, args ...string) string {
	t.Helper()
	out, err := h.exec(t, args...)
	if err != nil {
		t.Fatalf("%v error = %v", args, err)
	}
	return out
}

func TestSendConversation(t *testing.T) {
	h := newHarness(t)
	h.mustExec(t, "register", "-email", "term@example.com", "-password", "secret123")

	out := h.mustExec(t, "send", "Hello", "server")
	if !strings.Contains(out, "Hi there") {
		t.Errorf("send output = %q, want the reply", out)
	}
	if !strings.Contains(out, "= 12") {
		t.Errorf("send output = %q, want token totals", out)
	}

	out = h.mustExec(t, "show")
	if !strings.Contains(out, "[user] Hello server") || !strings.Contains(out, "[assistant] Hi there") {
		t.Errorf("show output = %q", out)
	}
	if strings.Contains(out, "pending") {
		t.Errorf("messages still pending after reconcile: %q", out)
	}

	out = h.mustExec(t, "usage")
	if !strings.Contains(out, "total 12") {
		t.Errorf("usage output = %q", out)
	}

	out = h.mustExec(t, "search", "hello")
	if !strings.Contains(out, "<mark>Hello</mark> server") {
		t.Errorf("search output = %q", out)
	}
}

func TestSendWithoutLogin(t *testing.T) {
	h := newHarness(t)

	if _, err := h.exec(t, "send", "hi"); err == nil {
		t.Fatal("send without a token succeeded")
	}
	out := h.mustExec(t, "show")
	if !strings.Contains(out, "(pending) hi") {
		t.Errorf("unsent message should stay pending: %q", out)
	}
}

func TestLocalLifecycle(t *testing.T) {
	h := newHarness(t)

	id := strings.TrimSpace(h.mustExec(t, "new"))
	h.mustExec(t, "rename", id, "Trip", "plans")
	out := h.mustExec(t, "list")
	if !strings.Contains(out, "* "+id) || !strings.Contains(out, "Trip plans") {
		t.Errorf("list output = %q", out)
	}

	h.mustExec(t, "clear", id)
	out = h.mustExec(t, "list")
	if !strings.Contains(out, string(mirror.StateCleared)) {
		t.Errorf("list output = %q, want cleared state", out)
	}

	out = h.mustExec(t, "delete", id)
	if strings.Contains(out, id) {
		t.Errorf("deleted conversation still active: %q", out)
	}
}

func TestExportImport(t *testing.T) {
	h := newHarness(t)
	id := strings.TrimSpace(h.mustExec(t, "new"))
	h.mustExec(t, "rename", id, "Keep me")

	file := filepath.Join(t.TempDir(), "export.json")
	h.mustExec(t, "export", "-o", file)
	if _, err := os.Stat(file); err != nil {
		t.Fatalf("export file missing: %v", err)
	}

	other := newHarness(t)
	out := other.mustExec(t, "import", file)
	if !strings.Contains(out, "imported") {
		t.Errorf("import output = %q", out)
	}
	if out := other.mustExec(t, "list"); !strings.Contains(out, "Keep me") {
		t.Errorf("list after import = %q", out)
	}
}

func TestCredits(t *testing.T) {
	h := newHarness(t)
	h.mustExec(t, "register", "-email", "paid@example.com", "-password", "secret123")
	h.mustExec(t, "credits", "add", "test-model", "20")

	out := h.mustExec(t, "send", "hi")
	if !strings.Contains(out, "credits left for test-model: 8") {
		t.Errorf("send output = %q, want credits charged", out)
	}

	out = h.mustExec(t, "send", "again")
	if !strings.Contains(out, "insufficient credits") {
		t.Errorf("send output = %q, want insufficient credits warning", out)
	}

	if out := h.mustExec(t, "credits"); strings.TrimSpace(out) != "test-model: 8" {
		t.Errorf("credits output = %q", out)
	}
}

func TestUsageErrors(t *testing.T) {
	h := newHarness(t)

	tests := [][]string{
		{"bogus"},
		{"use"},
		{"rename", "only-id"},
		{"login", "-email", "x@example.com"},
		{"credits", "add", "m", "lots"},
	}
	for _, args := range tests {
		_, err := h.exec(t, args...)
		var usage usageError
		if !errors.As(err, &usage) {
			t.Errorf("%v error = %v, want usage error", args, err)
		}
	}
}

func TestRunWithoutCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != exitUsage {
		t.Errorf("exit code = %d, want %d", code, exitUsage)
	}
	if !strings.Contains(stdout.String(), "Commands:") {
		t.Errorf("help not printed: %q", stdout.String())
	}
}
