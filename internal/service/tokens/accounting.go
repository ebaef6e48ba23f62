package tokens

import (
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/logger"
	"chat-ledger/internal/metrics"
	"chat-ledger/internal/repository/db"
	"chat-ledger/internal/service/llm"
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Usage is a prompt/completion pair. The total is always derived.
type Usage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	// Estimated is set when the counts come from a Counter rather than the provider.
	Estimated bool `json:"estimated,omitempty"`
}

func (u Usage) Total() int64 {
	return u.PromptTokens + u.CompletionTokens
}

// Entry describes one billable completion call.
type Entry struct {
	UserID    string
	ChatID    string
	MessageID string
	Model     string
	Usage     Usage
}

// Accountant records usage in the ledger and answers aggregate queries.
type Accountant struct {
	store   db.TokenUsageStore
	counter Counter
	metrics *metrics.Metrics
}

func NewAccountant(store db.TokenUsageStore, counter Counter, m *metrics.Metrics) *Accountant {
	if counter == nil {
		counter = Estimator{}
	}
	return &Accountant{store: store, counter: counter, metrics: m}
}

// Resolve prefers the provider's report. A missing or negative report falls
// back to counting the prompt and completion text.
func (a *Accountant) Resolve(reported *llm.Usage, prompt []llm.Message, completion string) Usage {
	if reported != nil && reported.PromptTokens >= 0 && reported.CompletionTokens >= 0 {
		return Usage{
			PromptTokens:     int64(reported.PromptTokens),
			CompletionTokens: int64(reported.CompletionTokens),
		}
	}

	var promptTokens int
	for _, m := range prompt {
		promptTokens += a.counter.Count(m.Content)
	}
	return Usage{
		PromptTokens:     int64(promptTokens),
		CompletionTokens: int64(a.counter.Count(completion)),
		Estimated:        true,
	}
}

// RecordUsage appends a ledger row with TotalTokens = prompt + completion.
func (a *Accountant) RecordUsage(ctx context.Context, entry Entry) (*db.TokenUsage, error) {
	if entry.UserID == "" {
		return nil, apperr.BadRequest("usage requires a user id")
	}
	if entry.Usage.PromptTokens < 0 || entry.Usage.CompletionTokens < 0 {
		return nil, apperr.BadRequest("token counts must be non-negative")
	}

	row, err := a.store.RecordTokenUsage(ctx, db.TokenUsage{
		UserID:           entry.UserID,
		ChatID:           entry.ChatID,
		MessageID:        entry.MessageID,
		Model:            entry.Model,
		PromptTokens:     entry.Usage.PromptTokens,
		CompletionTokens: entry.Usage.CompletionTokens,
		TotalTokens:      entry.Usage.Total(),
	})
	if err != nil {
		return nil, fmt.Errorf("recording token usage: %w", err)
	}

	a.metrics.TokensRecorded(row.PromptTokens, row.CompletionTokens, entry.Usage.Estimated)
	logger.FromContext(ctx).WithFields(logrus.Fields{
		"chat_id":           row.ChatID,
		"model":             row.Model,
		"prompt_tokens":     row.PromptTokens,
		"completion_tokens": row.CompletionTokens,
		"estimated":         entry.Usage.Estimated,
	}).Debug("Recorded token usage")

	return row, nil
}

func (a *Accountant) GetUserUsage(ctx context.Context, userID string) (db.UsageTotals, error) {
	if userID == "" {
		return db.UsageTotals{}, apperr.BadRequest("userId is required")
	}
	return a.store.SumTokenUsage(ctx, db.UsageFilter{UserID: userID})
}

func (a *Accountant) GetChatUsage(ctx context.Context, chatID string) (db.UsageTotals, error) {
	if chatID == "" {
		return db.UsageTotals{}, apperr.BadRequest("chatId is required")
	}
	return a.store.SumTokenUsage(ctx, db.UsageFilter{ChatID: chatID})
}
