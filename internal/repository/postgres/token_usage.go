package postgres

import (
	"chat-ledger/internal/repository/db"
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RecordTokenUsage appends a ledger row
func (p *PostgresDB) RecordTokenUsage(ctx context.Context, entry db.TokenUsage) (*db.TokenUsage, error) {
	if err := db.ValidateUsage(entry); err != nil {
		return nil, err
	}

	conn := p.conn

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
	INSERT INTO token_usage (id, user_id, chat_id, message_id, model, prompt_tokens, completion_tokens, total_tokens)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING created_at
	`

	err := conn.QueryRowContext(ctx, query,
		entry.ID, entry.UserID, nullString(entry.ChatID), nullString(entry.MessageID), entry.Model,
		entry.PromptTokens, entry.CompletionTokens, entry.TotalTokens,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return nil, classify("recording token usage", err)
	}
	return &entry, nil
}

// SumTokenUsage aggregates the ledger; COALESCE turns "no rows" into zeros
func (p *PostgresDB) SumTokenUsage(ctx context.Context, filter db.UsageFilter) (db.UsageTotals, error) {
	if err := db.ValidateFilter(filter); err != nil {
		return db.UsageTotals{}, err
	}

	conn := p.conn

	column, value := "user_id", filter.UserID
	if filter.ChatID != "" {
		column, value = "chat_id", filter.ChatID
	}

	query := fmt.Sprintf(`
	SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0)
	FROM token_usage
	WHERE %s = $1
	`, column)

	var totals db.UsageTotals
	if err := conn.QueryRowContext(ctx, query, value).Scan(&totals.PromptTokens, &totals.CompletionTokens, &totals.TotalTokens); err != nil {
		return db.UsageTotals{}, fmt.Errorf("error summing token usage: %w", err)
	}
	return totals, nil
}
