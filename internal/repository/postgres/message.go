package postgres

import (
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/repository/db"
	"chat-ledger/internal/service/llm"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendMessages inserts the batch in one transaction; created_at and seq come from the database
func (p *PostgresDB) AppendMessages(ctx context.Context, messages []db.Message) ([]db.Message, error) {
	stored := make([]db.Message, 0, len(messages))

	query := `
	INSERT INTO messages (id, chat_id, role, content)
	VALUES ($1, $2, $3, $4)
	RETURNING created_at, seq
	`

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range messages {
			if m.ID == "" {
				m.ID = uuid.New().String()
			}
			if err := tx.QueryRowContext(ctx, query, m.ID, m.ChatID, string(m.Role), m.Content).Scan(&m.CreatedAt, &m.Seq); err != nil {
				return classify("appending message", err)
			}
			stored = append(stored, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// GetMessagesByChatID returns the chat's messages in display order
func (p *PostgresDB) GetMessagesByChatID(ctx context.Context, chatID string) ([]db.Message, error) {
	conn := p.conn

	query := `
	SELECT id, chat_id, role, content, created_at, seq
	FROM messages
	WHERE chat_id = $1
	ORDER BY created_at ASC, seq ASC
	`

	rows, err := conn.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	messages := make([]db.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// GetMessageByID retrieves one message
func (p *PostgresDB) GetMessageByID(ctx context.Context, id string) (*db.Message, error) {
	conn := p.conn

	row := conn.QueryRowContext(ctx, `SELECT id, chat_id, role, content, created_at, seq FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("message %s not found", id)
		}
		return nil, err
	}
	return m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*db.Message, error) {
	var m db.Message
	var role string
	if err := s.Scan(&m.ID, &m.ChatID, &role, &m.Content, &m.CreatedAt, &m.Seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("error scanning message: %w", err)
	}
	m.Role = llm.Role(role)
	return &m, nil
}

// DeleteMessagesAfter removes messages newer than after, along with their votes
func (p *PostgresDB) DeleteMessagesAfter(ctx context.Context, chatID string, after time.Time) (int64, error) {
	var removed int64

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1)`, chatID).Scan(&exists); err != nil {
			return fmt.Errorf("error checking chat: %w", err)
		}
		if !exists {
			return apperr.NotFound("chat %s not found", chatID)
		}

		voteQuery := `
		DELETE FROM votes
		WHERE chat_id = $1
		  AND message_id IN (SELECT id FROM messages WHERE chat_id = $1 AND created_at > $2)
		`
		if _, err := tx.ExecContext(ctx, voteQuery, chatID, after); err != nil {
			return fmt.Errorf("error deleting votes: %w", err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = $1 AND created_at > $2`, chatID, after)
		if err != nil {
			return fmt.Errorf("error deleting messages: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
