package postgres

import (
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/logger"
	"chat-ledger/internal/repository/db"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// CreateChat inserts a chat owned by userID
func (p *PostgresDB) CreateChat(ctx context.Context, id, userID, title string, visibility db.Visibility) (*db.Chat, error) {
	conn := p.conn

	chat := db.Chat{ID: id, UserID: userID, Title: title, Visibility: visibility}

	query := `
	INSERT INTO chats (id, user_id, title, visibility)
	VALUES ($1, $2, $3, $4)
	RETURNING created_at
	`

	if err := conn.QueryRowContext(ctx, query, id, userID, title, string(visibility)).Scan(&chat.CreatedAt); err != nil {
		return nil, classify("creating chat", err)
	}

	logger.FromContext(ctx).WithFields(logrus.Fields{"chat_id": id, "user_id": userID}).Info("Created new chat")
	return &chat, nil
}

// GetChatByID retrieves a specific chat
func (p *PostgresDB) GetChatByID(ctx context.Context, id string) (*db.Chat, error) {
	conn := p.conn

	query := `SELECT id, user_id, title, visibility, created_at FROM chats WHERE id = $1`

	var chat db.Chat
	var visibility string
	err := conn.QueryRowContext(ctx, query, id).Scan(&chat.ID, &chat.UserID, &chat.Title, &visibility, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("chat %s not found", id)
		}
		return nil, fmt.Errorf("error retrieving chat: %w", err)
	}
	chat.Visibility = db.Visibility(visibility)
	return &chat, nil
}

// GetChatsByUserID retrieves all chats for a user, newest first
func (p *PostgresDB) GetChatsByUserID(ctx context.Context, userID string) ([]db.Chat, error) {
	conn := p.conn

	query := `
	SELECT id, user_id, title, visibility, created_at
	FROM chats
	WHERE user_id = $1
	ORDER BY created_at DESC
	`

	rows, err := conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying chats: %w", err)
	}
	defer rows.Close()

	chats := make([]db.Chat, 0)
	for rows.Next() {
		var chat db.Chat
		var visibility string
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Title, &visibility, &chat.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning chat: %w", err)
		}
		chat.Visibility = db.Visibility(visibility)
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// UpdateChatVisibility toggles a chat between private and public
func (p *PostgresDB) UpdateChatVisibility(ctx context.Context, id string, visibility db.Visibility) error {
	conn := p.conn

	res, err := conn.ExecContext(ctx, `UPDATE chats SET visibility = $1 WHERE id = $2`, string(visibility), id)
	if err != nil {
		return classify("updating chat visibility", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("chat %s not found", id)
	}
	return nil
}

// DeleteChatByID deletes votes, messages and the chat in one transaction
func (p *PostgresDB) DeleteChatByID(ctx context.Context, id string) error {
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE chat_id = $1`, id); err != nil {
			return fmt.Errorf("error deleting votes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = $1`, id); err != nil {
			return fmt.Errorf("error deleting messages: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("error deleting chat: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound("chat %s not found", id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.FromContext(ctx).WithField("chat_id", id).Info("Deleted chat")
	return nil
}
