package postgres

import (
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/repository/db"
	"context"
	"fmt"
)

// UpsertVote inserts or replaces the vote for (chatID, messageID)
func (p *PostgresDB) UpsertVote(ctx context.Context, chatID, messageID string, isUpvoted bool) error {
	conn := p.conn

	// The SELECT guards against voting on a message from another chat.
	query := `
	INSERT INTO votes (chat_id, message_id, is_upvoted)
	SELECT $1, id, $3 FROM messages WHERE id = $2 AND chat_id = $1
	ON CONFLICT (chat_id, message_id) DO UPDATE SET is_upvoted = EXCLUDED.is_upvoted
	`

	res, err := conn.ExecContext(ctx, query, chatID, messageID, isUpvoted)
	if err != nil {
		return classify("upserting vote", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("message %s not found in chat %s", messageID, chatID)
	}
	return nil
}

// GetVotesByChatID lists the votes of a chat
func (p *PostgresDB) GetVotesByChatID(ctx context.Context, chatID string) ([]db.Vote, error) {
	conn := p.conn

	rows, err := conn.QueryContext(ctx, `SELECT chat_id, message_id, is_upvoted FROM votes WHERE chat_id = $1`, chatID)
	if err != nil {
		return nil, fmt.Errorf("error querying votes: %w", err)
	}
	defer rows.Close()

	votes := make([]db.Vote, 0)
	for rows.Next() {
		var v db.Vote
		if err := rows.Scan(&v.ChatID, &v.MessageID, &v.IsUpvoted); err != nil {
			return nil, fmt.Errorf("error scanning vote: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}
