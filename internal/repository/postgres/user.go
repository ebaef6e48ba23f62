package postgres

import (
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/logger"
	"chat-ledger/internal/repository/db"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateUser stores a user with an already hashed password
func (p *PostgresDB) CreateUser(ctx context.Context, email, passwordHash string) (*db.User, error) {
	conn := p.conn

	user := db.User{ID: uuid.New().String(), Email: email, PasswordHash: passwordHash}

	query := `
	INSERT INTO users (id, email, password_hash)
	VALUES ($1, $2, $3)
	RETURNING created_at
	`

	if err := conn.QueryRowContext(ctx, query, user.ID, email, nullString(passwordHash)).Scan(&user.CreatedAt); err != nil {
		return nil, classify("creating user", err)
	}

	logger.FromContext(ctx).WithField("user_id", user.ID).Info("Created new user")
	return &user, nil
}

// EnsureUser inserts the user unless the id already exists
func (p *PostgresDB) EnsureUser(ctx context.Context, id, email string) error {
	conn := p.conn

	query := `INSERT INTO users (id, email) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
	if _, err := conn.ExecContext(ctx, query, id, email); err != nil {
		return classify("seeding user", err)
	}
	return nil
}

// GetUserByEmail retrieves a user by email
func (p *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*db.User, error) {
	return p.getUser(ctx, `SELECT id, email, COALESCE(password_hash, ''), created_at FROM users WHERE email = $1`, email)
}

// GetUserByID retrieves a user by id
func (p *PostgresDB) GetUserByID(ctx context.Context, id string) (*db.User, error) {
	return p.getUser(ctx, `SELECT id, email, COALESCE(password_hash, ''), created_at FROM users WHERE id = $1`, id)
}

func (p *PostgresDB) getUser(ctx context.Context, query string, arg string) (*db.User, error) {
	conn := p.conn

	var user db.User
	err := conn.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, fmt.Errorf("error retrieving user: %w", err)
	}
	return &user, nil
}
