package postgres

import (
	"chat-ledger/internal/config"
	"chat-ledger/internal/logger"
	"chat-ledger/internal/repository/db"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ensure PostgresDB implements db.Database interface
var _ db.Database = (*PostgresDB)(nil)

// PostgresDB implements the db.Database interface
type PostgresDB struct {
	conn *sql.DB
}

// NewPostgresDB creates a new PostgresDB instance with a new connection
func NewPostgresDB(ctx context.Context, dbConfig config.DatabaseConfig) (*PostgresDB, error) {
	logger.Log.WithField("host", dbConfig.Host).WithField("database", dbConfig.Name).Info("Connecting to PostgreSQL")

	conn, err := sql.Open("postgres", dbConfig.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	conn.SetMaxOpenConns(dbConfig.MaxOpenConns)

	if err = conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	logger.Log.Info("Successfully connected to PostgreSQL")

	p := &PostgresDB{conn: conn}

	if err = p.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error running migrations: %w", err)
	}

	return p, nil
}

// Close closes the database connection
func (p *PostgresDB) Close() error {
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Ping reports whether the database is reachable; used by the health endpoint.
func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.conn.PingContext(ctx)
}

// RunMigrations applies the embedded schema using golang-migrate
func (p *PostgresDB) RunMigrations() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("error opening embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(p.conn, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("error creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("error creating migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error running migrations: %w", err)
	}

	logger.Log.Info("Database migrations applied successfully")
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (p *PostgresDB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}
