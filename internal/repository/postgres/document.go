package postgres

import (
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/repository/db"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveDocument appends a new version of a document
func (p *PostgresDB) SaveDocument(ctx context.Context, doc db.Document) (*db.Document, error) {
	conn := p.conn

	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}

	query := `
	INSERT INTO documents (id, user_id, title, kind, content)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING created_at
	`

	if err := conn.QueryRowContext(ctx, query, doc.ID, doc.UserID, doc.Title, string(doc.Kind), doc.Content).Scan(&doc.CreatedAt); err != nil {
		return nil, classify("saving document", err)
	}
	return &doc, nil
}

// GetDocumentsByID returns every version, oldest first
func (p *PostgresDB) GetDocumentsByID(ctx context.Context, id string) ([]db.Document, error) {
	conn := p.conn

	query := `
	SELECT id, user_id, title, kind, content, created_at
	FROM documents
	WHERE id = $1
	ORDER BY created_at ASC
	`

	rows, err := conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("error querying documents: %w", err)
	}
	defer rows.Close()

	var docs []db.Document
	for rows.Next() {
		var d db.Document
		var kind string
		if err := rows.Scan(&d.ID, &d.UserID, &d.Title, &kind, &d.Content, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning document: %w", err)
		}
		d.Kind = db.DocumentKind(kind)
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, apperr.NotFound("document %s not found", id)
	}
	return docs, nil
}

// GetDocumentByID returns the latest version
func (p *PostgresDB) GetDocumentByID(ctx context.Context, id string) (*db.Document, error) {
	docs, err := p.GetDocumentsByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &docs[len(docs)-1], nil
}

// DeleteDocumentsAfter removes versions newer than after together with their suggestions
func (p *PostgresDB) DeleteDocumentsAfter(ctx context.Context, id string, after time.Time) (int64, error) {
	var removed int64

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM suggestions WHERE document_id = $1 AND document_created_at > $2`, id, after); err != nil {
			return fmt.Errorf("error deleting suggestions: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = $1 AND created_at > $2`, id, after)
		if err != nil {
			return fmt.Errorf("error deleting documents: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// SaveSuggestions inserts all suggestions or none
func (p *PostgresDB) SaveSuggestions(ctx context.Context, suggestions []db.Suggestion) error {
	query := `
	INSERT INTO suggestions (id, document_id, document_created_at, original_text, suggested_text, description, is_resolved, user_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	return p.withTx(ctx, func(tx *sql.Tx) error {
		for _, s := range suggestions {
			if s.ID == "" {
				s.ID = uuid.New().String()
			}
			_, err := tx.ExecContext(ctx, query, s.ID, s.DocumentID, s.DocumentCreatedAt, s.OriginalText, s.SuggestedText, s.Description, s.IsResolved, s.UserID)
			if err != nil {
				return classify("saving suggestion", err)
			}
		}
		return nil
	})
}

// GetSuggestionsByDocumentID lists suggestions across all versions of a document
func (p *PostgresDB) GetSuggestionsByDocumentID(ctx context.Context, documentID string) ([]db.Suggestion, error) {
	conn := p.conn

	query := `
	SELECT id, document_id, document_created_at, original_text, suggested_text, description, is_resolved, user_id, created_at
	FROM suggestions
	WHERE document_id = $1
	ORDER BY created_at ASC
	`

	rows, err := conn.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("error querying suggestions: %w", err)
	}
	defer rows.Close()

	out := make([]db.Suggestion, 0)
	for rows.Next() {
		var s db.Suggestion
		if err := rows.Scan(&s.ID, &s.DocumentID, &s.DocumentCreatedAt, &s.OriginalText, &s.SuggestedText, &s.Description, &s.IsResolved, &s.UserID, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning suggestion: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
