package postgres

import (
	"chat-ledger/internal/apperr"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	checkViolation      = "23514"
)

// classify maps driver errors onto the apperr taxonomy.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			if pqErr.Constraint == "users_email_key" {
				return apperr.ErrDuplicateEmail
			}
			return fmt.Errorf("%s: %w", op, apperr.ErrConflict)
		case foreignKeyViolation:
			return fmt.Errorf("%s: %w", op, apperr.ErrForeignKeyViolation)
		case checkViolation:
			return apperr.BadRequest("%s: %s", op, pqErr.Message)
		}
	}
	return fmt.Errorf("error %s: %w", op, err)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
