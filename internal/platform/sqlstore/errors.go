package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/phrazzld/conductor/internal/domain"
)

// PostgreSQL error codes
const (
	uniqueViolationCode     = "23505"
	foreignKeyViolationCode = "23503"
	checkViolationCode      = "23514"
	notNullViolationCode    = "23502"
)

// Common store errors.
var (
	// ErrDuplicate is returned when an insert would duplicate a primary or
	// unique key.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when a row violates a schema constraint.
	ErrInvalidEntity = errors.New("invalid entity")
)

// MapError maps a database error to an appropriate store or domain error.
// It wraps the original error to preserve context for debugging.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolationCode:
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		case foreignKeyViolationCode:
			return fmt.Errorf("%w: foreign key violation (%s): %v", ErrInvalidEntity, pgErr.ConstraintName, err)
		case checkViolationCode:
			return fmt.Errorf("%w: check constraint violation (%s): %v", ErrInvalidEntity, pgErr.ConstraintName, err)
		case notNullViolationCode:
			return fmt.Errorf("%w: not null violation (%s): %v", ErrInvalidEntity, pgErr.ColumnName, err)
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.Code == sqlite3.ErrConstraint {
		switch liteErr.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		default:
			return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
		}
	}

	return err
}

// IsUniqueViolation reports whether err is a duplicate key error from either dialect.
func IsUniqueViolation(err error) bool {
	return errors.Is(MapError(err), ErrDuplicate)
}

// CheckRowsAffected returns a not-found error naming entity when result
// touched no rows.
func CheckRowsAffected(result sql.Result, entity string) error {
	if result == nil {
		return errors.New("nil result provided to CheckRowsAffected")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, entity)
	}
	return nil
}
