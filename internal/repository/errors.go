// Package repository implements PostgreSQL and Redis backed persistence.
package repository

import (
	"database/sql"
	stderrors "errors"

	"github.com/lib/pq"

	apperrors "github.com/Proton-105/xo-arena/internal/errors"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = stderrors.New("record not found")

const (
	pqForeignKeyViolation = pq.ErrorCode("23503")
	pqUniqueViolation     = pq.ErrorCode("23505")
	pqCheckViolation      = pq.ErrorCode("23514")
)

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

// dbError wraps driver failures so the retry helpers treat them as transient.
func dbError(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.NewDatabaseError(err)
}
