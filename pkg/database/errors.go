package database

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

const CodeUniqueViolation = pq.ErrorCode("23505")

func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsUniqueViolation reports a unique or primary key violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == CodeUniqueViolation
}
