// Package storage classifies store errors so callers can degrade gracefully when
// optional schema has not been provisioned yet.
package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Capability is the tagged result of classifying a store error against the schema.
type Capability int

const (
	// Ready means the error (or its absence) says nothing about missing schema.
	Ready Capability = iota
	// MissingTable means the query referenced a table that does not exist (undefined_table).
	MissingTable
	// MissingColumn means the query referenced a column that does not exist (undefined_column).
	MissingColumn
)

// Postgres error codes for undefined relations and columns.
const (
	codeUndefinedTable  = "42P01"
	codeUndefinedColumn = "42703"
)

// Classify inspects err and reports whether it signals absent schema. A nil error
// or any unrelated failure classifies as Ready; callers still need to handle the
// error itself in that case.
func Classify(err error) Capability {
	if err == nil {
		return Ready
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return Ready
	}
	switch pgErr.Code {
	case codeUndefinedTable:
		return MissingTable
	case codeUndefinedColumn:
		return MissingColumn
	}
	return Ready
}

// SchemaAbsent reports whether err indicates a missing table or column.
func SchemaAbsent(err error) bool {
	c := Classify(err)
	return c == MissingTable || c == MissingColumn
}
