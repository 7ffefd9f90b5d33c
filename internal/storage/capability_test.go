package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Capability
	}{
		{"nil", nil, Ready},
		{"plain error", errors.New("connection refused"), Ready},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, MissingTable},
		{"undefined column", &pgconn.PgError{Code: "42703"}, MissingColumn},
		{"other pg error", &pgconn.PgError{Code: "23505"}, Ready},
		{"wrapped undefined table", fmt.Errorf("query: %w", &pgconn.PgError{Code: "42P01"}), MissingTable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSchemaAbsent(t *testing.T) {
	if SchemaAbsent(nil) || SchemaAbsent(errors.New("boom")) {
		t.Fatal("non-schema errors flagged as absent schema")
	}
	if !SchemaAbsent(&pgconn.PgError{Code: "42P01"}) || !SchemaAbsent(&pgconn.PgError{Code: "42703"}) {
		t.Fatal("schema errors not flagged")
	}
}
