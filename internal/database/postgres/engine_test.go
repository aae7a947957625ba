package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"batchingest/internal/database"
)

func TestDialect_Classify(t *testing.T) {
	tests := []struct {
		err  error
		want database.ConstraintKind
	}{
		{&pgconn.PgError{Code: "23505"}, database.ConstraintUnique},
		{&pgconn.PgError{Code: "23503"}, database.ConstraintForeignKey},
		{&pgconn.PgError{Code: "23514"}, database.ConstraintCheck},
		{&pgconn.PgError{Code: "23502"}, database.ConstraintNotNull},
		{fmt.Errorf("batch: %w", &pgconn.PgError{Code: "23505"}), database.ConstraintUnique},
		{&pgconn.PgError{Code: "40001"}, database.ConstraintNone},
		{errors.New("conn closed"), database.ConstraintNone},
	}
	for _, tt := range tests {
		if got := (Dialect{}).Classify(tt.err); got != tt.want {
			t.Fatalf("Classify(%v)=%q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestDialect_DDL(t *testing.T) {
	d := Dialect{}
	got := d.CreateTable("customers", []string{
		d.IdentityColumn("id"),
		`"email" ` + d.ColumnType(database.KindString, 255) + " NOT NULL UNIQUE",
		`"created_at" ` + d.ColumnType(database.KindTimestamp, 0),
	})
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "customers"`,
		`"id" BIGSERIAL PRIMARY KEY`,
		`"email" VARCHAR(255) NOT NULL UNIQUE`,
		`"created_at" TIMESTAMPTZ`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("CreateTable()=%q, missing %q", got, want)
		}
	}
	if got := database.Placeholders(d, 1, 3); got != "$1, $2, $3" {
		t.Fatalf("Placeholders()=%q", got)
	}
}

func TestNormalizeURL(t *testing.T) {
	if got := normalizeURL("postgresql://u:p@h:5432/db"); got != "postgres://u:p@h:5432/db" {
		t.Fatalf("normalizeURL()=%q", got)
	}
}
