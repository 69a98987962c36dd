package store

import (
	"context"
	"database/sql"
	_ "embed"
	"strings"

	"github.com/rendis/autoflow/pkg/schema"
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// schemaRevisions lists every migration in apply order. Revisions already
// recorded in schema_version are skipped.
var schemaRevisions = []struct {
	version int
	name    string
	script  string
}{
	{1, "initial_schema", initialSchema},
}

// applyMigrations creates the schema_version table and applies any pending
// revisions, each inside its own transaction.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return storeErr("create schema_version", err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return storeErr("read schema_version", err)
	}

	for _, rev := range schemaRevisions {
		if rev.version <= current {
			continue
		}
		if err := applyRevision(ctx, db, rev.version, rev.name, rev.script); err != nil {
			return err
		}
	}
	return nil
}

func applyRevision(ctx context.Context, db *sql.DB, version int, name, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin migration", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range sqlStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "migration %d (%s) failed", version, name).WithCause(err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, version, name); err != nil {
		return storeErr("record migration", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit migration", err)
	}
	return nil
}

// sqlStatements splits a migration script on semicolons, dropping blanks and
// statements that are nothing but comments.
func sqlStatements(script string) []string {
	var stmts []string
	for _, raw := range strings.Split(script, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" || isCommentOnly(stmt) {
			continue
		}
		stmts = append(stmts, stmt)
	}
	return stmts
}

func isCommentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
