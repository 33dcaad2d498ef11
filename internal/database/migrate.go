package database

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the embedded DDL.
func Schema() string { return schemaSQL }

// Migrate applies the embedded schema. Every statement is idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Info reports the server version and current database size.
func (r *Repository) Info(ctx context.Context) (version, size string, err error) {
	if err := r.db.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		return "", "", fmt.Errorf("query version: %w", err)
	}
	if err := r.db.QueryRow(ctx, "SELECT pg_size_pretty(pg_database_size(current_database()))").Scan(&size); err != nil {
		return version, "", fmt.Errorf("query size: %w", err)
	}
	return version, size, nil
}
