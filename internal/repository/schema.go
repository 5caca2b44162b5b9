package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the DDL for both tables. EnsureSchema applies it idempotently.
const Schema = `
CREATE SCHEMA IF NOT EXISTS file_upload;

CREATE TABLE IF NOT EXISTS file_upload.sagas (
	saga_id    TEXT PRIMARY KEY,
	saga_type  TEXT NOT NULL,
	status     TEXT NOT NULL,
	document   JSONB NOT NULL,
	version    BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sagas_status_created_idx ON file_upload.sagas (status, created_at DESC);

CREATE TABLE IF NOT EXISTS file_upload.files (
	file_id       TEXT PRIMARY KEY,
	file_name     TEXT NOT NULL,
	original_name TEXT NOT NULL,
	file_size     BIGINT NOT NULL,
	mime_type     TEXT NOT NULL,
	s3_key        TEXT NOT NULL,
	s3_bucket     TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	order_id      TEXT,
	category      TEXT,
	tags          TEXT[] NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL,
	versions      JSONB NOT NULL DEFAULT '[]',
	uploaded_at   TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS files_user_uploaded_idx ON file_upload.files (user_id, uploaded_at DESC);
CREATE INDEX IF NOT EXISTS files_order_idx ON file_upload.files (order_id) WHERE order_id IS NOT NULL;
`

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
