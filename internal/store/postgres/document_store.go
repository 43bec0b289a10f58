// Package postgres provides a Postgres-backed DocumentStore.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feedmill/ingestd/internal/ingest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool backing the document store.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// DocumentStore persists document records in Postgres. Insertion order is
// preserved via a bigserial sequence column used for cursor pagination.
//
// Expected schema:
//
//	CREATE TABLE documents (
//	    seq          BIGSERIAL,
//	    workspace_id TEXT NOT NULL,
//	    document_id  TEXT NOT NULL,
//	    doc_type     TEXT NOT NULL,
//	    parent_id    TEXT NOT NULL DEFAULT '',
//	    path         TEXT NOT NULL,
//	    title        TEXT NOT NULL DEFAULT '',
//	    status       TEXT NOT NULL,
//	    error_text   TEXT NOT NULL DEFAULT '',
//	    created_at   TIMESTAMPTZ NOT NULL,
//	    updated_at   TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (workspace_id, document_id)
//	);
type DocumentStore struct {
	pool  pgxPool
	table string
}

// New creates a Postgres-backed DocumentStore using the provided config.
func New(ctx context.Context, cfg Config) (*DocumentStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "documents"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DocumentStore{pool: pool, table: table}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, table string) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "documents"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &DocumentStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Put upserts a document. The identity columns and created_at never change
// on conflict.
func (s *DocumentStore) Put(ctx context.Context, doc ingest.Document) error {
	if doc.WorkspaceID == "" || doc.DocumentID == "" {
		return fmt.Errorf("document identity is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (workspace_id, document_id, doc_type, parent_id, path, title, status, error_text, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (workspace_id, document_id)
DO UPDATE SET doc_type = $3, parent_id = $4, path = $5, title = $6, status = $7, error_text = $8, updated_at = $10`,
		s.table)
	if _, err := s.pool.Exec(ctx, query,
		doc.WorkspaceID,
		doc.DocumentID,
		string(doc.Type),
		doc.ParentID,
		doc.Path,
		doc.Title,
		string(doc.Status),
		doc.ErrorText,
		doc.CreatedAt,
		doc.UpdatedAt,
	); err != nil {
		return fmt.Errorf("put document: %w", err)
	}
	return nil
}

// UpdateStatus sets the status and error text on an existing document.
func (s *DocumentStore) UpdateStatus(
	ctx context.Context,
	workspaceID, documentID string,
	status ingest.DocumentStatus,
	errText string,
) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = $3, error_text = $4, updated_at = NOW()
WHERE workspace_id = $1 AND document_id = $2`, s.table)
	tag, err := s.pool.Exec(ctx, query, workspaceID, documentID, string(status), errText)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// Get fetches a document by its composite identity.
func (s *DocumentStore) Get(ctx context.Context, workspaceID, documentID string) (ingest.Document, error) {
	q := fmt.Sprintf(`
SELECT workspace_id, document_id, doc_type, parent_id, path, title, status, error_text, created_at, updated_at
FROM %s WHERE workspace_id = $1 AND document_id = $2`, s.table)
	doc, err := scanDocument(s.pool.QueryRow(ctx, q, workspaceID, documentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Document{}, ingest.ErrNotFound
		}
		return ingest.Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// ListByParent returns children of a parent in insertion order.
func (s *DocumentStore) ListByParent(
	ctx context.Context,
	workspaceID, parentID, cursor string,
	limit int,
) (ingest.DocumentPage, error) {
	return s.list(ctx, workspaceID, "parent_id", parentID, cursor, limit)
}

// ListByType returns documents of one type in insertion order.
func (s *DocumentStore) ListByType(
	ctx context.Context,
	workspaceID string,
	docType ingest.DocumentType,
	cursor string,
	limit int,
) (ingest.DocumentPage, error) {
	return s.list(ctx, workspaceID, "doc_type", string(docType), cursor, limit)
}

// Delete removes a document row.
func (s *DocumentStore) Delete(ctx context.Context, workspaceID, documentID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE workspace_id = $1 AND document_id = $2`, s.table)
	tag, err := s.pool.Exec(ctx, query, workspaceID, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// list pages forward through the insertion sequence. The cursor is the last
// returned document id; one extra row is fetched to decide whether a next
// page exists.
func (s *DocumentStore) list(
	ctx context.Context,
	workspaceID, filterColumn, filterValue, cursor string,
	limit int,
) (ingest.DocumentPage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT workspace_id, document_id, doc_type, parent_id, path, title, status, error_text, created_at, updated_at
FROM %[1]s
WHERE workspace_id = $1 AND %[2]s = $2
  AND ($3 = '' OR seq > (SELECT seq FROM %[1]s WHERE workspace_id = $1 AND document_id = $3))
ORDER BY seq
LIMIT $4`, s.table, filterColumn)

	rows, err := s.pool.Query(ctx, query, workspaceID, filterValue, cursor, limit+1)
	if err != nil {
		return ingest.DocumentPage{}, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	page := ingest.DocumentPage{Items: []ingest.Document{}}
	for rows.Next() {
		doc, scanErr := scanDocument(rows)
		if scanErr != nil {
			return ingest.DocumentPage{}, fmt.Errorf("scan document: %w", scanErr)
		}
		page.Items = append(page.Items, doc)
	}
	if err := rows.Err(); err != nil {
		return ingest.DocumentPage{}, fmt.Errorf("list documents: %w", err)
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.NextCursor = page.Items[limit-1].DocumentID
	}
	return page, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (ingest.Document, error) {
	var doc ingest.Document
	var docType, status string
	if err := row.Scan(
		&doc.WorkspaceID,
		&doc.DocumentID,
		&docType,
		&doc.ParentID,
		&doc.Path,
		&doc.Title,
		&status,
		&doc.ErrorText,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	); err != nil {
		return ingest.Document{}, err
	}
	doc.Type = ingest.DocumentType(docType)
	doc.Status = ingest.DocumentStatus(status)
	return doc, nil
}
