package corpus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"orgbot/internal/domain"
)

// ErrNotFound is returned when a locator has no stored document.
var ErrNotFound = errors.New("document not found")

// SQLiteCorpus keeps administrator-managed documents in the documents table.
// Listing order is first-insertion order; updates keep a document's place.
type SQLiteCorpus struct {
	db *sql.DB
}

// StoredDocument is a document row with its bookkeeping columns.
type StoredDocument struct {
	domain.SourceDocument
	UpdatedAt time.Time
}

// NewSQLiteCorpus expects db to have been opened with store.Open.
func NewSQLiteCorpus(db *sql.DB) *SQLiteCorpus {
	return &SQLiteCorpus{db: db}
}

// Upsert stores body under locator, replacing any previous body.
func (c *SQLiteCorpus) Upsert(ctx context.Context, locator, body string) error {
	if strings.TrimSpace(locator) == "" {
		return fmt.Errorf("%w: empty locator", domain.ErrInvalidInput)
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO documents (locator, body, position, updated_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM documents), ?)
		ON CONFLICT(locator) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		locator, body, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (c *SQLiteCorpus) Delete(ctx context.Context, locator string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE locator = ?`, locator)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", locator, ErrNotFound)
	}
	return nil
}

// List returns every stored document with its update time.
func (c *SQLiteCorpus) List(ctx context.Context) ([]StoredDocument, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT locator, body, updated_at FROM documents ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []StoredDocument
	for rows.Next() {
		var d StoredDocument
		if err := rows.Scan(&d.Locator, &d.Text, &d.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (c *SQLiteCorpus) ListDocuments(ctx context.Context) ([]domain.SourceDocument, error) {
	stored, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	docs := make([]domain.SourceDocument, len(stored))
	for i, d := range stored {
		docs[i] = d.SourceDocument
	}
	return docs, nil
}
