package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/foreman/internal/memory"
	"github.com/nidhogg/foreman/internal/task"
)

// InsertDocument persists a new document.
func (s *Store) InsertDocument(ctx context.Context, d *memory.Document) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
		INSERT INTO documents (id, title, content, project, author, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		d.ID, d.Title, d.Content, d.Project, d.Author, d.Tags, now,
	)
	if err != nil {
		return fmt.Errorf("insert document %s: %w", d.ID, err)
	}
	return nil
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (*memory.Document, error) {
	var d memory.Document
	err := s.db.QueryRow(ctx, `
		SELECT id, title, content, project, author, tags, created_at, updated_at
		FROM documents WHERE id = $1`, id).Scan(
		&d.ID, &d.Title, &d.Content, &d.Project, &d.Author, &d.Tags, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return &d, nil
}

// ReplaceChunks atomically swaps a document's content and chunk set in one
// transaction. Chunks are never partially stale: either all old rows survive
// or all new rows replace them.
func (s *Store) ReplaceChunks(ctx context.Context, docID, content string, chunks []memory.Chunk) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace chunks: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE documents SET content = $2, updated_at = NOW() WHERE id = $1`,
		docID, content)
	if err != nil {
		return fmt.Errorf("update document %s: %w", docID, err)
	}
	if tag.RowsAffected() == 0 {
		return task.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, docID); err != nil {
		return fmt.Errorf("delete chunks %s: %w", docID, err)
	}

	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.DocumentID = docID
		if _, err := tx.Exec(ctx, `
			INSERT INTO chunks (id, document_id, position, content, section)
			VALUES ($1, $2, $3, $4, $5)`,
			c.ID, docID, c.Position, c.Content, c.Section,
		); err != nil {
			return fmt.Errorf("insert chunk %d of %s: %w", c.Position, docID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace chunks: %w", err)
	}
	return nil
}

// ChunksByDocument returns a document's chunks ordered by position.
func (s *Store) ChunksByDocument(ctx context.Context, docID string) ([]memory.Chunk, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, document_id, position, content, COALESCE(section, '')
		FROM chunks WHERE document_id = $1 ORDER BY position`, docID)
	if err != nil {
		return nil, fmt.Errorf("chunks by document %s: %w", docID, err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

// GetChunks hydrates chunk rows for the given IDs, preserving input order.
func (s *Store) GetChunks(ctx context.Context, ids []string) ([]memory.Chunk, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, document_id, position, content, COALESCE(section, '')
		FROM chunks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()

	chunks, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]memory.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}
	ordered := make([]memory.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}

// KeywordSearchChunks is the degraded retrieval path: a case-insensitive
// substring match over chunk text, scoped by the same project/tag/time
// filters the vector path honors.
func (s *Store) KeywordSearchChunks(ctx context.Context, text string, f memory.Filters, limit int) ([]memory.Chunk, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.document_id, c.position, c.content, COALESCE(c.section, '')
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.content ILIKE '%' || $1 || '%'
			AND ($2 = '' OR d.project = $2)
			AND ($3 = '' OR $3 = ANY(d.tags))
			AND ($4::timestamptz IS NULL OR d.updated_at >= $4)
		ORDER BY d.updated_at DESC, c.position
		LIMIT $5`, text, f.Project, f.Tag, f.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

func collectChunks(rows pgx.Rows) ([]memory.Chunk, error) {
	var chunks []memory.Chunk
	for rows.Next() {
		var c memory.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Position, &c.Content, &c.Section); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
