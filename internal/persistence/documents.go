package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/deep-research/internal/shared"
)

// Document is an uploaded file and its extracted text.
type Document struct {
	ID            string    `json:"id"`
	OriginalName  string    `json:"originalName"`
	Filename      string    `json:"filename"`
	MIMEType      string    `json:"mimeType"`
	Size          int64     `json:"size"`
	ExtractedText string    `json:"-"`
	WordCount     int       `json:"wordCount"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		doc.ID = shared.NewID()
	}
	doc.CreatedAt = now()
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO documents (id, original_name, filename, mime_type, size, extracted_text, word_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, doc.ID, doc.OriginalName, doc.Filename, doc.MIMEType, doc.Size, doc.ExtractedText, doc.WordCount, doc.CreatedAt)
		return err
	})
	if err != nil {
		return writeErr("insert document", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	var d Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, original_name, filename, mime_type, size, extracted_text, word_count, created_at
		FROM documents WHERE id = ?;
	`, id).Scan(&d.ID, &d.OriginalName, &d.Filename, &d.MIMEType, &d.Size, &d.ExtractedText, &d.WordCount, &d.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("document %s: %w", id, shared.ErrDocumentNotFound)
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &d, nil
}

// ListDocuments returns document metadata newest first. Extracted text is
// not loaded.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_name, filename, mime_type, size, word_count, created_at
		FROM documents ORDER BY created_at DESC, id;
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	out := []Document{}
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.OriginalName, &d.Filename, &d.MIMEType, &d.Size, &d.WordCount, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?;`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return writeErr("delete document", err)
	}
	if affected == 0 {
		return fmt.Errorf("document %s: %w", id, shared.ErrDocumentNotFound)
	}
	return nil
}

// MissingDocuments returns the ids in ids that have no document row, in
// input order.
func (s *Store) MissingDocuments(ctx context.Context, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?;`, id).Scan(&one)
		if isNoRows(err) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("check document %s: %w", id, err)
		}
	}
	return missing, nil
}
