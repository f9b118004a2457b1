package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/deep-research/internal/shared"
)

type SourceType string

const (
	SourceWeb      SourceType = "web"
	SourceDocument SourceType = "document"
	SourceAPI      SourceType = "api"
)

type Source struct {
	ID            string     `json:"id"`
	JobID         string     `json:"researchId"`
	Type          SourceType `json:"sourceType"`
	URL           string     `json:"url,omitempty"`
	Title         string     `json:"title,omitempty"`
	Snippet       string     `json:"snippet,omitempty"`
	Content       string     `json:"content,omitempty"`
	PublishedDate string     `json:"publishedDate,omitempty"`
	Relevance     *float64   `json:"relevanceScore,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// CreateSources inserts a batch of sources for one job in a single
// transaction. IDs are generated when empty.
func (s *Store) CreateSources(ctx context.Context, jobID string, sources []Source) error {
	if len(sources) == 0 {
		return nil
	}
	ts := now()
	for i := range sources {
		if sources[i].ID == "" {
			sources[i].ID = shared.NewID()
		}
		sources[i].JobID = jobID
		if sources[i].Type == "" {
			sources[i].Type = SourceWeb
		}
		sources[i].CreatedAt = ts
	}

	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO sources (id, job_id, type, url, title, snippet, content, published_date, relevance, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, src := range sources {
			var relevance sql.NullFloat64
			if src.Relevance != nil {
				relevance = sql.NullFloat64{Float64: *src.Relevance, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx,
				src.ID, jobID, string(src.Type), src.URL, src.Title, src.Snippet,
				src.Content, src.PublishedDate, relevance, src.CreatedAt,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return writeErr("create sources", err)
	}
	return nil
}

func (s *Store) ListSources(ctx context.Context, jobID string) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, type, url, title, snippet, content, published_date, relevance, created_at
		FROM sources WHERE job_id = ? ORDER BY created_at, rowid;
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	out := []Source{}
	for rows.Next() {
		var src Source
		var relevance sql.NullFloat64
		if err := rows.Scan(&src.ID, &src.JobID, &src.Type, &src.URL, &src.Title, &src.Snippet,
			&src.Content, &src.PublishedDate, &relevance, &src.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		if relevance.Valid {
			v := relevance.Float64
			src.Relevance = &v
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *Store) CountSources(ctx context.Context, jobID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources WHERE job_id = ?;`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sources: %w", err)
	}
	return n, nil
}

type Report struct {
	ID        string    `json:"id"`
	JobID     string    `json:"researchId"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Format    string    `json:"format"`
	WordCount int       `json:"wordCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ReportSummary is a report row joined with its job, without the content.
type ReportSummary struct {
	ID        string    `json:"id"`
	JobID     string    `json:"researchId"`
	Title     string    `json:"title"`
	Query     string    `json:"query"`
	WordCount int       `json:"wordCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// UpsertReport creates the job's report or replaces title, content and word
// count of the existing one. A job has at most one report.
func (s *Store) UpsertReport(ctx context.Context, r *Report) error {
	if r.Format == "" {
		r.Format = "markdown"
	}
	if r.ID == "" {
		r.ID = shared.NewID()
	}
	ts := now()
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO reports (id, job_id, title, content, format, word_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(job_id) DO UPDATE SET
				title = excluded.title,
				content = excluded.content,
				format = excluded.format,
				word_count = excluded.word_count,
				updated_at = excluded.updated_at;
		`, r.ID, r.JobID, r.Title, r.Content, r.Format, r.WordCount, ts, ts)
		return err
	})
	if err != nil {
		return writeErr("upsert report", err)
	}
	// Re-read so the caller sees the surviving id and creation time.
	stored, err := s.GetReport(ctx, r.JobID)
	if err != nil {
		return err
	}
	*r = *stored
	return nil
}

// GetReport returns the report of a job. A missing report wraps
// ErrJobNotFound.
func (s *Store) GetReport(ctx context.Context, jobID string) (*Report, error) {
	var r Report
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, title, content, format, word_count, created_at, updated_at
		FROM reports WHERE job_id = ?;
	`, jobID).Scan(&r.ID, &r.JobID, &r.Title, &r.Content, &r.Format, &r.WordCount, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("report for job %s: %w", jobID, shared.ErrJobNotFound)
		}
		return nil, fmt.Errorf("get report: %w", err)
	}
	return &r, nil
}

func (s *Store) ListReports(ctx context.Context, limit, offset int) ([]ReportSummary, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports;`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.job_id, r.title, j.query, r.word_count, r.created_at
		FROM reports r JOIN research_jobs j ON j.id = r.job_id
		ORDER BY r.created_at DESC, r.id
		LIMIT ? OFFSET ?;
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()
	out := []ReportSummary{}
	for rows.Next() {
		var r ReportSummary
		if err := rows.Scan(&r.ID, &r.JobID, &r.Title, &r.Query, &r.WordCount, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}
