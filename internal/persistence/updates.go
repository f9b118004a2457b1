package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type UpdateKind string

const (
	UpdateStatus     UpdateKind = "status"
	UpdateThinking   UpdateKind = "thinking"
	UpdateToolUse    UpdateKind = "tool_use"
	UpdateToolResult UpdateKind = "tool_result"
	UpdateResult     UpdateKind = "result"
	UpdateError      UpdateKind = "error"
)

// Update is one persisted, append-only record of job output. Seq orders
// updates of a job.
type Update struct {
	Seq       int64           `json:"id"`
	JobID     string          `json:"jobId"`
	Kind      UpdateKind      `json:"updateType"`
	Payload   json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AppendUpdate stores payload verbatim. A nil payload is stored as {}.
func (s *Store) AppendUpdate(ctx context.Context, jobID string, kind UpdateKind, payload json.RawMessage) (*Update, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("append update: payload is not valid json")
	}
	u := &Update{JobID: jobID, Kind: kind, Payload: payload, CreatedAt: now()}
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO research_updates (job_id, kind, payload_json, created_at)
			VALUES (?, ?, ?, ?);
		`, jobID, string(kind), string(payload), u.CreatedAt)
		if err != nil {
			return err
		}
		u.Seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, writeErr("append update", err)
	}
	return u, nil
}

// ListUpdates returns every update of a job in timestamp order.
func (s *Store) ListUpdates(ctx context.Context, jobID string) ([]Update, error) {
	return s.ListUpdatesAfter(ctx, jobID, 0)
}

// ListUpdatesAfter returns updates of a job with Seq greater than after.
func (s *Store) ListUpdatesAfter(ctx context.Context, jobID string, after int64) ([]Update, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, kind, payload_json, created_at
		FROM research_updates
		WHERE job_id = ? AND id > ?
		ORDER BY created_at, id;
	`, jobID, after)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	out := []Update{}
	for rows.Next() {
		var u Update
		var payload string
		if err := rows.Scan(&u.Seq, &u.JobID, &u.Kind, &payload, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		u.Payload = json.RawMessage(payload)
		out = append(out, u)
	}
	return out, rows.Err()
}
