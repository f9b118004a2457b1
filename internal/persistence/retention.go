package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult reports what a retention pass removed.
type RetentionResult struct {
	PurgedJobs int64
}

// RunRetention deletes terminal jobs finished more than jobRetention ago.
// Updates, sources, reports and transition history cascade. A non-positive
// retention disables the purge.
func (s *Store) RunRetention(ctx context.Context, jobRetention time.Duration) (RetentionResult, error) {
	var result RetentionResult
	if jobRetention <= 0 {
		return result, nil
	}
	cutoff := now().Add(-jobRetention)
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM research_jobs
			WHERE status IN ('completed', 'failed', 'cancelled')
			  AND COALESCE(completed_at, updated_at) < ?;
		`, cutoff)
		if err != nil {
			return err
		}
		result.PurgedJobs, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return result, fmt.Errorf("purge jobs: %w", err)
	}
	return result, nil
}
