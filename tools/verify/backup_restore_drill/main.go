// Command backup_restore_drill fills a scratch database with finished
// research jobs, snapshots it with Store.Backup, reopens the snapshot and
// reports the backup and restore durations.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/deep-research/internal/persistence"
)

const jobCount = 40

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "deepresearch-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	if err := drill(ctx, baseDir); err != nil {
		fmt.Println(err)
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func drill(ctx context.Context, baseDir string) error {
	store, err := persistence.Open(filepath.Join(baseDir, "deepresearch.db"))
	if err != nil {
		return fmt.Errorf("open_store_error=%v", err)
	}
	defer store.Close()

	for i := 0; i < jobCount; i++ {
		job := &persistence.Job{Query: fmt.Sprintf("backup drill %d", i), Model: "scripted"}
		if err := store.CreateJob(ctx, job); err != nil {
			return fmt.Errorf("create_job_error=%v", err)
		}
		if err := store.MarkRunning(ctx, job.ID); err != nil {
			return fmt.Errorf("mark_running_error=%v", err)
		}
		if _, err := store.AppendUpdate(ctx, job.ID, persistence.UpdateResult, json.RawMessage(`{"text":"done"}`)); err != nil {
			return fmt.Errorf("append_update_error=%v", err)
		}
		if err := store.CompleteJob(ctx, job.ID, persistence.Usage{TotalTokens: 100}); err != nil {
			return fmt.Errorf("complete_job_error=%v", err)
		}
	}

	backupPath := filepath.Join(baseDir, "backup", "deepresearch.db")
	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		return fmt.Errorf("backup_error=%v", err)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath)
	if err != nil {
		return fmt.Errorf("open_restore_error=%v", err)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	counts, err := restored.JobCounts(ctx)
	if err != nil {
		return fmt.Errorf("count_jobs_error=%v", err)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_completed_jobs=%d\n", counts[persistence.JobCompleted])

	if counts[persistence.JobCompleted] < jobCount {
		return fmt.Errorf("restored_completed_jobs=%d want=%d", counts[persistence.JobCompleted], jobCount)
	}
	return nil
}
