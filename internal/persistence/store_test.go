package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/deep-research/internal/persistence"
	"github.com/basket/deep-research/internal/shared"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "deepresearch.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createJob(t *testing.T, store *persistence.Store, query string) *persistence.Job {
	t.Helper()
	job := &persistence.Job{Query: query, Model: "claude-sonnet-4-5-20250929"}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestOpen_ReopenKeepsSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "deepresearch.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	job := &persistence.Job{Query: "persist me"}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	_ = store.Close()

	store, err = persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job after reopen: %v", err)
	}
	if got.Query != "persist me" {
		t.Fatalf("query = %q", got.Query)
	}

	var journal string
	if err := store.DB().QueryRow(`PRAGMA journal_mode;`).Scan(&journal); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("journal_mode = %q, want wal", journal)
	}
}

func TestCreateJob_DefaultsAndOptions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job := &persistence.Job{
		Query: "impact of tariffs",
		Options: persistence.JobOptions{
			MaxBudget:        1.5,
			SearchDepth:      "advanced",
			IncludeDocuments: []string{"doc-1"},
		},
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.ID == "" || job.Status != persistence.JobPending {
		t.Fatalf("unexpected job after create: %+v", job)
	}

	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Options.SearchDepth != "advanced" || got.Options.MaxBudget != 1.5 || len(got.Options.IncludeDocuments) != 1 {
		t.Fatalf("options not round-tripped: %+v", got.Options)
	}
	if got.CompletedAt != nil {
		t.Fatalf("pending job has completedAt")
	}
}

func TestGetJob_NotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetJob(context.Background(), "missing")
	if !errors.Is(err, shared.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestTransitions_HappyPath(t *testing.T) {
	store := openTestStore(t)
	ctx := shared.WithTraceID(context.Background(), "trace-1")
	job := createJob(t, store, "q")

	if err := store.MarkRunning(ctx, job.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := store.CompleteJob(ctx, job.ID, persistence.Usage{TotalCostUSD: 0.42, TotalTokens: 1234}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.JobCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.TotalCostUSD != 0.42 || got.TotalTokens != 1234 {
		t.Fatalf("usage = %v / %d", got.TotalCostUSD, got.TotalTokens)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completedAt not set")
	}

	events, err := store.ListJobEvents(ctx, job.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].From != persistence.JobPending || events[0].To != persistence.JobRunning {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].TraceID != "trace-1" {
		t.Fatalf("trace id = %q", events[1].TraceID)
	}
}

func TestTransitions_TerminalIsFinal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		finish func(id string) error
	}{
		{"completed", func(id string) error {
			return store.CompleteJob(ctx, id, persistence.Usage{})
		}},
		{"failed", func(id string) error { return store.FailJob(ctx, id, "boom") }},
		{"cancelled", func(id string) error { return store.CancelJob(ctx, id) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			job := createJob(t, store, tc.name)
			if err := store.MarkRunning(ctx, job.ID); err != nil {
				t.Fatalf("mark running: %v", err)
			}
			if err := tc.finish(job.ID); err != nil {
				t.Fatalf("finish: %v", err)
			}
			for _, next := range []func() error{
				func() error { return store.MarkRunning(ctx, job.ID) },
				func() error { return store.CompleteJob(ctx, job.ID, persistence.Usage{}) },
				func() error { return store.FailJob(ctx, job.ID, "again") },
				func() error { return store.CancelJob(ctx, job.ID) },
			} {
				if err := next(); !errors.Is(err, shared.ErrInvalidState) {
					t.Fatalf("expected ErrInvalidState, got %v", err)
				}
			}
		})
	}
}

func TestTransitions_PendingShortcuts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	job := createJob(t, store, "never ran")
	if err := store.CompleteJob(ctx, job.ID, persistence.Usage{}); !errors.Is(err, shared.ErrInvalidState) {
		t.Fatalf("pending -> completed should be rejected, got %v", err)
	}
	if err := store.FailJob(ctx, job.ID, "missing documents"); err != nil {
		t.Fatalf("pending -> failed: %v", err)
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.Error != "missing documents" {
		t.Fatalf("error = %q", got.Error)
	}

	job2 := createJob(t, store, "cancelled early")
	if err := store.CancelJob(ctx, job2.ID); err != nil {
		t.Fatalf("pending -> cancelled: %v", err)
	}
	if err := store.CancelJob(ctx, "nope"); !errors.Is(err, shared.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestTransitions_ConcurrentFinishersOneWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job := createJob(t, store, "race")
	if err := store.MarkRunning(ctx, job.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = store.CompleteJob(ctx, job.ID, persistence.Usage{}) }()
	go func() { defer wg.Done(); errs[1] = store.CancelJob(ctx, job.ID) }()
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, shared.ErrInvalidState) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
}

func TestListJobs_FilterAndPaging(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		createJob(t, store, "pending job")
	}
	running := createJob(t, store, "running job")
	if err := store.MarkRunning(ctx, running.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	jobs, total, err := store.ListJobs(ctx, "", 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 4 || len(jobs) != 2 {
		t.Fatalf("total=%d len=%d", total, len(jobs))
	}

	jobs, total, err = store.ListJobs(ctx, "running", 10, 0)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if total != 1 || len(jobs) != 1 || jobs[0].ID != running.ID {
		t.Fatalf("running filter: total=%d jobs=%+v", total, jobs)
	}

	counts, err := store.JobCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[persistence.JobPending] != 3 || counts[persistence.JobRunning] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	pending := createJob(t, store, "pending")
	running := createJob(t, store, "running")
	done := createJob(t, store, "done")
	_ = store.MarkRunning(ctx, running.ID)
	_ = store.MarkRunning(ctx, done.ID)
	_ = store.CompleteJob(ctx, done.ID, persistence.Usage{})

	n, err := store.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered = %d, want 2", n)
	}
	for _, id := range []string{pending.ID, running.ID} {
		got, _ := store.GetJob(ctx, id)
		if got.Status != persistence.JobFailed {
			t.Fatalf("job %s status = %s", id, got.Status)
		}
	}
	got, _ := store.GetJob(ctx, done.ID)
	if got.Status != persistence.JobCompleted {
		t.Fatalf("completed job touched: %s", got.Status)
	}
}

func TestUpdates_AppendAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job := createJob(t, store, "q")

	first, err := store.AppendUpdate(ctx, job.ID, persistence.UpdateThinking, json.RawMessage(`{"text":"hmm"}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.AppendUpdate(ctx, job.ID, persistence.UpdateToolUse, nil); err != nil {
		t.Fatalf("append nil payload: %v", err)
	}
	if _, err := store.AppendUpdate(ctx, job.ID, persistence.UpdateStatus, json.RawMessage(`not json`)); err == nil {
		t.Fatalf("expected invalid payload to be rejected")
	}

	all, err := store.ListUpdates(ctx, job.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("updates = %d, want 2", len(all))
	}
	if all[0].Kind != persistence.UpdateThinking || string(all[0].Payload) != `{"text":"hmm"}` {
		t.Fatalf("first update = %+v", all[0])
	}
	if string(all[1].Payload) != `{}` {
		t.Fatalf("nil payload stored as %s", all[1].Payload)
	}

	after, err := store.ListUpdatesAfter(ctx, job.ID, first.Seq)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(after) != 1 || after[0].Kind != persistence.UpdateToolUse {
		t.Fatalf("after = %+v", after)
	}
}

func TestSources_BatchAndCount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job := createJob(t, store, "q")
	score := 0.9

	err := store.CreateSources(ctx, job.ID, []persistence.Source{
		{URL: "https://a.example", Title: "A", Relevance: &score},
		{Type: persistence.SourceDocument, Title: "doc.pdf", Content: "chunks: 3"},
	})
	if err != nil {
		t.Fatalf("create sources: %v", err)
	}
	if err := store.CreateSources(ctx, job.ID, nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}

	n, err := store.CountSources(ctx, job.ID)
	if err != nil || n != 2 {
		t.Fatalf("count = %d, err = %v", n, err)
	}
	list, err := store.ListSources(ctx, job.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list[0].Type != persistence.SourceWeb || list[0].Relevance == nil || *list[0].Relevance != 0.9 {
		t.Fatalf("first source = %+v", list[0])
	}
	if list[1].Relevance != nil {
		t.Fatalf("second source relevance should be nil")
	}
}

func TestReports_UpsertKeepsOneRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job := createJob(t, store, "reporting")

	r := &persistence.Report{JobID: job.ID, Title: "Draft", Content: "# Draft", WordCount: 1}
	if err := store.UpsertReport(ctx, r); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	firstID := r.ID

	r2 := &persistence.Report{JobID: job.ID, Title: "Final", Content: "# Final\n\nbody", WordCount: 3}
	if err := store.UpsertReport(ctx, r2); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if r2.ID != firstID {
		t.Fatalf("report id changed: %s -> %s", firstID, r2.ID)
	}

	got, err := store.GetReport(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Final" || got.WordCount != 3 || got.Format != "markdown" {
		t.Fatalf("report = %+v", got)
	}

	list, total, err := store.ListReports(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(list) != 1 || list[0].Query != "reporting" {
		t.Fatalf("list = %+v total=%d", list, total)
	}

	if _, err := store.GetReport(ctx, "nope"); !errors.Is(err, shared.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestDocuments_CRUD(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	doc := &persistence.Document{
		OriginalName:  "notes.txt",
		Filename:      "abc.txt",
		MIMEType:      "text/plain",
		Size:          11,
		ExtractedText: "hello world",
		WordCount:     2,
	}
	if err := store.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExtractedText != "hello world" {
		t.Fatalf("text = %q", got.ExtractedText)
	}

	list, err := store.ListDocuments(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v, err = %v", list, err)
	}

	missing, err := store.MissingDocuments(ctx, []string{"ghost", doc.ID, "phantom"})
	if err != nil {
		t.Fatalf("missing: %v", err)
	}
	if len(missing) != 2 || missing[0] != "ghost" || missing[1] != "phantom" {
		t.Fatalf("missing = %v", missing)
	}

	if err := store.DeleteDocument(ctx, doc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteDocument(ctx, doc.ID); !errors.Is(err, shared.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if _, err := store.GetDocument(ctx, doc.ID); !errors.Is(err, shared.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestRunRetention_PurgesOldTerminalJobs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := createJob(t, store, "old")
	_ = store.MarkRunning(ctx, old.ID)
	_ = store.CompleteJob(ctx, old.ID, persistence.Usage{})
	if _, err := store.AppendUpdate(ctx, old.ID, persistence.UpdateResult, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	active := createJob(t, store, "active")
	_ = store.MarkRunning(ctx, active.ID)

	if res, err := store.RunRetention(ctx, 0); err != nil || res.PurgedJobs != 0 {
		t.Fatalf("disabled retention: %+v %v", res, err)
	}

	time.Sleep(20 * time.Millisecond)
	res, err := store.RunRetention(ctx, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.PurgedJobs != 1 {
		t.Fatalf("purged = %d, want 1", res.PurgedJobs)
	}
	if _, err := store.GetJob(ctx, old.ID); !errors.Is(err, shared.ErrJobNotFound) {
		t.Fatalf("old job should be gone, got %v", err)
	}
	updates, _ := store.ListUpdates(ctx, old.ID)
	if len(updates) != 0 {
		t.Fatalf("updates should cascade, got %d", len(updates))
	}
	if _, err := store.GetJob(ctx, active.ID); err != nil {
		t.Fatalf("running job purged: %v", err)
	}
}

func TestBackup_SnapshotReopens(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	job := createJob(t, store, "deep sea mining")
	if err := store.MarkRunning(ctx, job.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := store.AppendUpdate(ctx, job.ID, persistence.UpdateThinking, json.RawMessage(`{"text":"planning"}`)); err != nil {
		t.Fatalf("append update: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "backups", "snapshot.db")
	if err := store.Backup(ctx, dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := store.Backup(ctx, dest); err == nil {
		t.Fatal("backup over an existing file should fail")
	}

	restored, err := persistence.Open(dest)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer restored.Close()
	got, err := restored.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job from snapshot: %v", err)
	}
	if got.Status != persistence.JobRunning || got.Query != "deep sea mining" {
		t.Fatalf("snapshot job = %+v", got)
	}
	updates, err := restored.ListUpdates(ctx, job.ID)
	if err != nil || len(updates) != 1 {
		t.Fatalf("snapshot updates = %v, %v", updates, err)
	}
}
