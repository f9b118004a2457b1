// Command interrupted_recovery checks that jobs left running by a killed
// daemon are failed on the next start. Run "prepare", then "start-sleep"
// and SIGKILL it, then "recover".
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/deep-research/internal/persistence"
)

func main() {
	mode := flag.String("mode", "", "prepare|start-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		job := &persistence.Job{Query: "interrupted recovery drill", Model: "scripted"}
		if err := store.CreateJob(ctx, job); err != nil {
			fmt.Fprintf(os.Stderr, "create job: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_JOB_ID=%s\n", job.ID)
	case "start-sleep":
		jobs, _, err := store.ListJobs(ctx, string(persistence.JobPending), 1, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list pending jobs: %v\n", err)
			os.Exit(1)
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "no pending job")
			os.Exit(1)
		}
		if err := store.MarkRunning(ctx, jobs[0].ID); err != nil {
			fmt.Fprintf(os.Stderr, "mark running: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RUNNING_JOB_ID=%s\n", jobs[0].ID)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		ok, err := recoverAndReport(ctx, store, os.Stdout)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if !ok {
			fmt.Println("VERDICT FAIL: jobs still pending or running after recovery")
			os.Exit(1)
		}
		fmt.Println("VERDICT PASS")
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}

// recoverAndReport runs startup recovery and prints every job. It reports
// false when a job is still pending or running afterwards.
func recoverAndReport(ctx context.Context, store *persistence.Store, out io.Writer) (bool, error) {
	recovered, err := store.RecoverInterrupted(ctx)
	if err != nil {
		return false, fmt.Errorf("recover interrupted jobs: %w", err)
	}
	jobs, _, err := store.ListJobs(ctx, "", 100, 0)
	if err != nil {
		return false, fmt.Errorf("list jobs: %w", err)
	}
	fmt.Fprintf(out, "RECOVERED=%d\n", recovered)
	pass := true
	for _, job := range jobs {
		fmt.Fprintf(out, "JOB_STATUS id=%s status=%s error=%q\n", job.ID, job.Status, job.Error)
		if !job.Status.Terminal() {
			pass = false
		}
	}
	return pass, nil
}
