package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/deep-research/internal/persistence"
)

func TestRecoverAndReport(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "drill.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	job := &persistence.Job{Query: "left running", Model: "scripted"}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkRunning(ctx, job.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	var out bytes.Buffer
	ok, err := recoverAndReport(ctx, store, &out)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !ok {
		t.Fatalf("recovery left live jobs:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "RECOVERED=1") || !strings.Contains(out.String(), "status=failed") {
		t.Fatalf("output = %q", out.String())
	}
}
