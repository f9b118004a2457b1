package research_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/deep-research/internal/engine"
	"github.com/basket/deep-research/internal/gate"
	"github.com/basket/deep-research/internal/persistence"
	"github.com/basket/deep-research/internal/research"
	"github.com/basket/deep-research/internal/shared"
)

type harness struct {
	store *persistence.Store
	gate  *gate.Gate
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "deepresearch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return &harness{store: store, gate: gate.New(2)}
}

// start creates a pending job and admits it through the gate.
func (h *harness) start(t *testing.T, query string) (context.Context, *persistence.Job) {
	t.Helper()
	job := &persistence.Job{Query: query, Model: "test-model"}
	if err := h.store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	ctx, err := h.gate.Acquire(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	return ctx, job
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestRun_DemoScriptCompletesJob(t *testing.T) {
	h := newHarness(t)
	eng := engine.NewScriptedEngine(engine.DemoScript("solar storage")...)
	orch := research.New(h.store, h.gate, eng, research.Config{Model: "test-model", MaxTurns: 10})

	ctx, job := h.start(t, "solar storage")
	var updates []research.Update
	if err := orch.Run(ctx, job.ID, job.Query, job.Options, func(u research.Update) {
		updates = append(updates, u)
	}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(updates) != 7 {
		t.Fatalf("got %d updates, want 6 messages + final status", len(updates))
	}
	last := 0
	for i, u := range updates {
		if u.Progress < last {
			t.Fatalf("update %d progress %d decreased from %d", i, u.Progress, last)
		}
		last = u.Progress
		if i < len(updates)-1 && u.Progress >= 100 {
			t.Fatalf("update %d progress %d, want < 100 before the end", i, u.Progress)
		}
	}
	final := updates[len(updates)-1]
	if final.Kind != persistence.UpdateStatus || final.Progress != 100 {
		t.Fatalf("final update = %s/%d, want status/100", final.Kind, final.Progress)
	}

	got, err := h.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != persistence.JobCompleted || got.CompletedAt == nil {
		t.Fatalf("job = %s completed_at=%v", got.Status, got.CompletedAt)
	}

	stored, err := h.store.ListUpdates(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("list updates: %v", err)
	}
	if len(stored) != 7 {
		t.Fatalf("persisted %d updates, want 7", len(stored))
	}
	wantKinds := []persistence.UpdateKind{
		persistence.UpdateThinking,
		persistence.UpdateToolUse,
		persistence.UpdateToolResult,
		persistence.UpdateToolUse,
		persistence.UpdateToolResult,
		persistence.UpdateResult,
		persistence.UpdateStatus,
	}
	for i, want := range wantKinds {
		if stored[i].Kind != want {
			t.Fatalf("update %d kind = %s, want %s", i, stored[i].Kind, want)
		}
	}

	if n, _ := h.store.CountSources(context.Background(), job.ID); n != 1 {
		t.Fatalf("sources = %d, want 1", n)
	}
	rep, err := h.store.GetReport(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if rep.Title != "solar storage" || rep.WordCount != 3 {
		t.Fatalf("report = %+v", rep)
	}
	if h.gate.Active() != 0 {
		t.Fatalf("gate still holds %d slots", h.gate.Active())
	}
}

func TestRun_SearchHitsBecomeSources(t *testing.T) {
	h := newHarness(t)
	hits := rawJSON(t, map[string]any{"results": []map[string]any{
		{"title": "r1", "url": "https://a.example/1", "score": 0.5},
		{"title": "r2", "url": "https://a.example/2"},
		{"title": "r3", "url": "https://b.example/3", "publishedDate": "2025-01-02"},
	}})
	eng := engine.NewScriptedEngine(
		engine.Message{Kind: engine.KindToolResult, ToolName: "web_search", ToolUseID: "t1", Output: hits},
		engine.Message{Kind: engine.KindResult, Text: "done"},
	)
	orch := research.New(h.store, h.gate, eng, research.Config{})
	ctx, job := h.start(t, "q")
	if err := orch.Run(ctx, job.ID, job.Query, job.Options, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	sources, err := h.store.ListSources(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	if len(sources) != 3 {
		t.Fatalf("sources = %d, want 3", len(sources))
	}
	for _, s := range sources {
		if s.Type != persistence.SourceWeb {
			t.Fatalf("source type = %s", s.Type)
		}
	}
	if sources[0].Relevance == nil || *sources[0].Relevance != 0.5 {
		t.Fatalf("first relevance = %v", sources[0].Relevance)
	}
	if sources[1].Relevance != nil {
		t.Fatalf("unscored hit got relevance %v", *sources[1].Relevance)
	}
}

func TestRun_SecondReportOverwritesFirst(t *testing.T) {
	h := newHarness(t)
	report := func(body string) engine.Message {
		return engine.Message{
			Kind:     engine.KindToolResult,
			ToolName: "report_writer",
			Output: rawJSON(t, map[string]any{
				"markdown": body,
				"metadata": map[string]any{"title": "T"},
				"stats":    map[string]any{"wordCount": len(strings.Fields(body))},
			}),
		}
	}
	eng := engine.NewScriptedEngine(report("first draft"), report("final version of the text"))
	orch := research.New(h.store, h.gate, eng, research.Config{})
	ctx, job := h.start(t, "q")
	if err := orch.Run(ctx, job.ID, job.Query, job.Options, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	reports, total, err := h.store.ListReports(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("list reports: %v", err)
	}
	if total != 1 || len(reports) != 1 {
		t.Fatalf("reports = %d (total %d), want exactly 1", len(reports), total)
	}
	rep, err := h.store.GetReport(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if rep.Content != "final version of the text" || rep.WordCount != 5 {
		t.Fatalf("report = %q (%d words)", rep.Content, rep.WordCount)
	}
}

func TestRun_DispatchesOnToolNameNotShape(t *testing.T) {
	h := newHarness(t)
	// A document_reader result that happens to carry a results list is not
	// search output.
	eng := engine.NewScriptedEngine(
		engine.Message{Kind: engine.KindToolResult, ToolName: "document_reader",
			Output: rawJSON(t, map[string]any{"results": []map[string]any{{"title": "x"}}})},
		engine.Message{Kind: engine.KindToolResult, ToolName: "web_search", IsError: true,
			Output: rawJSON(t, map[string]any{"results": []map[string]any{{"title": "y"}}})},
	)
	orch := research.New(h.store, h.gate, eng, research.Config{})
	ctx, job := h.start(t, "q")
	if err := orch.Run(ctx, job.ID, job.Query, job.Options, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n, _ := h.store.CountSources(context.Background(), job.ID); n != 0 {
		t.Fatalf("sources = %d, want 0", n)
	}
}

func TestRun_MalformedToolResultIsSkipped(t *testing.T) {
	h := newHarness(t)
	eng := engine.NewScriptedEngine(
		engine.Message{Kind: engine.KindToolResult, ToolName: "web_search", Output: json.RawMessage(`{"results": "nope"}`)},
		engine.Message{Kind: engine.KindToolResult, ToolName: "report_writer", Output: json.RawMessage(`{"metadata": {}}`)},
		engine.Message{Kind: engine.KindResult, Text: "done"},
	)
	orch := research.New(h.store, h.gate, eng, research.Config{})
	ctx, job := h.start(t, "q")
	if err := orch.Run(ctx, job.ID, job.Query, job.Options, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.store.GetJob(context.Background(), job.ID)
	if got.Status != persistence.JobCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if _, err := h.store.GetReport(context.Background(), job.ID); err == nil {
		t.Fatal("report stored from a payload without markdown")
	}
	updates, _ := h.store.ListUpdates(context.Background(), job.ID)
	if len(updates) != 4 {
		t.Fatalf("updates = %d, want 4", len(updates))
	}
}

func TestRun_ProgressCappedBelowHundred(t *testing.T) {
	h := newHarness(t)
	msgs := make([]engine.Message, 4)
	for i := range msgs {
		msgs[i] = engine.Message{Kind: engine.KindThinking, Text: "hmm"}
	}
	orch := research.New(h.store, h.gate, engine.NewScriptedEngine(msgs...), research.Config{MaxTurns: 2})
	ctx, job := h.start(t, "q")

	var progress []int
	if err := orch.Run(ctx, job.ID, job.Query, job.Options, func(u research.Update) {
		progress = append(progress, u.Progress)
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []int{50, 99, 99, 99, 100}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress = %v, want %v", progress, want)
		}
	}
}

func TestRun_EngineErrorFailsJob(t *testing.T) {
	h := newHarness(t)
	eng := engine.NewScriptedEngine(engine.Message{Kind: engine.KindThinking, Text: "start"})
	eng.Err = &engine.Error{Class: engine.ErrorClassRateLimit, Err: errors.New("429 too many requests")}
	orch := research.New(h.store, h.gate, eng, research.Config{})
	ctx, job := h.start(t, "q")

	var updates []research.Update
	err := orch.Run(ctx, job.ID, job.Query, job.Options, func(u research.Update) { updates = append(updates, u) })
	if !errors.Is(err, shared.ErrEngineFailure) {
		t.Fatalf("err = %v, want ErrEngineFailure", err)
	}

	got, _ := h.store.GetJob(context.Background(), job.ID)
	if got.Status != persistence.JobFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "429") || !strings.Contains(got.Error, "RATE_LIMIT") {
		t.Fatalf("job error = %q", got.Error)
	}
	last := updates[len(updates)-1]
	if last.Kind != persistence.UpdateError {
		t.Fatalf("last update kind = %s, want error", last.Kind)
	}
	for _, u := range updates {
		if u.Kind == persistence.UpdateStatus && u.Progress == 100 {
			t.Fatal("failed run emitted a completion status")
		}
	}
	if h.gate.Active() != 0 {
		t.Fatal("gate slot not released after failure")
	}
}

func TestRun_CancelStopsBeforeNextMessage(t *testing.T) {
	h := newHarness(t)
	msgs := []engine.Message{
		{Kind: engine.KindThinking, Text: "one"},
		{Kind: engine.KindThinking, Text: "two"},
		{Kind: engine.KindThinking, Text: "three"},
	}
	orch := research.New(h.store, h.gate, engine.NewScriptedEngine(msgs...), research.Config{})
	ctx, job := h.start(t, "q")

	var updates []research.Update
	err := orch.Run(ctx, job.ID, job.Query, job.Options, func(u research.Update) {
		updates = append(updates, u)
		if len(updates) == 1 {
			if !h.gate.RequestCancel(job.ID) {
				t.Error("RequestCancel returned false for a running job")
			}
		}
	})
	if !errors.Is(err, shared.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if len(updates) != 2 {
		t.Fatalf("updates = %d, want the first message and one error", len(updates))
	}
	if updates[1].Kind != persistence.UpdateError {
		t.Fatalf("terminal update kind = %s", updates[1].Kind)
	}

	got, _ := h.store.GetJob(context.Background(), job.ID)
	if got.Status != persistence.JobCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if h.gate.RequestCancel(job.ID) {
		t.Fatal("RequestCancel after the run should be a no-op")
	}
}

func TestRun_PassesBriefAndLimitsToEngine(t *testing.T) {
	h := newHarness(t)
	eng := engine.NewScriptedEngine()
	orch := research.New(h.store, h.gate, eng, research.Config{Model: "m1", MaxTurns: 12, MaxBudget: 1.5})
	ctx, job := h.start(t, "battery chemistry")
	opts := persistence.JobOptions{SearchDepth: "advanced", IncludeDocuments: []string{"doc-1"}, MaxBudget: 0.75}
	if err := orch.Run(ctx, job.ID, job.Query, opts, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	reqs := eng.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	req := reqs[0]
	if req.Model != "m1" || req.MaxTurns != 12 || req.MaxBudgetUSD != 0.75 {
		t.Fatalf("request limits = %+v", req)
	}
	if len(req.Tools) != 3 {
		t.Fatalf("tools = %v", req.Tools)
	}
	for _, want := range []string{"battery chemistry", "$0.75", "advanced", "doc-1"} {
		if !strings.Contains(req.Prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, req.Prompt)
		}
	}
	if !strings.Contains(req.SystemPrompt, "report_writer") {
		t.Fatal("system prompt does not describe report_writer")
	}
}

func TestRun_RequestedModelOverridesDefault(t *testing.T) {
	h := newHarness(t)
	eng := engine.NewScriptedEngine()
	orch := research.New(h.store, h.gate, eng, research.Config{Model: "daemon-default"})
	ctx, job := h.start(t, "grid inertia")
	job.Options.Model = job.Model
	if err := orch.Run(ctx, job.ID, job.Query, job.Options, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	reqs := eng.Requests()
	if len(reqs) != 1 || reqs[0].Model != job.Model {
		t.Fatalf("requests = %+v, want model %q", reqs, job.Model)
	}
}

func TestRun_UnknownJobReleasesSlot(t *testing.T) {
	h := newHarness(t)
	orch := research.New(h.store, h.gate, engine.NewScriptedEngine(), research.Config{})
	ctx, err := h.gate.Acquire(context.Background(), "missing")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	err = orch.Run(ctx, "missing", "q", persistence.JobOptions{}, nil)
	if !errors.Is(err, shared.ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
	if h.gate.Active() != 0 {
		t.Fatal("slot leaked")
	}
}
