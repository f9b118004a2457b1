package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/deep-research/internal/bus"
	"github.com/basket/deep-research/internal/document"
	"github.com/basket/deep-research/internal/gate"
	"github.com/basket/deep-research/internal/otel"
	"github.com/basket/deep-research/internal/persistence"
	"github.com/basket/deep-research/internal/report"
	"github.com/basket/deep-research/internal/research"
	"github.com/basket/deep-research/internal/shared"
)

// Runner drives the searching stage. *research.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, jobID, query string, opts persistence.JobOptions, emit func(research.Update)) error
}

// Deps are the collaborators shared by every tracker.
type Deps struct {
	Store     *persistence.Store
	Gate      *gate.Gate
	Bus       *bus.Bus
	Research  Runner
	Assembler *report.Assembler
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *otel.Metrics
}

func (d *Deps) withDefaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tracer == nil {
		d.Tracer = nooptrace.NewTracerProvider().Tracer("workflow")
	}
	if d.Metrics == nil {
		d.Metrics = otel.Discard()
	}
	if d.Assembler == nil {
		d.Assembler = report.NewAssembler()
	}
	if d.Bus == nil {
		d.Bus = bus.New()
	}
}

// Tracker runs the stages of one job and publishes its progress on the bus.
// Each tracker is executed once.
type Tracker struct {
	jobID  string
	query  string
	opts   persistence.JobOptions
	deps   *Deps
	logger *slog.Logger

	mu         sync.RWMutex
	stage      Stage
	progress   int
	resultText string
	err        error

	done    chan struct{}
	actions map[Stage]func(context.Context) error
}

func NewTracker(jobID, query string, opts persistence.JobOptions, deps *Deps) *Tracker {
	deps.withDefaults()
	t := &Tracker{
		jobID:  jobID,
		query:  query,
		opts:   opts,
		deps:   deps,
		logger: deps.Logger.With("component", "workflow", "job_id", jobID),
		stage:  StageInitializing,
		done:   make(chan struct{}),
	}
	t.actions = map[Stage]func(context.Context) error{
		StageInitializing:       t.initialize,
		StagePlanning:           t.plan,
		StageSearching:          t.search,
		StageAnalyzingDocuments: t.analyzeDocuments,
		StageSynthesizing:       t.synthesize,
		StageGeneratingReport:   t.generateReport,
	}
	return t
}

func (t *Tracker) JobID() string { return t.jobID }

// Stage returns the stage the job is in.
func (t *Tracker) Stage() Stage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stage
}

// Progress returns the last coarse percentage published.
func (t *Tracker) Progress() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

// Done is closed when Execute returns.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Err returns the error Execute returned, once Done is closed.
func (t *Tracker) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Execute runs every stage in order. ctx must come from gate.Acquire for the
// job. Cancellation is checked before each stage; a cancelled run publishes a
// single cancelled status and returns shared.ErrCancelled.
func (t *Tracker) Execute(ctx context.Context) error {
	defer close(t.done)
	err := t.execute(ctx)
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	return err
}

func (t *Tracker) execute(ctx context.Context) error {
	for _, s := range stages {
		if gate.IsCancelled(ctx) || t.deps.Gate.Cancelled(t.jobID) {
			t.cancelled(ctx)
			return shared.ErrCancelled
		}
		if ctx.Err() != nil {
			err := context.Cause(ctx)
			t.failed(ctx, err)
			return err
		}

		progress := Progress(s.stage)
		t.set(s.stage, progress)
		t.publish(bus.TypeProgress, bus.ProgressPayload{
			SessionID: t.jobID,
			Stage:     string(s.stage),
			Progress:  progress,
			Message:   s.message,
		})

		stageCtx, span := otel.StartSpan(ctx, t.deps.Tracer, "workflow.stage",
			otel.AttrJobID.String(t.jobID), otel.AttrStage.String(string(s.stage)))
		err := t.actions[s.stage](stageCtx)
		otel.EndSpan(span, err)
		if err != nil {
			if errors.Is(err, shared.ErrCancelled) {
				t.cancelled(ctx)
				return err
			}
			t.failed(ctx, err)
			return err
		}

		if s.stage == StageSearching {
			// The search run has finished the job and released its slot,
			// which ends ctx. The remaining stages only enrich stored results.
			ctx = context.WithoutCancel(ctx)
		}
	}

	t.set(StageCompleted, 100)
	t.publish(bus.TypeStatus, bus.StatusPayload{
		SessionID: t.jobID,
		Status:    string(persistence.JobCompleted),
		Progress:  100,
		Message:   "Research completed",
	})
	t.logger.Info("workflow completed")
	return nil
}

func (t *Tracker) set(stage Stage, progress int) {
	t.mu.Lock()
	t.stage = stage
	t.progress = progress
	t.mu.Unlock()
}

func (t *Tracker) publish(eventType string, data any) {
	t.deps.Bus.Publish(t.jobID, bus.NewEvent(eventType, data))
}

func (t *Tracker) cancelled(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := t.deps.Store.CancelJob(ctx, t.jobID); err != nil && !errors.Is(err, shared.ErrInvalidState) {
		t.logger.Error("persist cancellation failed", "error", err)
	}
	t.set(StageCancelled, 100)
	t.publish(bus.TypeStatus, bus.StatusPayload{
		SessionID: t.jobID,
		Status:    string(persistence.JobCancelled),
		Progress:  100,
		Message:   "Research cancelled",
	})
	t.logger.Info("workflow cancelled")
}

// failed records err and publishes it with the last known progress. A job
// already failed by the searching stage keeps its original error.
func (t *Tracker) failed(ctx context.Context, err error) {
	ctx = context.WithoutCancel(ctx)
	if ferr := t.deps.Store.FailJob(ctx, t.jobID, err.Error()); ferr != nil && !errors.Is(ferr, shared.ErrInvalidState) {
		t.logger.Error("persist failure failed", "error", ferr)
	}
	progress := t.Progress()
	t.set(StageFailed, progress)
	t.publish(bus.TypeError, bus.ErrorPayload{
		SessionID: t.jobID,
		Error:     err.Error(),
		Progress:  progress,
	})
	t.logger.Error("workflow failed", "error", err, "progress", progress)
}

// note appends a status update for a stage and forwards it to subscribers.
func (t *Tracker) note(ctx context.Context, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		t.logger.Warn("encode stage note failed", "error", err)
		return
	}
	u, err := t.deps.Store.AppendUpdate(ctx, t.jobID, persistence.UpdateStatus, data)
	if err != nil {
		t.logger.Warn("persist stage note failed", "error", err)
		return
	}
	t.publish(bus.TypeAgentUpdate, research.Update{Update: *u, Progress: t.Progress()})
}

func (t *Tracker) initialize(ctx context.Context) error {
	if _, err := t.deps.Store.GetJob(ctx, t.jobID); err != nil {
		return err
	}
	if len(t.opts.IncludeDocuments) == 0 {
		return nil
	}
	missing, err := t.deps.Store.MissingDocuments(ctx, t.opts.IncludeDocuments)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("documents %s: %w", strings.Join(missing, ", "), shared.ErrDocumentNotFound)
	}
	return nil
}

func (t *Tracker) plan(ctx context.Context) error {
	depth := t.opts.SearchDepth
	if depth == "" {
		depth = "basic"
	}
	t.note(ctx, map[string]any{
		"stage":       string(StagePlanning),
		"searchDepth": depth,
		"maxBudget":   t.opts.MaxBudget,
		"documents":   len(t.opts.IncludeDocuments),
	})
	return nil
}

func (t *Tracker) search(ctx context.Context) error {
	return t.deps.Research.Run(ctx, t.jobID, t.query, t.opts, func(u research.Update) {
		if u.Kind == persistence.UpdateResult {
			var msg struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(u.Payload, &msg) == nil && msg.Text != "" {
				t.mu.Lock()
				t.resultText = msg.Text
				t.mu.Unlock()
			}
		}
		t.publish(bus.TypeAgentUpdate, u)
	})
}

// analyzeDocuments records one document source per attached document with
// its chunk layout. Unreadable documents are logged and skipped.
func (t *Tracker) analyzeDocuments(ctx context.Context) error {
	if len(t.opts.IncludeDocuments) == 0 {
		return nil
	}
	var sources []persistence.Source
	for _, id := range t.opts.IncludeDocuments {
		doc, err := t.deps.Store.GetDocument(ctx, id)
		if err != nil {
			t.logger.Warn("skip document", "document_id", id, "error", err)
			continue
		}
		chunks := document.ChunkText(doc.ExtractedText, document.DefaultMaxChunkSize, document.DefaultOverlapSize)
		sources = append(sources, persistence.Source{
			Type:    persistence.SourceDocument,
			URL:     "document://" + doc.ID,
			Title:   doc.OriginalName,
			Snippet: fmt.Sprintf("%d chunks, %d words, %d characters", len(chunks), doc.WordCount, len([]rune(doc.ExtractedText))),
		})
	}
	if len(sources) == 0 {
		return nil
	}
	if err := t.deps.Store.CreateSources(ctx, t.jobID, sources); err != nil {
		t.logger.Warn("persist document sources failed", "error", err)
		return nil
	}
	t.deps.Metrics.SourcesCollected.Add(ctx, int64(len(sources)))
	return nil
}

func (t *Tracker) synthesize(ctx context.Context) error {
	sources, err := t.deps.Store.ListSources(ctx, t.jobID)
	if err != nil {
		t.logger.Warn("list sources failed", "error", err)
		return nil
	}
	hosts := map[string]struct{}{}
	byType := map[string]int{}
	for _, s := range sources {
		byType[string(s.Type)]++
		if u, err := url.Parse(s.URL); err == nil && u.Host != "" {
			hosts[strings.ToLower(u.Host)] = struct{}{}
		}
	}
	t.note(ctx, map[string]any{
		"stage":         string(StageSynthesizing),
		"sources":       len(sources),
		"distinctHosts": len(hosts),
		"byType":        byType,
	})
	return nil
}

// generateReport assembles a fallback report from the final answer and the
// collected sources when the engine never called report_writer.
func (t *Tracker) generateReport(ctx context.Context) error {
	if _, err := t.deps.Store.GetReport(ctx, t.jobID); err == nil {
		return nil
	} else if !errors.Is(err, shared.ErrJobNotFound) {
		t.logger.Warn("load report failed", "error", err)
		return nil
	}

	sources, err := t.deps.Store.ListSources(ctx, t.jobID)
	if err != nil {
		t.logger.Warn("list sources failed", "error", err)
	}
	t.mu.RLock()
	summary := t.resultText
	t.mu.RUnlock()
	if strings.TrimSpace(summary) == "" {
		summary = "The research run finished without a written summary."
	}

	data := report.Data{
		Title:    t.query,
		Sections: []report.Section{{Heading: "Summary", Content: report.Blockquote(report.Escape(t.query)) + "\n\n" + summary}},
		Metadata: &report.Metadata{Query: t.query},
	}
	hosts := map[string]bool{}
	var hostList []string
	var rows [][]string
	for i, s := range sources {
		title := s.Title
		if title == "" {
			title = s.URL
		}
		rows = append(rows, []string{fmt.Sprint(i + 1), report.Escape(title), string(s.Type), s.URL})
		if s.Type != persistence.SourceWeb || s.URL == "" {
			continue
		}
		data.Citations = append(data.Citations, report.Citation{Title: title, URL: s.URL})
		if u, err := url.Parse(s.URL); err == nil && u.Host != "" && !hosts[u.Host] {
			hosts[u.Host] = true
			hostList = append(hostList, u.Host)
		}
	}
	if len(rows) > 0 {
		if table, err := report.Table([]string{"#", "Source", "Type", "URL"}, rows, report.AlignRight); err == nil {
			data.Sections = append(data.Sections, report.Section{Heading: "Sources", Content: table})
		}
	}
	if len(hostList) > 0 {
		data.Sections = append(data.Sections, report.Section{Heading: "Domains Consulted", Content: report.List(hostList, false)})
	}
	if settings, err := json.MarshalIndent(t.opts, "", "  "); err == nil {
		data.Sections = append(data.Sections, report.Section{Heading: "Run Settings", Content: report.CodeBlock(string(settings), "json")})
	}
	res := t.deps.Assembler.Generate(data, report.Options{
		IncludeTOC:      true,
		IncludeMetadata: true,
		IncludeStats:    true,
		CitationFormat:  report.CitationNumbered,
	})
	rep := &persistence.Report{
		JobID:     t.jobID,
		Title:     t.query,
		Content:   res.Markdown,
		Format:    "markdown",
		WordCount: res.Stats.WordCount,
	}
	if err := t.deps.Store.UpsertReport(ctx, rep); err != nil {
		t.logger.Warn("persist fallback report failed", "error", err)
		return nil
	}
	t.logger.Info("fallback report generated", "words", rep.WordCount, "citations", len(data.Citations))
	return nil
}
