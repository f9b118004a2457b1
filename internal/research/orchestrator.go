// Package research drives one research job through the reasoning engine:
// every engine message is classified, persisted and re-emitted as an Update,
// and the sources and report produced by tool calls are stored with the job.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/deep-research/internal/engine"
	"github.com/basket/deep-research/internal/gate"
	"github.com/basket/deep-research/internal/otel"
	"github.com/basket/deep-research/internal/persistence"
	"github.com/basket/deep-research/internal/shared"
	"github.com/basket/deep-research/internal/tools"
)

// Defaults applied when Config leaves a field unset.
const (
	DefaultMaxTurns  = engine.DefaultMaxTurns
	DefaultMaxBudget = 3.0
)

// Update is one processed engine message as seen by subscribers: the
// persisted record plus the coarse progress of the run.
type Update struct {
	persistence.Update
	Progress int `json:"progress"`
}

// Config holds the per-daemon engine limits.
type Config struct {
	Model     string
	MaxTurns  int
	MaxBudget float64
	// Tools is the allow-list passed to the engine. Nil means every tool.
	Tools []string
}

// Orchestrator runs research jobs. One Orchestrator serves every job; the
// state of a run lives on the Run call's stack.
type Orchestrator struct {
	store   *persistence.Store
	gate    *gate.Gate
	engine  engine.Engine
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

func WithMetrics(m *otel.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

func New(store *persistence.Store, g *gate.Gate, eng engine.Engine, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.MaxBudget <= 0 {
		cfg.MaxBudget = DefaultMaxBudget
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.Names()
	}
	o := &Orchestrator{
		store:   store,
		gate:    g,
		engine:  eng,
		cfg:     cfg,
		logger:  slog.Default(),
		tracer:  nooptrace.NewTracerProvider().Tracer("research"),
		metrics: otel.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "research")
	return o
}

// Engine returns the engine the orchestrator drives.
func (o *Orchestrator) Engine() engine.Engine { return o.engine }

// kindOf maps an engine message kind to the persisted update kind.
var kindOf = map[engine.Kind]persistence.UpdateKind{
	engine.KindAssistant:  persistence.UpdateStatus,
	engine.KindThinking:   persistence.UpdateThinking,
	engine.KindToolUse:    persistence.UpdateToolUse,
	engine.KindToolResult: persistence.UpdateToolResult,
	engine.KindResult:     persistence.UpdateResult,
	engine.KindError:      persistence.UpdateError,
}

type run struct {
	jobID    string
	maxTurns int
	consumed int
	usage    *engine.Usage
	progress int
}

// Run drives job jobID to a terminal state. ctx must carry the job's
// cancellation signal, as returned by gate.Acquire. emit receives one Update
// per engine message plus a final status Update on success; it may be nil.
// The job's gate slot is released before Run returns, whatever the outcome.
func (o *Orchestrator) Run(ctx context.Context, jobID, query string, opts persistence.JobOptions, emit func(Update)) (err error) {
	defer o.gate.Release(jobID)
	if emit == nil {
		emit = func(Update) {}
	}

	ctx = shared.WithJobID(ctx, jobID)
	ctx = tools.WithJobQuery(ctx, query)
	ctx, span := otel.StartSpan(ctx, o.tracer, "research.run", otel.AttrJobID.String(jobID))
	defer func() { otel.EndSpan(span, err) }()

	started := time.Now()
	logger := o.logger.With("job_id", jobID, "trace_id", shared.TraceID(ctx))

	if err := o.store.MarkRunning(ctx, jobID); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	logger.Info("research started", "engine", o.engine.Name())

	r := &run{jobID: jobID, maxTurns: o.maxTurns(opts)}
	brief := BuildBrief(query, opts)
	req := engine.Request{
		SystemPrompt: brief.System,
		Prompt:       brief.User,
		Tools:        o.cfg.Tools,
		Model:        o.model(opts),
		MaxTurns:     r.maxTurns,
		MaxBudgetUSD: o.maxBudget(opts),
	}

	runErr := o.engine.Run(ctx, req, func(msg engine.Message) error {
		if o.cancelled(ctx, jobID) {
			return shared.ErrCancelled
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		emit(o.process(ctx, logger, r, msg))
		return nil
	})

	// Terminal writes must land even when ctx has been cancelled.
	final := context.WithoutCancel(ctx)
	o.metrics.JobDuration.Record(final, time.Since(started).Seconds())

	if runErr == nil && o.cancelled(ctx, jobID) {
		runErr = shared.ErrCancelled
	}
	if runErr != nil {
		return o.finishWithError(final, logger, r, runErr, emit)
	}

	usage := persistence.Usage{}
	if r.usage != nil {
		usage.TotalCostUSD = r.usage.CostUSD
		usage.TotalTokens = r.usage.TotalTokens
	}
	if err := o.store.CompleteJob(final, jobID, usage); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	emit(o.record(final, logger, jobID, persistence.UpdateStatus, 100, map[string]any{
		"status":   string(persistence.JobCompleted),
		"progress": 100,
		"message":  "Research completed",
	}))
	logger.Info("research completed",
		"messages", r.consumed,
		"cost_usd", usage.TotalCostUSD,
		"tokens", usage.TotalTokens,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

// model prefers the model the job was started with over the daemon default.
func (o *Orchestrator) model(opts persistence.JobOptions) string {
	if m := strings.TrimSpace(opts.Model); m != "" {
		return m
	}
	return o.cfg.Model
}

func (o *Orchestrator) maxTurns(opts persistence.JobOptions) int {
	if opts.MaxTurns > 0 {
		return opts.MaxTurns
	}
	return o.cfg.MaxTurns
}

func (o *Orchestrator) maxBudget(opts persistence.JobOptions) float64 {
	if opts.MaxBudget > 0 {
		return opts.MaxBudget
	}
	return o.cfg.MaxBudget
}

func (o *Orchestrator) cancelled(ctx context.Context, jobID string) bool {
	return gate.IsCancelled(ctx) || o.gate.Cancelled(jobID)
}

// process persists one engine message and stores the artifacts carried by
// tool results. Persistence problems are logged; the message is still emitted.
func (o *Orchestrator) process(ctx context.Context, logger *slog.Logger, r *run, msg engine.Message) Update {
	r.consumed++
	r.progress = coarseProgress(r.consumed, r.maxTurns)
	if msg.Usage != nil {
		r.usage = msg.Usage
	}

	kind, ok := kindOf[msg.Kind]
	if !ok {
		logger.Warn("unknown engine message kind; recording as status", "kind", msg.Kind)
		kind = persistence.UpdateStatus
	}
	u := o.record(ctx, logger, r.jobID, kind, r.progress, msg)

	if msg.Kind == engine.KindToolResult && !msg.IsError {
		o.storeArtifacts(ctx, logger, r.jobID, msg)
	}
	return u
}

// record appends an update and returns it with progress attached. When the
// write fails the update is still returned, without a sequence number.
func (o *Orchestrator) record(ctx context.Context, logger *slog.Logger, jobID string, kind persistence.UpdateKind, progress int, payload any) Update {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("encode update payload failed", "kind", kind, "error", err)
		data = json.RawMessage(`{}`)
	}
	stored, err := o.store.AppendUpdate(ctx, jobID, kind, data)
	if err != nil {
		logger.Warn("persist update failed", "kind", kind, "error", err)
		return Update{
			Update:   persistence.Update{JobID: jobID, Kind: kind, Payload: data, CreatedAt: time.Now().UTC()},
			Progress: progress,
		}
	}
	return Update{Update: *stored, Progress: progress}
}

// coarseProgress is consumed/maxTurns as a percentage, held below 100 until
// the run finishes.
func coarseProgress(consumed, maxTurns int) int {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	p := int(math.Round(float64(consumed) / float64(maxTurns) * 100))
	return min(p, 99)
}

func (o *Orchestrator) finishWithError(ctx context.Context, logger *slog.Logger, r *run, runErr error, emit func(Update)) error {
	if errors.Is(runErr, shared.ErrCancelled) || o.cancelled(ctx, r.jobID) {
		if err := o.store.CancelJob(ctx, r.jobID); err != nil {
			logger.Error("mark cancelled failed", "error", err)
		}
		emit(o.record(ctx, logger, r.jobID, persistence.UpdateError, r.progress, map[string]any{
			"error":    shared.ErrCancelled.Error(),
			"status":   string(persistence.JobCancelled),
			"progress": r.progress,
		}))
		logger.Info("research cancelled", "messages", r.consumed)
		if !errors.Is(runErr, shared.ErrCancelled) {
			runErr = fmt.Errorf("%w: %w", shared.ErrCancelled, runErr)
		}
		return runErr
	}

	msg := runErr.Error()
	if class := engine.ClassOf(runErr); class != engine.ErrorClassUnknown {
		msg = fmt.Sprintf("%s (%s)", msg, class)
	}
	if err := o.store.FailJob(ctx, r.jobID, msg); err != nil {
		logger.Error("mark failed failed", "error", err)
	}
	emit(o.record(ctx, logger, r.jobID, persistence.UpdateError, r.progress, map[string]any{
		"error":    msg,
		"status":   string(persistence.JobFailed),
		"progress": r.progress,
	}))
	logger.Error("research failed", "error", runErr, "messages", r.consumed)
	return fmt.Errorf("research %s: %w", r.jobID, runErr)
}

// storeArtifacts dispatches a tool result on the name of the tool that
// produced it. Payloads that do not decode are logged and skipped.
func (o *Orchestrator) storeArtifacts(ctx context.Context, logger *slog.Logger, jobID string, msg engine.Message) {
	switch msg.ToolName {
	case tools.WebSearch:
		sources, err := parseSearchSources(msg.Output)
		if err != nil {
			logger.Warn("skip malformed search result", "tool_use_id", msg.ToolUseID, "error", err)
			return
		}
		if len(sources) == 0 {
			return
		}
		if err := o.store.CreateSources(ctx, jobID, sources); err != nil {
			logger.Warn("persist sources failed", "count", len(sources), "error", err)
			return
		}
		o.metrics.SourcesCollected.Add(ctx, int64(len(sources)), metric.WithAttributes(otel.AttrToolName.String(tools.WebSearch)))
		logger.Debug("sources stored", "count", len(sources))

	case tools.ReportWriter:
		rep, err := parseReport(msg.Output)
		if err != nil {
			logger.Warn("skip malformed report result", "tool_use_id", msg.ToolUseID, "error", err)
			return
		}
		rep.JobID = jobID
		if err := o.store.UpsertReport(ctx, rep); err != nil {
			logger.Warn("persist report failed", "error", err)
			return
		}
		logger.Info("report stored", "report_id", rep.ID, "words", rep.WordCount)
	}
}

type searchPayload struct {
	Results []tools.SearchResult `json:"results"`
}

func parseSearchSources(raw json.RawMessage) ([]persistence.Source, error) {
	var p searchPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	sources := make([]persistence.Source, 0, len(p.Results))
	for _, hit := range p.Results {
		src := persistence.Source{
			Type:          persistence.SourceWeb,
			URL:           hit.URL,
			Title:         hit.Title,
			Snippet:       hit.Snippet,
			Content:       hit.Content,
			PublishedDate: hit.PublishedDate,
		}
		if hit.Score > 0 {
			score := hit.Score
			src.Relevance = &score
		}
		sources = append(sources, src)
	}
	return sources, nil
}

type reportPayload struct {
	Markdown string `json:"markdown"`
	Stats    struct {
		WordCount int `json:"wordCount"`
	} `json:"stats"`
	Metadata struct {
		Title string `json:"title"`
	} `json:"metadata"`
}

var errEmptyReport = errors.New("report has no markdown body")

func parseReport(raw json.RawMessage) (*persistence.Report, error) {
	var p reportPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.Markdown == "" {
		return nil, errEmptyReport
	}
	title := p.Metadata.Title
	if title == "" {
		title = "Research Report"
	}
	return &persistence.Report{
		Title:     title,
		Content:   p.Markdown,
		Format:    "markdown",
		WordCount: p.Stats.WordCount,
	}, nil
}
