package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/deep-research/internal/otel"
	"github.com/basket/deep-research/internal/pricing"
	"github.com/basket/deep-research/internal/shared"
)

// ToolSet resolves tool names to Genkit tool references and executes the
// calls the model requests. Execute never fails; a tool error is returned as
// an output document with isError set.
type ToolSet interface {
	Refs(names []string) []ai.ToolRef
	Execute(ctx context.Context, name string, input json.RawMessage) (output json.RawMessage, isError bool)
}

// GenkitConfig selects the LLM provider behind a GenkitEngine.
type GenkitConfig struct {
	// Provider is one of "anthropic", "openai", "openai_compatible", "google".
	// Empty defaults to "anthropic".
	Provider string
	Model    string
	APIKey   string
	BaseURL  string

	OpenAICompatibleProvider string
}

// InitGenkit creates the Genkit instance for cfg. The boolean reports
// whether a model is reachable; without an API key Genkit is initialized with
// no plugins and every run fails with ErrEngineFailure.
func InitGenkit(ctx context.Context, cfg GenkitConfig) (*genkit.Genkit, bool) {
	provider := normalizeProvider(cfg.Provider)
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}
	if apiKey == "" {
		slog.Warn("LLM API key missing; research runs will fail until one is configured", "provider", provider)
		return genkit.Init(ctx), false
	}

	switch provider {
	case "anthropic":
		return genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: firstNonEmpty(cfg.BaseURL, os.Getenv("ANTHROPIC_BASE_URL")),
		})), true
	case "openai":
		return genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  firstNonEmpty(cfg.BaseURL, os.Getenv("OPENAI_BASE_URL")),
		})), true
	case "openai_compatible":
		return genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.OpenAICompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		})), true
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		return genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel(modelNameForProvider(provider, cfg.Model)),
		), true
	default:
		slog.Warn("unknown LLM provider", "provider", provider)
		return genkit.Init(ctx), false
	}
}

// GenkitEngine drives a model through Genkit with a manual tool loop: tool
// requests are returned to the engine, executed through the ToolSet, and
// emitted as tool_use / tool_result messages before the next turn.
type GenkitEngine struct {
	g        *genkit.Genkit
	llmOn    bool
	provider string
	model    string
	tools    ToolSet
	tracer   trace.Tracer
	metrics  *otel.Metrics
	logger   *slog.Logger
}

type GenkitOption func(*GenkitEngine)

func WithTracer(t trace.Tracer) GenkitOption {
	return func(e *GenkitEngine) { e.tracer = t }
}

func WithMetrics(m *otel.Metrics) GenkitOption {
	return func(e *GenkitEngine) { e.metrics = m }
}

func WithLogger(l *slog.Logger) GenkitOption {
	return func(e *GenkitEngine) { e.logger = l }
}

func NewGenkitEngine(g *genkit.Genkit, llmOn bool, cfg GenkitConfig, tools ToolSet, opts ...GenkitOption) *GenkitEngine {
	provider := normalizeProvider(cfg.Provider)
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	e := &GenkitEngine{
		g:        g,
		llmOn:    llmOn,
		provider: provider,
		model:    model,
		tools:    tools,
		tracer:   nooptrace.NewTracerProvider().Tracer(otel.TracerName),
		metrics:  otel.Discard(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *GenkitEngine) Name() string { return "genkit/" + e.provider }

// Model is the model id runs are sent to.
func (e *GenkitEngine) Model() string { return e.model }

func (e *GenkitEngine) Run(ctx context.Context, req Request, emit func(Message) error) error {
	if !e.llmOn {
		return fmt.Errorf("%w: provider %s has no API key configured", shared.ErrEngineFailure, e.provider)
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = e.model
	}
	modelName := modelNameForProvider(e.provider, model)
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	var refs []ai.ToolRef
	if e.tools != nil {
		refs = e.tools.Refs(req.Tools)
	}
	logger := e.logger.With("job_id", shared.JobID(ctx), "model", modelName)

	history := []*ai.Message{ai.NewUserTextMessage(req.Prompt)}
	var usage Usage
	lastText := ""

	for turn := 1; ; turn++ {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		opts := []ai.GenerateOption{
			ai.WithModelName(modelName),
			ai.WithMessages(history...),
		}
		if sys := strings.TrimSpace(req.SystemPrompt); sys != "" {
			// Escape % so the system prompt survives Genkit's template rendering.
			opts = append(opts, ai.WithSystem(strings.ReplaceAll(sys, "%", "%%")))
		}
		if len(refs) > 0 {
			opts = append(opts, ai.WithTools(refs...), ai.WithReturnToolRequests(true))
		}

		callCtx, span := otel.StartClientSpan(ctx, e.tracer, "engine.generate",
			otel.AttrModel.String(modelName),
			otel.AttrProvider.String(e.provider),
			otel.AttrTurn.Int(turn),
		)
		started := time.Now()
		resp, err := genkit.Generate(callCtx, e.g, opts...)
		e.metrics.LLMCallDuration.Record(ctx, time.Since(started).Seconds())
		e.metrics.EngineTurns.Add(ctx, 1)
		if err != nil {
			otel.EndSpan(span, err)
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			class := ClassifyError(err)
			logger.Error("genkit generate failed", "turn", turn, "error_class", string(class), "error", err)
			return &Error{Class: class, Err: err}
		}
		if resp.Usage != nil {
			in, out := resp.Usage.InputTokens, resp.Usage.OutputTokens
			usage.InputTokens += in
			usage.OutputTokens += out
			usage.TotalTokens += in + out
			usage.CostUSD += pricing.EstimateCost(model, in, out)
			span.SetAttributes(otel.AttrTokensInput.Int(in), otel.AttrTokensOutput.Int(out))
			e.metrics.TokensUsed.Add(ctx, int64(in+out), metric.WithAttributes(otel.AttrModel.String(modelName)))
		}
		otel.EndSpan(span, nil)

		if resp.Message != nil {
			for _, part := range resp.Message.Content {
				if part.IsReasoning() && strings.TrimSpace(part.Text) != "" {
					if err := emit(Message{Kind: KindThinking, Text: part.Text}); err != nil {
						return err
					}
				}
			}
		}

		text := strings.TrimSpace(resp.Text())
		if text != "" {
			lastText = text
		}
		toolReqs := resp.ToolRequests()
		if len(toolReqs) == 0 {
			u := usage
			return emit(Message{Kind: KindResult, Text: text, Usage: &u, StopReason: StopEndTurn, Turns: turn})
		}
		if text != "" {
			if err := emit(Message{Kind: KindAssistant, Text: text}); err != nil {
				return err
			}
		}

		history = append(history, resp.Message)
		parts := make([]*ai.Part, 0, len(toolReqs))
		for _, tr := range toolReqs {
			part, err := e.runTool(ctx, tr, emit)
			if err != nil {
				return err
			}
			parts = append(parts, part)
		}
		history = append(history, ai.NewMessage(ai.RoleTool, nil, parts...))

		if turn >= maxTurns {
			logger.Info("engine stopped at max turns", "turns", turn)
			u := usage
			return emit(Message{Kind: KindResult, Text: lastText, Usage: &u, StopReason: StopMaxTurns, Turns: turn})
		}
		if req.MaxBudgetUSD > 0 && usage.CostUSD >= req.MaxBudgetUSD {
			logger.Info("engine stopped at budget", "cost_usd", usage.CostUSD, "budget_usd", req.MaxBudgetUSD)
			u := usage
			return emit(Message{Kind: KindResult, Text: lastText, Usage: &u, StopReason: StopMaxBudget, Turns: turn})
		}
	}
}

// runTool executes one tool request and emits its tool_use and tool_result
// messages. The returned part is fed back to the model.
func (e *GenkitEngine) runTool(ctx context.Context, tr *ai.ToolRequest, emit func(Message) error) (*ai.Part, error) {
	id := tr.Ref
	if id == "" {
		id = "toolu_" + shared.NewID()
	}
	input, err := json.Marshal(tr.Input)
	if err != nil {
		input = []byte(`{}`)
	}
	if err := emit(Message{Kind: KindToolUse, ToolName: tr.Name, ToolUseID: id, Input: input}); err != nil {
		return nil, err
	}

	toolCtx, span := otel.StartSpan(shared.WithToolUseID(ctx, id), e.tracer, "tool."+tr.Name,
		otel.AttrToolName.String(tr.Name))
	started := time.Now()
	output, isError := e.tools.Execute(toolCtx, tr.Name, input)
	attrs := metric.WithAttributes(otel.AttrToolName.String(tr.Name))
	e.metrics.ToolCalls.Add(ctx, 1, attrs)
	e.metrics.ToolCallDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	if isError {
		e.metrics.ToolCallErrors.Add(ctx, 1, attrs)
	}
	span.End()

	if err := emit(Message{Kind: KindToolResult, ToolName: tr.Name, ToolUseID: id, Output: output, IsError: isError}); err != nil {
		return nil, err
	}

	var decoded any
	if err := json.Unmarshal(output, &decoded); err != nil {
		decoded = string(output)
	}
	return ai.NewToolResponsePart(&ai.ToolResponse{Name: tr.Name, Ref: tr.Ref, Output: decoded}), nil
}

func normalizeProvider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "", "claude":
		return "anthropic"
	case "gemini", "googleai":
		return "google"
	}
	return p
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "openai", "openai_compatible":
		return "gpt-4o"
	case "google":
		return "gemini-2.5-pro"
	default:
		return "claude-sonnet-4-5-20250929"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	if strings.Contains(model, "/") {
		return model
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	case "google":
		return "googleai/" + model
	default:
		return model
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
