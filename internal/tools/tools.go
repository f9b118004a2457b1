// Package tools implements the research tools the reasoning engine may call:
// web_search, document_reader and report_writer.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/patrickmn/go-cache"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/deep-research/internal/report"
)

// Tool names as the engine sees them. Tool results are dispatched on these.
const (
	WebSearch      = "web_search"
	DocumentReader = "document_reader"
	ReportWriter   = "report_writer"
)

// Names returns every tool name in registration order.
func Names() []string {
	return []string{WebSearch, DocumentReader, ReportWriter}
}

// ToolError is a tool failure reported back to the model as
// {error, documentId?, suggestion?} with isError set.
type ToolError struct {
	Message    string `json:"error"`
	DocumentID string `json:"documentId,omitempty"`
	Query      string `json:"query,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	Err        error  `json:"-"`
}

func (e *ToolError) Error() string { return e.Message }
func (e *ToolError) Unwrap() error { return e.Err }

// Config selects search providers and the result cache lifetime.
type Config struct {
	TavilyAPIKey    string
	BraveAPIKey     string
	PreferredSearch string
	CacheTTL        time.Duration
}

// Registry holds the tool implementations and their Genkit definitions.
type Registry struct {
	Providers []SearchProvider // ordered by preference
	Documents DocumentStore
	Assembler *report.Assembler

	cache        *cache.Cache
	reportSchema *jsonschema.Schema
	logger       *slog.Logger
	now          func() time.Time
	refs         map[string]ai.ToolRef
}

// NewRegistry builds a Registry. Default provider order is Tavily then
// Brave; a PreferredSearch naming a provider moves it to the front.
func NewRegistry(cfg Config, docs DocumentStore, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileReportSchema()
	if err != nil {
		return nil, err
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Registry{
		Providers:    buildProviders(cfg),
		Documents:    docs,
		Assembler:    report.NewAssembler(),
		cache:        cache.New(ttl, 2*ttl),
		reportSchema: schema,
		logger:       logger.With("component", "tools"),
		now:          time.Now,
		refs:         map[string]ai.ToolRef{},
	}, nil
}

func buildProviders(cfg Config) []SearchProvider {
	providers := []SearchProvider{NewTavilyProvider(cfg.TavilyAPIKey), NewBraveProvider(cfg.BraveAPIKey)}
	if cfg.PreferredSearch == "" {
		return providers
	}
	for i, p := range providers {
		if p.Name() == cfg.PreferredSearch && i > 0 {
			reordered := make([]SearchProvider, 0, len(providers))
			reordered = append(reordered, p)
			reordered = append(reordered, providers[:i]...)
			reordered = append(reordered, providers[i+1:]...)
			return reordered
		}
	}
	return providers
}

// RegisterAll defines every tool on g so its schema is offered to the model.
func (r *Registry) RegisterAll(g *genkit.Genkit) {
	r.refs[WebSearch] = genkit.DefineTool(g, WebSearch,
		"Search the web for information on any topic. Returns relevant pages with titles, URLs, snippets and content. Use specific queries; searchDepth \"advanced\" gives more comprehensive results.",
		func(ctx *ai.ToolContext, input SearchInput) (SearchOutput, error) {
			return r.search(ctx, input)
		},
	)
	r.refs[DocumentReader] = genkit.DefineTool(g, DocumentReader,
		"Read a previously uploaded document by id. Set extractSummary for the first 2000 characters, or chunkIndex to read one 4000-character chunk of a long document.",
		func(ctx *ai.ToolContext, input DocumentReaderInput) (DocumentReaderOutput, error) {
			return r.readDocument(ctx, input)
		},
	)
	r.refs[ReportWriter] = genkit.DefineTool(g, ReportWriter,
		"Compile the research findings into a Markdown report with sections, subsections and citations. Call this once at the end of the research.",
		func(ctx *ai.ToolContext, input ReportWriterInput) (ReportWriterOutput, error) {
			raw, err := json.Marshal(input)
			if err != nil {
				return ReportWriterOutput{}, err
			}
			return r.writeReport(raw, JobQuery(ctx))
		},
	)
}

// Refs returns the Genkit references for names, or for every registered
// tool when names is empty. Unknown names are skipped.
func (r *Registry) Refs(names []string) []ai.ToolRef {
	if len(names) == 0 {
		names = Names()
	}
	refs := make([]ai.ToolRef, 0, len(names))
	for _, n := range names {
		if ref, ok := r.refs[n]; ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// Execute runs the named tool on input and returns its JSON output. Failures
// are encoded as a ToolError document with isError true.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, bool) {
	var (
		out any
		err error
	)
	switch name {
	case WebSearch:
		var in SearchInput
		if err = decodeInput(input, &in); err == nil {
			out, err = r.search(ctx, in)
		}
		if err != nil {
			err = withQuery(err, in.Query)
		}
	case DocumentReader:
		var in DocumentReaderInput
		if err = decodeInput(input, &in); err == nil {
			out, err = r.readDocument(ctx, in)
		}
		if err != nil {
			err = withDocumentID(err, in.DocumentID)
		}
	case ReportWriter:
		out, err = r.writeReport(input, JobQuery(ctx))
	default:
		err = &ToolError{Message: fmt.Sprintf("unknown tool %q", name)}
	}
	if err != nil {
		r.logger.Warn("tool call failed", "tool", name, "error", err)
		return encodeToolError(err), true
	}
	data, err := json.Marshal(out)
	if err != nil {
		return encodeToolError(fmt.Errorf("encode %s output: %w", name, err)), true
	}
	return data, false
}

func decodeInput(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ToolError{Message: fmt.Sprintf("invalid tool input: %v", err)}
	}
	return nil
}

func encodeToolError(err error) json.RawMessage {
	var te *ToolError
	if !errors.As(err, &te) {
		te = &ToolError{Message: err.Error()}
	}
	data, _ := json.Marshal(te)
	return data
}

func withQuery(err error, query string) error {
	var te *ToolError
	if errors.As(err, &te) {
		if te.Query == "" {
			te.Query = query
		}
		return te
	}
	return &ToolError{Message: err.Error(), Query: query, Err: err}
}

func withDocumentID(err error, id string) error {
	var te *ToolError
	if errors.As(err, &te) {
		if te.DocumentID == "" {
			te.DocumentID = id
		}
		return te
	}
	return &ToolError{Message: err.Error(), DocumentID: id, Err: err}
}

type jobQueryKey struct{}

// WithJobQuery records the research query of the running job on ctx.
func WithJobQuery(ctx context.Context, query string) context.Context {
	return context.WithValue(ctx, jobQueryKey{}, query)
}

// JobQuery returns the query recorded by WithJobQuery, or "".
func JobQuery(ctx context.Context) string {
	q, _ := ctx.Value(jobQueryKey{}).(string)
	return q
}
