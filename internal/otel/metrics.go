package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the research daemon's instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	JobDuration      metric.Float64Histogram
	ActiveJobs       metric.Int64UpDownCounter
	EngineTurns      metric.Int64Counter
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	ToolCalls        metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	CapacityRejects  metric.Int64Counter
	SourcesCollected metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("deepresearch.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("deepresearch.job.duration",
		metric.WithDescription("Research job wall time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveJobs, err = meter.Int64UpDownCounter("deepresearch.job.active",
		metric.WithDescription("Number of research jobs holding a concurrency slot"),
	)
	if err != nil {
		return nil, err
	}

	m.EngineTurns, err = meter.Int64Counter("deepresearch.engine.turns",
		metric.WithDescription("Reasoning engine turns executed"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("deepresearch.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("deepresearch.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("deepresearch.tool.calls",
		metric.WithDescription("Tool invocations by tool name"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("deepresearch.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("deepresearch.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.CapacityRejects, err = meter.Int64Counter("deepresearch.gate.rejects",
		metric.WithDescription("Research submissions rejected at capacity"),
	)
	if err != nil {
		return nil, err
	}

	m.SourcesCollected, err = meter.Int64Counter("deepresearch.sources.collected",
		metric.WithDescription("Sources persisted from tool results"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Discard returns instruments backed by a no-op meter, for callers that run
// without telemetry.
func Discard() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
