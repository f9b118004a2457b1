package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	instruments := map[string]any{
		"RequestDuration":  m.RequestDuration,
		"JobDuration":      m.JobDuration,
		"ActiveJobs":       m.ActiveJobs,
		"EngineTurns":      m.EngineTurns,
		"LLMCallDuration":  m.LLMCallDuration,
		"TokensUsed":       m.TokensUsed,
		"ToolCalls":        m.ToolCalls,
		"ToolCallDuration": m.ToolCallDuration,
		"ToolCallErrors":   m.ToolCallErrors,
		"CapacityRejects":  m.CapacityRejects,
		"SourcesCollected": m.SourcesCollected,
	}
	for name, inst := range instruments {
		if inst == nil {
			t.Errorf("%s is nil", name)
		}
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestDiscard(t *testing.T) {
	m := Discard()
	if m == nil || m.ToolCalls == nil {
		t.Fatal("Discard should return usable instruments")
	}
	m.ToolCalls.Add(context.Background(), 1)
	m.ActiveJobs.Add(context.Background(), -1)
}
