package pricing

import (
	"math"
	"testing"
)

func TestEstimateCost_DatedClaudeModel(t *testing.T) {
	cost := EstimateCost("claude-sonnet-4-5-20250929", 1_000_000, 100_000)
	want := 3.00 + 1.50
	if math.Abs(cost-want) > 1e-9 {
		t.Fatalf("cost = %f, want %f", cost, want)
	}
}

func TestEstimateCost_ProviderPrefix(t *testing.T) {
	if got := EstimateCost("anthropic/claude-sonnet-4-5", 1_000_000, 0); got != 3.00 {
		t.Fatalf("cost = %f, want 3.00", got)
	}
}

func TestLookup_LongestPrefixWins(t *testing.T) {
	p, ok := Lookup("gpt-4o-mini-2024-07-18")
	if !ok {
		t.Fatal("expected gpt-4o-mini to resolve")
	}
	if p.PromptPer1M != 0.15 {
		t.Fatalf("prompt price = %f, want 0.15", p.PromptPer1M)
	}
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	if cost := EstimateCost("unknown-model-xyz", 1000, 500); cost != 0.0 {
		t.Fatalf("expected 0.0 for unknown model, got %f", cost)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"empty string", "", 0},
		{"single word", "hello", 1},
		{"paragraph", "The quick brown fox jumps over the lazy dog near the river bank", 17},
		{"code snippet", `func main() { fmt.Println("hello") }`, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.content); got != tt.want {
				t.Fatalf("EstimateTokens(%q) = %d, want %d", tt.content, got, tt.want)
			}
		})
	}
}
