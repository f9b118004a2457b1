// Package pricing estimates the USD cost of model usage so a research job can
// be held to its spend budget.
package pricing

import (
	"sort"
	"strings"
)

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known model pricing. Dated model ids resolve through their family prefix.
var knownModels = map[string]ModelPricing{
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-opus-4":     {15.00, 75.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"gpt-4o":            {2.50, 10.00},
	"gpt-4o-mini":       {0.15, 0.60},
	"gemini-2.5-pro":    {1.25, 10.00},
	"gemini-2.5-flash":  {0.30, 2.50},
}

// prefixes is knownModels' keys, longest first, so "gpt-4o-mini" wins over "gpt-4o".
var prefixes = func() []string {
	keys := make([]string, 0, len(knownModels))
	for k := range knownModels {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	return keys
}()

// Lookup returns the pricing for model, resolving provider prefixes such as
// "anthropic/" and dated suffixes such as "-20250929".
func Lookup(model string) (ModelPricing, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	if p, ok := knownModels[m]; ok {
		return p, true
	}
	for _, k := range prefixes {
		if strings.HasPrefix(m, k) {
			return knownModels[k], true
		}
	}
	return ModelPricing{}, false
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}

// EstimateTokens returns a word-based token estimate, used when a provider
// does not report usage. Uses max(words*1.33, len/4).
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	wordEstimate := int(float64(len(strings.Fields(content))) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}
