// Package pricing estimates the USD cost of agent token usage for audit
// reports.
package pricing

import "strings"

// Rate holds per-million-token costs in USD.
type Rate struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Rates for the default models of each supported provider. Unlisted models
// report no cost.
var rates = map[string]Rate{
	// Anthropic
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-opus-4-1":   {15.00, 75.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	"gpt-4.1":     {2.00, 8.00},
	// Google
	"gemini-2.5-flash": {0.30, 2.50},
	"gemini-2.5-pro":   {1.25, 10.00},
}

// Lookup returns the rate for model. Provider prefixes such as
// "anthropic/" or "googleai/" are ignored.
func Lookup(model string) (Rate, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	r, ok := rates[model]
	return r, ok
}

// Estimate returns the USD cost of the given token counts, or 0 for
// unknown models.
func Estimate(model string, inputTokens, outputTokens int64) float64 {
	r, ok := Lookup(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*r.InputPer1M +
		float64(outputTokens)/1_000_000*r.OutputPer1M
}
