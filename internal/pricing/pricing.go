// Package pricing implements the Pricing Table (C2): a pure,
// side-effect-free function from (model, token counts) to USD cost.
//
// Grounded on tokenhub's router.Model.InputPer1K/OutputPer1K fields
// (internal/router/types.go) and its estimateCostUSD helper
// (internal/router/engine.go) — here lifted out of the Model/Engine
// coupling into a standalone rate card so the Budget reconciler can call
// it without depending on the routing engine at all.
package pricing

// Rate is a per-1K-token price pair for one model.
type Rate struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Table is a compiled-in rate card. It never makes network calls and
// holds no mutable state, satisfying §4.2 exactly.
type Table struct {
	rates map[string]Rate
}

// NewTable builds a Table from a model->Rate map. Unknown models simply
// have no entry, which EstimateCost treats as "no known pricing".
func NewTable(rates map[string]Rate) *Table {
	cp := make(map[string]Rate, len(rates))
	for k, v := range rates {
		cp[k] = v
	}
	return &Table{rates: cp}
}

// DefaultTable returns a rate card covering the common OpenAI/Anthropic
// cloud families used in the scenarios in §8. Local/unknown models are
// intentionally absent — EstimateCost reports no pricing for those,
// which the Budget reconciler maps to $0.00 per §4.2.
func DefaultTable() *Table {
	return NewTable(map[string]Rate{
		"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
		"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
		"gpt-4o":        {InputPer1K: 0.005, OutputPer1K: 0.015},
		"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		"claude-3-opus": {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-3-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	})
}

// EstimateCost implements estimate_cost(model, input_tokens,
// output_tokens) -> Option<f64> from §4.2. The bool return is false when
// the model has no known rate card entry (local backends, or any model
// the operator hasn't priced), which callers must treat as $0.00.
func (t *Table) EstimateCost(model string, inputTokens, outputTokens uint32) (float64, bool) {
	rate, ok := t.rates[model]
	if !ok {
		return 0, false
	}
	cost := float64(inputTokens)/1000*rate.InputPer1K + float64(outputTokens)/1000*rate.OutputPer1K
	return cost, true
}

// Set adds or overwrites one model's rate, used by config loading to
// layer operator-supplied prices over the compiled-in defaults.
func (t *Table) Set(model string, rate Rate) {
	t.rates[model] = rate
}
