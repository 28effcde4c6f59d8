// Package pricing estimates and prices LLM calls from a per-model table.
package pricing

import (
	"fmt"

	"github.com/concilium/concilium/internal/domain"
)

// Price holds per-model rates in USD per million tokens, plus the output
// length assumed when estimating before a call returns.
type Price struct {
	InputUSDPerMTok  float64
	OutputUSDPerMTok float64
	DefaultOutputTok int64
}

// Table maps model identifiers to prices. The table is read-only after
// construction; Register must not be called once estimation has started.
type Table struct {
	prices map[string]Price
}

// NewTable returns a table seeded with the built-in model prices.
func NewTable() *Table {
	t := &Table{prices: make(map[string]Price)}
	for model, p := range builtinPrices {
		t.prices[model] = p
	}
	return t
}

var builtinPrices = map[string]Price{
	"claude-3-5-sonnet-latest": {InputUSDPerMTok: 3.00, OutputUSDPerMTok: 15.00, DefaultOutputTok: 1024},
	"claude-3-5-haiku-latest":  {InputUSDPerMTok: 0.80, OutputUSDPerMTok: 4.00, DefaultOutputTok: 1024},
	"gpt-4o":                   {InputUSDPerMTok: 2.50, OutputUSDPerMTok: 10.00, DefaultOutputTok: 1024},
	"gpt-4o-mini":              {InputUSDPerMTok: 0.15, OutputUSDPerMTok: 0.60, DefaultOutputTok: 1024},
	"concilium-mock":           {InputUSDPerMTok: 0.01, OutputUSDPerMTok: 0.01, DefaultOutputTok: 256},
}

// Register adds or replaces a price entry.
func (t *Table) Register(model string, p Price) {
	t.prices[model] = p
}

// Estimate projects the cost of a call given the input token estimate,
// assuming the model's default output length. Unknown models are a
// configuration error: budget decisions depend on a believable estimate,
// so estimation never silently defaults to zero.
func (t *Table) Estimate(model string, inputTokens int64) (float64, error) {
	p, ok := t.prices[model]
	if !ok {
		return 0, domain.WrapCoreError(domain.ErrUnknownModel.Code,
			fmt.Sprintf("no price table entry for model %q", model), nil)
	}
	return costUSD(p, inputTokens, p.DefaultOutputTok), nil
}

// Actual prices a completed call from its real token counts.
func (t *Table) Actual(model string, inputTokens, outputTokens int64) (float64, error) {
	p, ok := t.prices[model]
	if !ok {
		return 0, domain.WrapCoreError(domain.ErrUnknownModel.Code,
			fmt.Sprintf("no price table entry for model %q", model), nil)
	}
	return costUSD(p, inputTokens, outputTokens), nil
}

func costUSD(p Price, inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)*p.InputUSDPerMTok/1e6 + float64(outputTokens)*p.OutputUSDPerMTok/1e6
}

// EstimateTokens approximates the token count of a prompt. Four characters
// per token is the usual rule of thumb for English text.
func EstimateTokens(prompt string) int64 {
	n := int64(len(prompt)) / 4
	if n < 1 {
		n = 1
	}
	return n
}
