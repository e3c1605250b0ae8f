package provider

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PricingTable is the static per-model cost table used as a least_cost
// routing fallback when a Model row carries no DB-level cost override
// (spec.md §4.2). Keyed by model name.
type PricingTable struct {
	Models map[string]ModelPrice `yaml:"models"`
	// Default is used for any model name not present in Models.
	Default ModelPrice `yaml:"default"`

	// fallbackCostUSD is internal/router's least_cost catch-all
	// (Config.Pricing.DefaultCostUSD) for a model absent from both the DB
	// override and this table. Set via WithFallbackCostUSD.
	fallbackCostUSD float64
}

// WithFallbackCostUSD attaches the configured least_cost catch-all, used by
// DefaultCostUSD. Returns t for chaining at construction time.
func (t *PricingTable) WithFallbackCostUSD(v float64) *PricingTable {
	t.fallbackCostUSD = v
	return t
}

// StaticCostUSD satisfies internal/router.PricingSource: the per-1k-token
// input/output rates for a listed model, or ok=false if unlisted.
func (t *PricingTable) StaticCostUSD(modelName string) (inputPer1k, outputPer1k float64, ok bool) {
	price, ok := t.Models[modelName]
	if !ok {
		return 0, 0, false
	}
	return price.InputPer1KUSD, price.OutputPer1KUSD, true
}

// DefaultCostUSD satisfies internal/router.PricingSource: the flat fallback
// used to rank a model with no DB override and no table entry.
func (t *PricingTable) DefaultCostUSD() float64 {
	return t.fallbackCostUSD
}

type ModelPrice struct {
	InputPer1KUSD  float64 `yaml:"input_per_1k_usd"`
	OutputPer1KUSD float64 `yaml:"output_per_1k_usd"`
}

// LoadPricingTable reads a YAML pricing table from path. An empty path
// yields an empty table (callers fall back to Config.Pricing.DefaultCostUSD).
func LoadPricingTable(path string) (*PricingTable, error) {
	if path == "" {
		return &PricingTable{Models: map[string]ModelPrice{}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing table %s: %w", path, err)
	}

	var table PricingTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse pricing table %s: %w", path, err)
	}
	if table.Models == nil {
		table.Models = map[string]ModelPrice{}
	}

	return &table, nil
}

// CostUSD estimates a request's cost from token usage, using the model's
// entry if present, otherwise the table's Default.
func (t *PricingTable) CostUSD(model string, usage Usage) float64 {
	price, ok := t.Models[model]
	if !ok {
		price = t.Default
	}

	return float64(usage.PromptTokens)/1000*price.InputPer1KUSD + float64(usage.CompletionTokens)/1000*price.OutputPer1KUSD
}
