// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import "math"

// TokenUsage records token consumption for a single agent call within
// a workflow, ahead of cost calculation. Token counts are treated as
// driver-provided: the core performs arithmetic only, never estimation
// (the LLM driver is a black-box stage executor per the Non-goals).
type TokenUsage struct {
	WorkflowID        string
	Agent             string
	Model             string
	InputTokens       int64
	OutputTokens      int64
	CacheReadTokens   int64
	CacheWriteTokens  int64
}

// ModelPricing holds per-million-token rates for one model, in USD.
type ModelPricing struct {
	Model                string
	InputRatePerMillion  float64
	OutputRatePerMillion float64
	CacheReadPerMillion  float64
	CacheWritePerMillion float64
}

// PricingTable indexes ModelPricing by model id with a fallback to a
// default model for unknown ids.
type PricingTable struct {
	byModel       map[string]ModelPricing
	defaultModel  string
}

// NewPricingTable builds a pricing table. defaultModel must be present
// in models, or lookups for unknown model ids will return the zero
// ModelPricing (cost 0, which is still non-negative per property 7).
func NewPricingTable(models []ModelPricing, defaultModel string) *PricingTable {
	t := &PricingTable{
		byModel:      make(map[string]ModelPricing, len(models)),
		defaultModel: defaultModel,
	}
	for _, m := range models {
		t.byModel[m.Model] = m
	}
	return t
}

// Lookup returns pricing for model, falling back to the table's
// default model, and finally to a zero-cost ModelPricing.
func (t *PricingTable) Lookup(model string) ModelPricing {
	if p, ok := t.byModel[model]; ok {
		return p
	}
	if p, ok := t.byModel[t.defaultModel]; ok {
		return p
	}
	return ModelPricing{Model: model}
}

// CalculateTokenCost computes cost_usd for a usage record per the
// formula in spec section 3:
//
//	(input - cache_read) * input_rate + cache_read * cache_read_rate +
//	cache_write * cache_write_rate + output * output_rate
//
// rates are per-million-tokens; the result is rounded to six decimal
// places. The result is always non-negative for non-negative inputs
// (property 7): every term is a product of two non-negative factors,
// and cache_read is capped at input_tokens before subtraction so the
// first term cannot go negative.
func CalculateTokenCost(u TokenUsage, pricing ModelPricing) float64 {
	cacheRead := u.CacheReadTokens
	if cacheRead > u.InputTokens {
		cacheRead = u.InputTokens
	}
	billableInput := u.InputTokens - cacheRead

	const perMillion = 1_000_000.0
	cost := float64(billableInput)/perMillion*pricing.InputRatePerMillion +
		float64(cacheRead)/perMillion*pricing.CacheReadPerMillion +
		float64(u.CacheWriteTokens)/perMillion*pricing.CacheWritePerMillion +
		float64(u.OutputTokens)/perMillion*pricing.OutputRatePerMillion

	return roundTo(cost, 6)
}

func roundTo(v float64, places int) float64 {
	mult := math.Pow(10, float64(places))
	return math.Round(v*mult) / mult
}
