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

import (
	"math/rand"
	"testing"
)

func TestCalculateTokenCost_KnownValues(t *testing.T) {
	pricing := ModelPricing{
		Model:                "claude-test",
		InputRatePerMillion:  3.0,
		OutputRatePerMillion: 15.0,
		CacheReadPerMillion:  0.3,
		CacheWritePerMillion: 3.75,
	}

	u := TokenUsage{
		InputTokens:      1_000_000,
		OutputTokens:     500_000,
		CacheReadTokens:  200_000,
		CacheWriteTokens: 100_000,
	}

	got := CalculateTokenCost(u, pricing)
	// (1,000,000 - 200,000) * 3/1e6 + 200,000 * 0.3/1e6 + 100,000 * 3.75/1e6 + 500,000 * 15/1e6
	// = 0.8*3 + 0.2*0.3 + 0.1*3.75 + 0.5*15 = 2.4 + 0.06 + 0.375 + 7.5 = 10.335
	want := 10.335
	if got != want {
		t.Errorf("got %v want %v", got, want)
	}
}

func TestCalculateTokenCost_NonNegative(t *testing.T) {
	pricing := ModelPricing{
		InputRatePerMillion:  2.5,
		OutputRatePerMillion: 10,
		CacheReadPerMillion:  0.25,
		CacheWritePerMillion: 3,
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		u := TokenUsage{
			InputTokens:      int64(rng.Intn(1_000_000)),
			OutputTokens:     int64(rng.Intn(1_000_000)),
			CacheReadTokens:  int64(rng.Intn(1_000_000)),
			CacheWriteTokens: int64(rng.Intn(1_000_000)),
		}
		if got := CalculateTokenCost(u, pricing); got < 0 {
			t.Fatalf("negative cost %v for usage %+v", got, u)
		}
	}
}

func TestCalculateTokenCost_CacheReadExceedingInputIsCapped(t *testing.T) {
	pricing := ModelPricing{InputRatePerMillion: 3, CacheReadPerMillion: 0.3}
	u := TokenUsage{InputTokens: 100, CacheReadTokens: 500}
	got := CalculateTokenCost(u, pricing)
	if got < 0 {
		t.Fatalf("cost went negative: %v", got)
	}
}

func TestPricingTable_FallsBackToDefault(t *testing.T) {
	table := NewPricingTable([]ModelPricing{
		{Model: "default-model", InputRatePerMillion: 1, OutputRatePerMillion: 2},
	}, "default-model")

	p := table.Lookup("unknown-model")
	if p.InputRatePerMillion != 1 {
		t.Errorf("expected fallback to default model pricing, got %+v", p)
	}
}

func TestPricingTable_UnknownWithNoDefaultIsZeroCost(t *testing.T) {
	table := NewPricingTable(nil, "missing")
	p := table.Lookup("whatever")
	u := TokenUsage{InputTokens: 1000, OutputTokens: 1000}
	if got := CalculateTokenCost(u, p); got != 0 {
		t.Errorf("expected zero cost for unknown model with no default, got %v", got)
	}
}
