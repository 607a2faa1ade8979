package engine

import (
	"github.com/zen-systems/switchboard/pkg/adapter"
	"github.com/zen-systems/switchboard/pkg/config"
)

const currencyUSD = "USD"

// costTracker accumulates usage and estimated spend across one request.
type costTracker struct {
	pricing config.PricingConfig
	usage   adapter.Usage
	amount  float64
	priced  bool
}

func newCostTracker(pricing config.PricingConfig) *costTracker {
	return &costTracker{pricing: pricing}
}

func (t *costTracker) record(backendID, model string, usage adapter.Usage) adapter.Cost {
	t.usage = t.usage.Add(usage)
	cost, ok := estimateCost(t.pricing, backendID, model, usage)
	if ok {
		t.amount += cost.Amount
		t.priced = true
	}
	return cost
}

func (t *costTracker) total() adapter.Cost {
	cost := adapter.Cost{Currency: currencyUSD, Amount: t.amount}
	if t.priced {
		cost.IsEstimate = true
		cost.PricingModel = "per_1k_tokens"
	}
	return cost
}

func estimateCost(pricing config.PricingConfig, backendID, model string, usage adapter.Usage) (adapter.Cost, bool) {
	entry, ok := pricing.Lookup(backendID, model)
	if !ok {
		return adapter.Cost{Currency: currencyUSD}, false
	}

	promptCost := (float64(usage.PromptTokens) / 1000.0) * entry.PromptPer1K
	completionCost := (float64(usage.CompletionTokens) / 1000.0) * entry.CompletionPer1K
	return adapter.Cost{
		Currency:     currencyUSD,
		Amount:       promptCost + completionCost,
		IsEstimate:   true,
		PricingModel: "per_1k_tokens",
	}, true
}
