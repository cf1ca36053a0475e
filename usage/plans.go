package usage

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Plan is the billing shape usage decisions are made against. OverageRate
// is the per-suggestion price once the included cap is spent; a zero rate
// means the cap is hard.
type Plan struct {
	Name                 string
	IncludedSuggestions  int
	OverageRate          decimal.Decimal
	PerSuggestionCostUSD decimal.Decimal
}

// Every enforcement site resolves limits through this one table so caps
// never drift between the check path and the recording path.
var plans = map[string]Plan{
	"free": {
		Name:                 "free",
		IncludedSuggestions:  5,
		OverageRate:          decimal.Zero,
		PerSuggestionCostUSD: decimal.NewFromFloat(0.002),
	},
	"starter": {
		Name:                 "starter",
		IncludedSuggestions:  50,
		OverageRate:          decimal.Zero,
		PerSuggestionCostUSD: decimal.NewFromFloat(0.002),
	},
	"pro": {
		Name:                 "pro",
		IncludedSuggestions:  250,
		OverageRate:          decimal.NewFromFloat(0.05),
		PerSuggestionCostUSD: decimal.NewFromFloat(0.002),
	},
	"business": {
		Name:                 "business",
		IncludedSuggestions:  1000,
		OverageRate:          decimal.NewFromFloat(0.03),
		PerSuggestionCostUSD: decimal.NewFromFloat(0.002),
	},
}

// PlanLimits returns the limits for a plan name, falling back to the free
// tier for unknown or empty names.
func PlanLimits(name string) Plan {
	if plan, ok := plans[strings.ToLower(strings.TrimSpace(name))]; ok {
		return plan
	}
	return plans["free"]
}
