package llm

// Price is a per-1K-token rate in USD.
type Price struct {
	Input  float64
	Output float64
}

// PricingFallbackModel prices models missing from the table.
const PricingFallbackModel = "gpt-4"

var pricing = map[string]Price{
	"gpt-4":         {Input: 0.03, Output: 0.06},
	"gpt-4-turbo":   {Input: 0.01, Output: 0.03},
	"gpt-4o":        {Input: 0.0025, Output: 0.01},
	"gpt-4o-mini":   {Input: 0.00015, Output: 0.0006},
	"gpt-3.5-turbo": {Input: 0.0015, Output: 0.002},
}

// PriceFor returns the rate for model and whether it was found in the table.
func PriceFor(model string) (Price, bool) {
	p, ok := pricing[model]
	if !ok {
		return pricing[PricingFallbackModel], false
	}
	return p, true
}

// Cost computes the USD cost of a completion.
func Cost(model string, promptTokens, completionTokens int) float64 {
	p, _ := PriceFor(model)
	return float64(promptTokens)/1000*p.Input + float64(completionTokens)/1000*p.Output
}
