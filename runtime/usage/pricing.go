package usage

type (
	// Price is the per-1K-token price pair for one model, in USD.
	Price struct {
		InputPerK  float64
		OutputPerK float64
	}

	// Pricing maps model identifiers to prices and supplies a default for
	// unknown models.
	Pricing struct {
		models   map[string]Price
		fallback Price
	}
)

// defaultPrice applies to models absent from the table. Chosen conservative
// so unknown models are never under-billed.
var defaultPrice = Price{InputPerK: 0.001, OutputPerK: 0.002}

// NewPricing builds a pricing table. A nil map yields a table that prices
// everything at the default.
func NewPricing(models map[string]Price) *Pricing {
	table := make(map[string]Price, len(models))
	for id, p := range models {
		table[id] = p
	}
	return &Pricing{models: table, fallback: defaultPrice}
}

// Estimate computes the cost of a completion. Negative token counts clamp to
// zero.
func (p *Pricing) Estimate(model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	price, ok := p.models[model]
	if !ok {
		price = p.fallback
	}
	return price.InputPerK*float64(inputTokens)/1000 + price.OutputPerK*float64(outputTokens)/1000
}
