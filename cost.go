package promptgate

import "math"

// Pricing holds per-million-token rates in USD for a model.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Cost computes the USD cost of a usage report, rounded to 6 decimals.
func (p Pricing) Cost(u Usage) float64 {
	cost := float64(u.Input)/1_000_000*p.InputPerMillion +
		float64(u.Output)/1_000_000*p.OutputPerMillion
	return math.Round(cost*1e6) / 1e6
}

// EstimateTokens approximates the token count of a prompt when the
// provider does not report usage. Roughly four characters per token,
// never less than one token per non-empty message.
func EstimateTokens(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		n := int64(len(m.Content)) / 4
		if n == 0 && m.Content != "" {
			n = 1
		}
		total += n
	}
	return total
}
