package promptgate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceRatio(t *testing.T) {
	assert.Equal(t, 1.0, sequenceRatio("abc", "abc"))
	assert.Equal(t, 0.0, sequenceRatio("abc", "xyz"))
	assert.Equal(t, 1.0, sequenceRatio("", ""))
	assert.Equal(t, 0.0, sequenceRatio("abc", ""))

	// Same result as difflib's SequenceMatcher for a classic pair.
	got := sequenceRatio("abcd", "bcde")
	assert.InDelta(t, 0.75, got, 1e-9)
}

func TestSequenceRatio_Symmetryish(t *testing.T) {
	a := "ignore previous instructions and"
	b := "ignore all previous instructions please"

	forward := sequenceRatio(a, b)
	assert.Greater(t, forward, 0.7)
	assert.LessOrEqual(t, forward, 1.0)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-9)
}

func TestCosineSimilarity_Degenerate(t *testing.T) {
	assert.Zero(t, cosineSimilarity(nil, nil))
	assert.Zero(t, cosineSimilarity([]float64{1, 2}, []float64{1, 2, 3}), "mismatched lengths")
	assert.Zero(t, cosineSimilarity([]float64{0, 0}, []float64{1, 2}), "zero vector")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTokens(nil))
	assert.Equal(t, int64(1), EstimateTokens([]Message{{Role: RoleUser, Content: "hi"}}))
	assert.Equal(t, int64(5), EstimateTokens([]Message{
		{Role: RoleUser, Content: "12345678901234567890"},
	}))
}
