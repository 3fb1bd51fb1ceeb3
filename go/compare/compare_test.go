package compare

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompare_EmptySample_ReturnsUnknown(t *testing.T) {
	assert.Equal(t, Unknown, Compare(nil, []float64{1, 2, 3}))
	assert.Equal(t, Unknown, Compare([]float64{1, 2, 3}, nil))
	assert.Equal(t, Unknown, Compare(nil, nil))
}

func TestCompare_ClearlyDifferentSamples_ReturnsDifferent(t *testing.T) {
	a := make([]float64, 15)
	b := make([]float64, 15)
	for i := range b {
		b[i] = 1
	}
	assert.Equal(t, Different, Compare(a, b))
}

func TestCompare_IdenticalSamples_ReturnsUnknown(t *testing.T) {
	a := make([]float64, 15)
	b := make([]float64, 15)
	assert.Equal(t, Unknown, Compare(a, b))
}

func TestCompare_SmallOverlappingSamples_ReturnsUnknown(t *testing.T) {
	// Never returns Same: an inconclusive test is always Unknown here.
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{2, 3, 4, 5, 6}
	assert.Equal(t, Unknown, Compare(a, b))
}

func TestVerdict_String_MatchesComparisonNames(t *testing.T) {
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, "same", Same.String())
	assert.Equal(t, "different", Different.String())
}
