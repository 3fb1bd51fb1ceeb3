package compare

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMannWhitneyU_Samples_ReturnsExpectedOutput(t *testing.T) {
	test := func(name string, xData, yData []float64, expected float64, exact bool) {
		t.Run(name, func(t *testing.T) {
			result := MannWhitneyU(xData, yData)
			if exact {
				assert.Equal(t, expected, result)
			} else {
				// Expected values rounded to the 7th decimal.
				assert.InDelta(t, expected, result, 1e-7)
			}
		})
	}

	x := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	y := []float64{20, 21, 22, 23, 24, 25, 26, 27, 28, 29}
	// The expected values are calculated as explained here:
	// https://en.wikipedia.org/wiki/Mann%E2%80%93Whitney_U_test
	test("separated samples", x, y, 0.0001827, false)

	x = []float64{0, 1, 2, 3, 4}
	y = []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	test("overlapping samples", x, y, 0.1398636, false)

	x = []float64{0, 0, 0, 0, 0}
	y = []float64{1, 1, 1, 1, 1}
	test("duplicate values", x, y, 0.0039768, false)

	// The exact distribution is used below the small-sample threshold
	// when no ties are present.
	test("exact single elements", []float64{0}, []float64{1}, 1.0, true)
	test("exact two elements", []float64{1, 2}, []float64{3, 4}, 2.0/6.0, false)
	test("exact three elements", []float64{1, 2, 3}, []float64{4, 5, 6}, 0.1, false)

	x = []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	y = []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	test("identical values", x, y, 1.0, true)
}

func TestMannWhitneyU_MixedSampleSizes_UsesApproximation(t *testing.T) {
	// One sample below the exact threshold is not enough; both must be.
	x := []float64{1, 2, 3}
	y := []float64{4, 5, 6, 7, 8, 9, 10, 11, 12, 13}
	p := MannWhitneyU(x, y)
	assert.Greater(t, p, 0.0)
	assert.Less(t, p, 1.0)
}

func TestRankData_Ties_FractionalRanks(t *testing.T) {
	ranks := rankData([]float64{10, 20, 20, 30})
	assert.Equal(t, []float64{1, 2.5, 2.5, 4}, ranks)
}
