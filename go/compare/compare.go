// Package compare decides whether two samples of measurements are
// statistically different, the same, or unknown.
//
// The method is the Mann-Whitney U rank test on the two samples. A
// p-value below the significance level rejects the null hypothesis and
// yields Different. Anything else yields Unknown: this package never
// returns Same on its own. Same is a judgement about exhausted sample
// budget, which only the job state can make after it has collected
// every attempt it planned to.
package compare

// Verdict is the outcome of comparing two samples.
type Verdict int

const (
	// Unknown means there is not enough evidence to reject either
	// hypothesis. Collect more data before making a final decision.
	Unknown Verdict = iota
	// Same means the samples likely come from the same distribution.
	// Cannot reject the null hypothesis.
	Same
	// Different means the samples are unlikely to come from the same
	// distribution. Reject the null hypothesis.
	Different
)

func (v Verdict) String() string {
	switch v {
	case Same:
		return "same"
	case Different:
		return "different"
	default:
		return "unknown"
	}
}

// SignificanceLevel is deliberately small. The comparison runs again
// every time a sample accumulates more values, so a loose threshold
// would reject the null hypothesis eventually on noise alone.
const SignificanceLevel = 0.001

// Compare determines whether valuesA and valuesB come from different
// distributions. It returns Different or Unknown, never Same.
func Compare(valuesA, valuesB []float64) Verdict {
	if len(valuesA) == 0 || len(valuesB) == 0 {
		// A sample has no values in it. Need more data either way.
		return Unknown
	}

	pValue := MannWhitneyU(valuesA, valuesB)
	if pValue < SignificanceLevel {
		return Different
	}
	return Unknown
}
