// Go implementation of the Mann-Whitney U test.
//
// This code is adapted from [SciPy], which is provided under a
// BSD-style license.
//
// Small samples use the exact null distribution of U; larger samples
// use the normal approximation with a continuity correction. Ties are
// ranked fractionally and enter the approximation through the tie
// correction factor. Note that there is a Go implementation of MWU in
// the wild, but it handles ties differently, so it is possible for no
// p-value to be produced when the two samples are identical. That
// happens routinely here, both with bimodal benchmarks and with
// failure-rate vectors of zeros and ones.
//
// [SciPy]: https://github.com/scipy/scipy/blob/master/scipy/stats/stats.py

package compare

import (
	"math"
	"sort"
)

// exactThreshold is the smaller sample size below which the exact
// distribution of U is used instead of the normal approximation.
const exactThreshold = 8

// MannWhitneyU computes the two-sided p-value of the Mann-Whitney rank
// test on samples x and y.
func MannWhitneyU(x, y []float64) float64 {
	n1 := float64(len(x))
	n2 := float64(len(y))
	combined := make([]float64, 0, len(x)+len(y))
	combined = append(combined, x...)
	combined = append(combined, y...)
	ranked := rankData(combined)

	s := 0.0
	for _, r := range ranked[:len(x)] {
		s += r
	}
	u1 := n1*n2 + n1*(n1+1)/2.0 - s // U for x
	u2 := n1*n2 - u1                // remainder is U for y
	bigU := math.Max(u1, u2)

	t := tieCorrectionFactor(ranked)
	if t == 0 {
		// Every value is identical; the test carries no information.
		return 1.0
	}

	if len(x) < exactThreshold && len(y) < exactThreshold && !hasTies(combined) {
		// The exact null distribution assumes distinct ranks, so ties
		// fall through to the approximation, as in SciPy.
		return exactPValue(bigU, len(x), len(y))
	}

	sd := math.Sqrt(t * n1 * n2 * (n1 + n2 + 1) / 12.0)
	// The 0.5 is the continuity correction.
	z := (bigU - (n1*n2/2.0 + 0.5)) / sd
	return 2 * normSf(math.Abs(z))
}

// rankData assigns ranks to the data, ties getting the mean of the
// ranks they span. This is called "fractional ranking":
// https://en.wikipedia.org/wiki/Ranking
func rankData(a []float64) []float64 {
	order := make([]int, len(a))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return a[order[i]] < a[order[j]]
	})

	ranks := make([]float64, len(a))
	for i := 0; i < len(order); {
		j := i
		for j+1 < len(order) && a[order[j+1]] == a[order[i]] {
			j++
		}
		// Elements i..j of the sort order are tied; 1-based ranks.
		mean := float64(i+j)/2.0 + 1
		for k := i; k <= j; k++ {
			ranks[order[k]] = mean
		}
		i = j + 1
	}
	return ranks
}

func hasTies(a []float64) bool {
	seen := make(map[float64]bool, len(a))
	for _, v := range a {
		if seen[v] {
			return true
		}
		seen[v] = true
	}
	return false
}

// tieCorrectionFactor computes the tie correction for the variance of
// U. It is 0 when all values are tied and 1 when none are.
func tieCorrectionFactor(rankvals []float64) float64 {
	size := len(rankvals)
	if size < 2 {
		return 1.0
	}
	arr := make([]float64, size)
	copy(arr, rankvals)
	sort.Float64s(arr)

	sum := 0.0
	for i := 0; i < size; {
		j := i
		for j+1 < size && arr[j+1] == arr[i] {
			j++
		}
		run := float64(j - i + 1)
		sum += math.Pow(run, 3) - run
		i = j + 1
	}
	return 1.0 - sum/float64(size*size*size-size)
}

// exactPValue computes the two-sided p-value of observing a statistic
// at least as large as bigU from the exact null distribution of U for
// sample sizes n1 and n2.
func exactPValue(bigU float64, n1, n2 int) float64 {
	memo := map[[3]int]float64{}
	total := 0.0
	tail := 0.0
	lo := int(math.Ceil(bigU - 1e-9))
	for u := 0; u <= n1*n2; u++ {
		c := uCount(n1, n2, u, memo)
		total += c
		if u >= lo {
			tail += c
		}
	}
	return math.Min(1.0, 2*tail/total)
}

// uCount counts arrangements of m and n observations whose U statistic
// equals u, by the classic recurrence
// f(m, n, u) = f(m-1, n, u-n) + f(m, n-1, u).
func uCount(m, n, u int, memo map[[3]int]float64) float64 {
	if u < 0 {
		return 0
	}
	if m == 0 || n == 0 {
		if u == 0 {
			return 1
		}
		return 0
	}
	key := [3]int{m, n, u}
	if v, ok := memo[key]; ok {
		return v
	}
	v := uCount(m-1, n, u-n, memo) + uCount(m, n-1, u, memo)
	memo[key] = v
	return v
}

// normSf is the survival function of the standard normal distribution.
func normSf(x float64) float64 {
	return (1 - math.Erf(x/math.Sqrt2)) / 2
}
