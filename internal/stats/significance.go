package stats

import "math"

// TwoProportionTest runs a two-tailed two-proportion z-test on conversion
// counts. ok is false when the test is undefined (an empty arm, or a pooled
// rate of exactly 0 or 1 giving a degenerate standard error); callers must
// treat that as not significant.
func TwoProportionTest(conv1, n1, conv2, n2 int64) (z, pValue float64, ok bool) {
	if n1 == 0 || n2 == 0 {
		return 0, 0, false
	}

	p1 := float64(conv1) / float64(n1)
	p2 := float64(conv2) / float64(n2)

	pooled := float64(conv1+conv2) / float64(n1+n2)
	stdErr := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
	if stdErr == 0 || math.IsNaN(stdErr) || math.IsInf(stdErr, 0) {
		return 0, 0, false
	}

	z = (p2 - p1) / stdErr
	pValue = 2 * (1 - normalCDF(math.Abs(z)))
	return z, pValue, true
}

// Confidence returns the one-tailed confidence Φ(|z|) that the observed
// difference is real. Significance is declared from this value, not from the
// two-tailed p-value, which is reported for reference.
func Confidence(z float64) float64 {
	return normalCDF(math.Abs(z))
}

// DiffInterval returns the confidence interval on the conversion-rate
// difference p2-p1, in percentage points, using the unpooled normal
// approximation.
func DiffInterval(conv1, n1, conv2, n2 int64, zCritical float64) (lower, upper float64) {
	p1 := float64(conv1) / float64(n1)
	p2 := float64(conv2) / float64(n2)

	diff := p2 - p1
	seDiff := math.Sqrt(p1*(1-p1)/float64(n1) + p2*(1-p2)/float64(n2))
	margin := zCritical * seDiff

	return (diff - margin) * 100, (diff + margin) * 100
}

// normalCDF approximates the cumulative distribution function
// of the standard normal distribution
func normalCDF(x float64) float64 {
	// Use the approximation from Abramowitz and Stegun
	// Handbook of Mathematical Functions, formula 7.1.26
	a1 := 0.254829592
	a2 := -0.284496736
	a3 := 1.421413741
	a4 := -1.453152027
	a5 := 1.061405429
	p := 0.3275911

	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x) / math.Sqrt(2)

	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}
