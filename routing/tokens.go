package routing

// TokenEstimator maps text to an estimated token count. Estimates must be
// non-negative and monotonic with respect to concatenation.
type TokenEstimator interface {
	Estimate(text string) int
}

// CharEstimator estimates tokens using a characters-per-token ratio.
// A rough approximation: good enough for budget accounting and trim
// thresholds, not for billing.
type CharEstimator struct {
	CharsPerToken int // defaults to 4 if zero
}

func (e CharEstimator) ratio() int {
	if e.CharsPerToken <= 0 {
		return 4
	}
	return e.CharsPerToken
}

func (e CharEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return len(text) / e.ratio()
}
