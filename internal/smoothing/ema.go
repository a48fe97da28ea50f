// Package smoothing implements the exponential filter applied to the
// high-stress probability of a session.
package smoothing

// DefaultAlpha is the weight given to the newest sample.
const DefaultAlpha = 0.3

// Stress label thresholds on the smoothed high-stress probability.
const (
	HighThreshold   = 0.5
	MediumThreshold = 0.2
)

// Update returns alpha*pHigh + (1-alpha)*prev. For prev and pHigh in [0,1] and
// alpha in (0,1] the result stays in [0,1].
func Update(prev, pHigh, alpha float64) float64 {
	return alpha*pHigh + (1-alpha)*prev
}

// Label maps a smoothed high-stress probability to 0 (low), 1 (medium) or 2 (high).
func Label(ema float64) int {
	switch {
	case ema >= HighThreshold:
		return 2
	case ema >= MediumThreshold:
		return 1
	default:
		return 0
	}
}
