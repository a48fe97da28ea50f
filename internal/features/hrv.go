package features

import "math"

// Vector holds heart-rate-variability statistics for one RR interval sample.
// A nil field means the statistic is undefined for the supplied sample.
type Vector struct {
	RMSSD        *float64 `json:"rmssd"`
	SDNN         *float64 `json:"sdnn"`
	MeanInterval *float64 `json:"mean_rr"`
	DerivedRate  *float64 `json:"mean_hr"`
}

// Defined reports whether the vector was computed from at least two samples.
func (v Vector) Defined() bool {
	return v.RMSSD != nil
}

// Inputs returns the four statistics in classifier order, substituting 0 for
// undefined fields.
func (v Vector) Inputs() [4]float64 {
	return [4]float64{orZero(v.RMSSD), orZero(v.SDNN), orZero(v.MeanInterval), orZero(v.DerivedRate)}
}

// Extract computes RMSSD, SDNN (population), mean interval and derived heart rate
// from an RR interval sequence in milliseconds. Fewer than two samples yields an
// all-undefined vector.
func Extract(samples []float64) Vector {
	if len(samples) < 2 {
		return Vector{}
	}

	n := float64(len(samples))
	mean := 0.0
	for _, s := range samples {
		mean += s
	}
	mean /= n

	variance := 0.0
	for _, s := range samples {
		variance += math.Pow(s-mean, 2)
	}
	variance /= n
	sdnn := math.Sqrt(variance)

	sumSq := 0.0
	for i := 1; i < len(samples); i++ {
		d := samples[i] - samples[i-1]
		sumSq += d * d
	}
	rmssd := math.Sqrt(sumSq / float64(len(samples)-1))

	vec := Vector{
		RMSSD:        &rmssd,
		SDNN:         &sdnn,
		MeanInterval: &mean,
	}
	if mean > 0 {
		rate := 60000.0 / mean
		vec.DerivedRate = &rate
	}
	return vec
}

func orZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// Map returns the statistics keyed by their wire names.
func (v Vector) Map() map[string]*float64 {
	return map[string]*float64{
		"rmssd":   v.RMSSD,
		"sdnn":    v.SDNN,
		"mean_rr": v.MeanInterval,
		"mean_hr": v.DerivedRate,
	}
}
