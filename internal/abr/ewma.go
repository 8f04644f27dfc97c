// Package abr estimates available bandwidth and picks the Representation a
// buffer should download next.
package abr

import "math"

// EWMA is an exponentially weighted moving average whose weights are
// durations, so a long sample moves the average more than a short one.
type EWMA struct {
	alpha       float64
	estimate    float64
	totalWeight float64
}

// NewEWMA creates an average whose samples lose half their influence after
// halfLife units of weight.
func NewEWMA(halfLife float64) *EWMA {
	return &EWMA{alpha: math.Exp(math.Log(0.5) / halfLife)}
}

// AddSample folds value in with the given weight.
func (e *EWMA) AddSample(weight, value float64) {
	adj := math.Pow(e.alpha, weight)
	e.estimate = value*(1-adj) + adj*e.estimate
	e.totalWeight += weight
}

// Estimate returns the zero-bias-corrected average. It is NaN before any sample.
func (e *EWMA) Estimate() float64 {
	zeroFactor := 1 - math.Pow(e.alpha, e.totalWeight)
	return e.estimate / zeroFactor
}

// TotalWeight is the sum of all sample weights.
func (e *EWMA) TotalWeight() float64 {
	return e.totalWeight
}
