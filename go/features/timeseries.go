// Package features holds the pure numerical kernels of feature extraction.
//
// Every function here is deterministic: identical input yields bit-identical
// output. There is no I/O, no hidden state, and no randomness. The choices
// that carry this guarantee are explicit: population standard deviation
// (divisor n), stable sorts with original-position tie-breaking, and
// first-occurrence selection for repeated extrema.
package features

import (
	"fmt"
	"math"
	"sort"
)

// Map is a feature map: feature key to number, text, or null.
// Keys follow "channel.<CHANNEL>.<NAME>", "global.<NAME>" or
// "metadata.<NAME>"; no other shapes are emitted.
type Map map[string]interface{}

// Merge copies all entries of other into m.
func (m Map) Merge(other Map) {
	for k, v := range other {
		m[k] = v
	}
}

const (
	// baselineFraction of leading samples used as the baseline window.
	baselineFraction = 0.1
	// earlyFraction of leading samples used for the early-slope fit.
	earlyFraction = 0.2
	// snrEpsilon guards the SNR denominator against a zero baseline-std.
	snrEpsilon = 1e-9
)

var timeseriesNames = []string{
	"baseline_mean", "baseline_std", "y_max", "y_min",
	"t_at_max", "auc", "slope_early", "t_halfmax", "snr",
}

// Timeseries computes per-channel time-series features over a (t, y) series.
// The pair is sorted by t ascending with ties kept in original relative
// order. Empty input yields all-null features for the channel.
func Timeseries(t, y []float64, channel string) Map {
	var prefix = "channel." + channel + "."

	if len(t) == 0 || len(y) == 0 {
		var out = make(Map, len(timeseriesNames))
		for _, name := range timeseriesNames {
			out[prefix+name] = nil
		}
		return out
	}

	t, y = sortByTime(t, y)
	var n = len(y)

	// Baseline over the first 10% of samples (at least one).
	var b = len(t) / 10
	if b < 1 {
		b = 1
	}
	var baselineMean = mean(y[:b])
	var baselineStd = populationStddev(y[:b], baselineMean)

	// Extrema, with the first index winning repeated maxima.
	var yMax, yMin = y[0], y[0]
	var maxIdx = 0
	for i, yi := range y {
		if yi > yMax {
			yMax, maxIdx = yi, i
		}
		if yi < yMin {
			yMin = yi
		}
	}

	var auc = trapezoid(t, y)

	// Early slope: OLS fit over the first 20% of samples (at least two).
	var e = n / 5
	if e < 2 {
		e = 2
	}
	if e > n {
		e = n
	}
	var slopeEarly = 0.0
	if e >= 2 {
		slopeEarly = olsSlope(t[:e], y[:e])
	}

	// First crossing of the half-max level above baseline.
	var halfMax = baselineMean + 0.5*(yMax-baselineMean)
	var tHalfMax interface{}
	for i, yi := range y {
		if yi >= halfMax {
			tHalfMax = t[i]
			break
		}
	}

	var snr = (yMax - baselineMean) / math.Max(baselineStd, snrEpsilon)

	return Map{
		prefix + "baseline_mean": baselineMean,
		prefix + "baseline_std":  baselineStd,
		prefix + "y_max":         yMax,
		prefix + "y_min":         yMin,
		prefix + "t_at_max":      t[maxIdx],
		prefix + "auc":           auc,
		prefix + "slope_early":   slopeEarly,
		prefix + "t_halfmax":     tHalfMax,
		prefix + "snr":           snr,
	}
}

// sortByTime returns copies of (t, y) ordered by t ascending. The sort is
// stable: rows with identical t keep their original relative order.
func sortByTime(t, y []float64) ([]float64, []float64) {
	var idx = make([]int, len(t))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return t[idx[a]] < t[idx[b]] })

	var st = make([]float64, len(t))
	var sy = make([]float64, len(y))
	for i, j := range idx {
		st[i], sy[i] = t[j], y[j]
	}
	return st, sy
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// populationStddev is the standard deviation with divisor n (not n-1),
// matching across library implementations for determinism.
func populationStddev(v []float64, mu float64) float64 {
	var sum float64
	for _, x := range v {
		var d = x - mu
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(v)))
}

// trapezoid integrates y dt by the trapezoidal rule over the sorted series.
func trapezoid(t, y []float64) float64 {
	var sum float64
	for i := 1; i < len(t); i++ {
		sum += (t[i] - t[i-1]) * (y[i] + y[i-1]) / 2
	}
	return sum
}

// olsSlope fits y = alpha*t + beta by ordinary least squares and returns
// alpha. A degenerate fit (all t equal) yields zero.
func olsSlope(t, y []float64) float64 {
	var tMean = mean(t)
	var yMean = mean(y)

	var num, den float64
	for i := range t {
		num += (t[i] - tMean) * (y[i] - yMean)
		den += (t[i] - tMean) * (t[i] - tMean)
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Endpoint computes the endpoint feature for a single channel scalar.
func Endpoint(channel string, value float64) Map {
	return Map{fmt.Sprintf("channel.%s.endpoint_value", channel): value}
}
