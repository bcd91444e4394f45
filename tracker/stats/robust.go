// Package stats holds the robust estimators used to summarize benchmark baselines.
// Benchmark timings are right-skewed and occasionally spiked by CI noise, so the
// baseline center and spread are the median and the median absolute deviation.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Summary describes a set of baseline samples
type Summary struct {
	Count  int
	Median float64
	MAD    float64
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Median returns the middle value of xs, averaging the two middle values for an
// even count. It returns NaN for an empty slice and does not modify xs.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return sortedMedian(sorted)
}

func sortedMedian(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return stat.Mean(sorted[n/2-1:n/2+1], nil)
}

// MAD returns the median absolute deviation of xs around median
func MAD(xs []float64, median float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	dev := make([]float64, len(xs))
	for i, x := range xs {
		dev[i] = math.Abs(x - median)
	}
	return Median(dev)
}

// Summarize computes the robust and classic summaries of xs
func Summarize(xs []float64) Summary {
	if len(xs) == 0 {
		nan := math.NaN()
		return Summary{Median: nan, MAD: nan, Mean: nan, StdDev: nan, Min: nan, Max: nan}
	}

	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	median := sortedMedian(sorted)

	s := Summary{
		Count:  len(xs),
		Median: median,
		MAD:    MAD(sorted, median),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}
	if len(xs) > 1 {
		s.Mean, s.StdDev = stat.MeanStdDev(sorted, nil)
	} else {
		s.Mean = sorted[0]
	}
	return s
}
