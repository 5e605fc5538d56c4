// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package risk turns error-log counts into a rough failure-risk estimate.
package risk

import (
	"math"
	"slices"
	"time"
)

const (
	// BucketWidth is the width of one count bucket.
	BucketWidth = 5 * time.Minute
	// MaxCounts is the length of the newest tail Bucketize returns (one day).
	MaxCounts = 288
	// DefaultScore is the estimate when there are no counts at all.
	DefaultScore = 0.1
)

// Level names a score band.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// BucketCount returns the number of buckets covering lookback, at least one.
func BucketCount(lookback time.Duration) int {
	return max(1, int(lookback/BucketWidth))
}

// Bucketize counts timestamps in 5-minute buckets over [start, start+lookback]
// and returns the newest MaxCounts buckets. Timestamps outside the window are
// dropped.
func Bucketize(timestamps []time.Time, start time.Time, lookback time.Duration) []float64 {
	n := BucketCount(lookback)
	end := start.Add(lookback)
	buckets := make([]float64, n)
	for _, ts := range timestamps {
		if ts.Before(start) || ts.After(end) {
			continue
		}
		if i := int(ts.Sub(start) / BucketWidth); i < n {
			buckets[i]++
		}
	}
	if len(buckets) > MaxCounts {
		buckets = buckets[len(buckets)-MaxCounts:]
	}
	return buckets
}

// FromCounts scores a count series in [0, 1]. Level, tail percentile, the
// most recent bucket and a rising trend each contribute a saturating term.
func FromCounts(counts []float64) float64 {
	if len(counts) == 0 {
		return DefaultScore
	}

	avg := mean(counts)
	p95 := Percentile(counts, 95)
	last := counts[len(counts)-1]

	recent := avg
	if len(counts) >= 12 {
		recent = mean(counts[len(counts)-12:])
	}
	prev := avg
	if len(counts) >= 24 {
		prev = mean(counts[len(counts)-24 : len(counts)-12])
	}
	trend := math.Max(0, recent-prev)

	score := 0.15
	score += math.Min(0.5, math.Tanh(avg/5)*0.35)
	score += math.Min(0.3, math.Tanh(p95/10)*0.25)
	score += math.Min(0.2, math.Tanh(last/10)*0.2)
	score += math.Min(0.2, math.Tanh(trend/3)*0.2)
	return Clamp(score)
}

// LevelOf maps a score to its band.
func LevelOf(score float64) Level {
	switch {
	case score >= 0.7:
		return LevelHigh
	case score >= 0.4:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Clamp limits v to [0, 1]. NaN maps to 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}

// Round3 rounds v to three decimal places.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Percentile returns the p-th percentile of values using linear
// interpolation between closest ranks.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
