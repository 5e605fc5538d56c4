// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package risk_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/vigil/internal/risk"
)

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestFromCounts(t *testing.T) {
	rising := append(repeat(0, 12), repeat(3, 12)...)
	wantRising := 0.15 + math.Tanh(0.3)*0.35 + math.Tanh(0.3)*0.25 + math.Tanh(0.3)*0.2 + math.Tanh(1)*0.2

	tests := []struct {
		name   string
		counts []float64
		want   float64
	}{
		{"empty", nil, 0.1},
		{"quiet", repeat(0, 10), 0.15},
		{"saturated", repeat(1000, 30), 0.95},
		{"rising trend", rising, wantRising},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, risk.FromCounts(tt.counts), 1e-9)
		})
	}
}

func TestFromCounts_ShortSeriesHasNoTrend(t *testing.T) {
	// Fewer than 12 points: recent and previous both fall back to the mean.
	counts := []float64{0, 0, 0, 10}
	avg := 2.5
	p95 := risk.Percentile(counts, 95)
	want := 0.15 + math.Tanh(avg/5)*0.35 + math.Tanh(p95/10)*0.25 + math.Tanh(1)*0.2
	assert.InDelta(t, want, risk.FromCounts(counts), 1e-9)
}

func TestPercentile(t *testing.T) {
	assert.InDelta(t, 3.85, risk.Percentile([]float64{4, 1, 3, 2}, 95), 1e-9)
	assert.InDelta(t, 2.5, risk.Percentile([]float64{1, 2, 3, 4}, 50), 1e-9)
	assert.Equal(t, 5.0, risk.Percentile([]float64{5}, 95))
	assert.Equal(t, 0.0, risk.Percentile(nil, 95))
}

func TestLevelOf(t *testing.T) {
	assert.Equal(t, risk.LevelHigh, risk.LevelOf(0.7))
	assert.Equal(t, risk.LevelMedium, risk.LevelOf(0.6999))
	assert.Equal(t, risk.LevelMedium, risk.LevelOf(0.4))
	assert.Equal(t, risk.LevelLow, risk.LevelOf(0.3999))
}

func TestClampAndRound(t *testing.T) {
	assert.Equal(t, 0.0, risk.Clamp(-0.2))
	assert.Equal(t, 1.0, risk.Clamp(1.7))
	assert.Equal(t, 0.0, risk.Clamp(math.NaN()))
	assert.Equal(t, 0.535, risk.Round3(0.53536892))
	assert.Equal(t, 0.1, risk.Round3(0.1))
}

func TestBucketCount(t *testing.T) {
	assert.Equal(t, 1, risk.BucketCount(0))
	assert.Equal(t, 12, risk.BucketCount(time.Hour))
	assert.Equal(t, 288, risk.BucketCount(24*time.Hour))
}

func TestBucketize(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ts := []time.Time{
		start,
		start.Add(4*time.Minute + 59*time.Second),
		start.Add(5 * time.Minute),
		start.Add(59 * time.Minute),
		start.Add(-time.Second), // before the window
		start.Add(61 * time.Minute),
	}

	counts := risk.Bucketize(ts, start, time.Hour)
	require.Len(t, counts, 12)
	assert.Equal(t, 2.0, counts[0])
	assert.Equal(t, 1.0, counts[1])
	assert.Equal(t, 1.0, counts[11])

	var total float64
	for _, c := range counts {
		total += c
	}
	assert.Equal(t, 4.0, total)
}

func TestBucketize_KeepsNewestDay(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ts := []time.Time{start, start.Add(47*time.Hour + 59*time.Minute)}

	counts := risk.Bucketize(ts, start, 48*time.Hour)
	require.Len(t, counts, risk.MaxCounts)
	assert.Equal(t, 1.0, counts[len(counts)-1])
	assert.Equal(t, 0.0, counts[0], "the oldest day is dropped")
}
