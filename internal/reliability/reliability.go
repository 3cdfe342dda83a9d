// Package reliability tracks per-listing call outcomes and computes
// composite quality scores over the most recent samples.
//
// Rate-limit rejections (429) are kept in the latency percentiles but
// excluded from error-rate and uptime: they reflect demand, not provider
// reliability.
package reliability

import (
	"context"
	"math"
	"sort"
	"time"
)

// MaxEntries is the default cap on retained samples per listing.
const MaxEntries = 1000

// Sample is one recorded call outcome.
type Sample struct {
	LatencyMs int64     `json:"latencyMs"`
	Status    int       `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Score is the computed reliability summary for a listing.
type Score struct {
	SampleCount  int     `json:"sampleCount"`
	ErrorRate    float64 `json:"errorRate"`
	Uptime       float64 `json:"uptime"`
	P50LatencyMs int64   `json:"p50LatencyMs"`
	P95LatencyMs int64   `json:"p95LatencyMs"`
	P99LatencyMs int64   `json:"p99LatencyMs"`
	LatencyScore float64 `json:"latencyScore"`
	QualityScore int     `json:"qualityScore"`
	ComputedAt   time.Time `json:"computedAt"`
}

// Store persists samples as a per-slug set ordered by timestamp, trimmed
// to a maximum cardinality on insert.
type Store interface {
	Record(ctx context.Context, slug string, sample Sample) error
	Samples(ctx context.Context, slug string) ([]Sample, error)
}

// allGreen is returned when a listing has no countable samples.
func allGreen() *Score {
	return &Score{
		ErrorRate:    0,
		Uptime:       1.0,
		LatencyScore: 100,
		QualityScore: 100,
		ComputedAt:   time.Now(),
	}
}

// compute derives a Score from raw samples.
func compute(samples []Sample) *Score {
	countable := 0
	errors := 0
	outages := 0
	latencies := make([]int64, 0, len(samples))

	for _, s := range samples {
		latencies = append(latencies, s.LatencyMs)
		if s.Status == 429 {
			continue
		}
		countable++
		if s.Status >= 400 {
			errors++
		}
		if s.Status >= 500 {
			outages++
		}
	}

	if countable == 0 {
		sc := allGreen()
		sc.SampleCount = len(samples)
		return sc
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	uptime := float64(countable-outages) / float64(countable)
	p95 := percentile(latencies, 0.95)
	ls := latencyScore(p95)
	quality := int(math.Round(uptime*100*0.6 + ls*0.4))

	return &Score{
		SampleCount:  len(samples),
		ErrorRate:    float64(errors) / float64(countable),
		Uptime:       uptime,
		P50LatencyMs: percentile(latencies, 0.50),
		P95LatencyMs: p95,
		P99LatencyMs: percentile(latencies, 0.99),
		LatencyScore: ls,
		QualityScore: quality,
		ComputedAt:   time.Now(),
	}
}

// percentile returns sorted[idx] with idx = max(0, min(⌈p·n⌉−1, n−1)).
func percentile(sorted []int64, p float64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// latencyScore maps p95 latency to [0, 100]: 100 at ≤100ms, 0 at ≥5000ms,
// linear between.
func latencyScore(p95 int64) float64 {
	switch {
	case p95 <= 100:
		return 100
	case p95 >= 5000:
		return 0
	default:
		return 100 * (1 - float64(p95-100)/4900)
	}
}
