package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// OutcomeStats summarizes the recent latency of one upstream call outcome.
type OutcomeStats struct {
	Outcome string  `json:"outcome"`
	Samples int     `json:"samples"`
	Total   int     `json:"total"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
}

type UpstreamSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Outcomes    []OutcomeStats `json:"outcomes"`
}

// upstreamWindow keeps the last maxSamples latencies per outcome in a ring.
type upstreamWindow struct {
	mu         sync.RWMutex
	maxSamples int
	outcomes   map[string]*latencyRing
}

type latencyRing struct {
	values []float64
	next   int
	filled bool
	last   float64
	total  int
}

func newUpstreamWindow(maxSamples int) *upstreamWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &upstreamWindow{
		maxSamples: maxSamples,
		outcomes:   make(map[string]*latencyRing),
	}
}

func (w *upstreamWindow) Observe(outcome string, ms float64) {
	if outcome == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ring, ok := w.outcomes[outcome]
	if !ok {
		ring = &latencyRing{values: make([]float64, w.maxSamples)}
		w.outcomes[outcome] = ring
	}
	ring.values[ring.next] = ms
	ring.last = ms
	ring.total++
	ring.next++
	if ring.next >= len(ring.values) {
		ring.next = 0
		ring.filled = true
	}
}

func (w *upstreamWindow) Snapshot() UpstreamSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.outcomes))
	for outcome := range w.outcomes {
		keys = append(keys, outcome)
	}
	sort.Strings(keys)

	stats := make([]OutcomeStats, 0, len(keys))
	for _, outcome := range keys {
		ring := w.outcomes[outcome]
		n := ring.next
		if ring.filled {
			n = len(ring.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, ring.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		stats = append(stats, OutcomeStats{
			Outcome: outcome,
			Samples: n,
			Total:   ring.total,
			LastMS:  round2(ring.last),
			AvgMS:   round2(sum / float64(n)),
			P50MS:   round2(quantile(samples, 0.50)),
			P95MS:   round2(quantile(samples, 0.95)),
		})
	}

	return UpstreamSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Outcomes:    stats,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
