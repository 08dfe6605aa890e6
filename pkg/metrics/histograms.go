package metrics

import (
	"sort"
	"sync"
	"time"
)

// latencyBounds are the cumulative bucket upper bounds in seconds. The
// Prometheus handler emits them as classic le-labelled buckets.
var latencyBounds = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// HistogramBucket is one cumulative bucket in a snapshot.
type HistogramBucket struct {
	Le    float64
	Count int64
}

// Histogram accumulates request latencies. Counts are stored per bound and
// cumulated only when a snapshot is taken, which keeps Observe to one index
// increment under the lock.
type Histogram struct {
	mu     sync.Mutex
	name   string
	counts []int64 // one slot per bound, plus overflow at the end
	sum    float64
	total  int64
}

func NewHistogram(name string) *Histogram {
	return &Histogram{name: name, counts: make([]int64, len(latencyBounds)+1)}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	slot := len(latencyBounds)
	for i, bound := range latencyBounds {
		if sec <= bound {
			slot = i
			break
		}
	}
	h.mu.Lock()
	h.counts[slot]++
	h.sum += sec
	h.total++
	h.mu.Unlock()
}

// Percentile estimates the given quantile as the upper bound of the bucket
// the target observation falls in. Returns 0 for an empty histogram.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return percentileLocked(h.counts, h.total, p)
}

func percentileLocked(counts []int64, total int64, p float64) float64 {
	if total == 0 {
		return 0
	}
	target := int64(p * float64(total))
	if target < 1 {
		target = 1
	}
	var seen int64
	for i, bound := range latencyBounds {
		seen += counts[i]
		if seen >= target {
			return bound
		}
	}
	return latencyBounds[len(latencyBounds)-1]
}

// HistogramSnapshot carries cumulative buckets and precomputed quantiles for
// exposition.
type HistogramSnapshot struct {
	Name    string
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HistogramSnapshot{
		Name:    h.name,
		Buckets: make([]HistogramBucket, len(latencyBounds)),
		Sum:     h.sum,
		Count:   h.total,
	}
	var cumulative int64
	for i, bound := range latencyBounds {
		cumulative += h.counts[i]
		snap.Buckets[i] = HistogramBucket{Le: bound, Count: cumulative}
	}
	if h.total > 0 {
		snap.P50 = percentileLocked(h.counts, h.total, 0.50)
		snap.P95 = percentileLocked(h.counts, h.total, 0.95)
		snap.P99 = percentileLocked(h.counts, h.total, 0.99)
	}
	return snap
}

// HistogramRegistry keys latency histograms by endpoint.
type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	h = NewHistogram(name)
	r.histograms[name] = h
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots returns every histogram ordered by name for stable exposition.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistogramSnapshot, 0, len(r.histograms))
	for _, h := range r.histograms {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
