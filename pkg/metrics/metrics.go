package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is the gateway's in-process metrics store, exposed as JSON on
// /metrics and in Prometheus text format on /metrics/prometheus.
type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	authReason    map[string]int64
	powOutcome    map[string]int64
	rateScope     map[string]int64
	abuseKind     map[string]int64
	registrations int64
	sweptRows     map[string]int64
	gauges        map[string]float64
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt   string                  `json:"generated_at"`
	Endpoints     map[string]EndpointStat `json:"endpoints"`
	AuthReasons   map[string]int64        `json:"auth_reasons"`
	PowOutcomes   map[string]int64        `json:"pow_outcomes"`
	RateScopes    map[string]int64        `json:"rate_scopes"`
	AbuseKinds    map[string]int64        `json:"abuse_kinds"`
	Registrations int64                   `json:"registrations_total"`
	SweptRows     map[string]int64        `json:"swept_rows"`
	Gauges        map[string]float64      `json:"gauges"`
	Histograms    []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		authReason: map[string]int64{},
		powOutcome: map[string]int64{},
		rateScope:  map[string]int64{},
		abuseKind:  map[string]int64{},
		sweptRows:  map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncAuthReason counts signature verification rejections by reason code.
func (r *Registry) IncAuthReason(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.authReason[reason]++
	r.mu.Unlock()
}

// IncPowOutcome counts challenge verifications by outcome
// (accepted, expired, insufficient, reused, mismatch, unknown).
func (r *Registry) IncPowOutcome(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.powOutcome[outcome]++
	r.mu.Unlock()
}

// IncRateLimited counts limiter rejections keyed by scope kind and action.
func (r *Registry) IncRateLimited(scopeKind, action string) {
	scopeKind = strings.TrimSpace(scopeKind)
	if scopeKind == "" {
		return
	}
	if action == "" {
		action = "unknown"
	}
	key := scopeKind + "|" + action
	r.mu.Lock()
	r.rateScope[key]++
	r.mu.Unlock()
}

func (r *Registry) IncAbuseKind(kind string) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return
	}
	r.mu.Lock()
	r.abuseKind[kind]++
	r.mu.Unlock()
}

func (r *Registry) IncRegistration() {
	r.mu.Lock()
	r.registrations++
	r.mu.Unlock()
}

// AddSweptRows accumulates rows deleted by retention sweeps per table.
func (r *Registry) AddSweptRows(table string, n int64) {
	if table == "" || n <= 0 {
		return
	}
	r.mu.Lock()
	r.sweptRows[table] += n
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     make(map[string]EndpointStat, len(r.endpoint)),
		AuthReasons:   make(map[string]int64, len(r.authReason)),
		PowOutcomes:   make(map[string]int64, len(r.powOutcome)),
		RateScopes:    make(map[string]int64, len(r.rateScope)),
		AbuseKinds:    make(map[string]int64, len(r.abuseKind)),
		Registrations: r.registrations,
		SweptRows:     make(map[string]int64, len(r.sweptRows)),
		Gauges:        make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.authReason {
		out.AuthReasons[k] = v
	}
	for k, v := range r.powOutcome {
		out.PowOutcomes[k] = v
	}
	for k, v := range r.rateScope {
		out.RateScopes[k] = v
	}
	for k, v := range r.abuseKind {
		out.AbuseKinds[k] = v
	}
	for k, v := range r.sweptRows {
		out.SweptRows[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP wikinet_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE wikinet_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "wikinet_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP wikinet_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE wikinet_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "wikinet_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP wikinet_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE wikinet_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "wikinet_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP wikinet_auth_rejections_total signature verification rejections by reason\n")
		b.WriteString("# TYPE wikinet_auth_rejections_total counter\n")
		for _, reason := range SortedKeys(snap.AuthReasons) {
			fmt.Fprintf(b, "wikinet_auth_rejections_total{reason=%q} %d\n", reason, snap.AuthReasons[reason])
		}
		b.WriteString("# HELP wikinet_pow_verifications_total challenge verifications by outcome\n")
		b.WriteString("# TYPE wikinet_pow_verifications_total counter\n")
		for _, outcome := range SortedKeys(snap.PowOutcomes) {
			fmt.Fprintf(b, "wikinet_pow_verifications_total{outcome=%q} %d\n", outcome, snap.PowOutcomes[outcome])
		}
		b.WriteString("# HELP wikinet_rate_limited_total limiter rejections by scope and action\n")
		b.WriteString("# TYPE wikinet_rate_limited_total counter\n")
		for _, key := range SortedKeys(snap.RateScopes) {
			parts := strings.SplitN(key, "|", 2)
			scope := parts[0]
			action := "unknown"
			if len(parts) == 2 {
				action = parts[1]
			}
			fmt.Fprintf(b, "wikinet_rate_limited_total{scope=%q,action=%q} %d\n", scope, action, snap.RateScopes[key])
		}
		b.WriteString("# HELP wikinet_abuse_events_total abuse events by kind\n")
		b.WriteString("# TYPE wikinet_abuse_events_total counter\n")
		for _, kind := range SortedKeys(snap.AbuseKinds) {
			fmt.Fprintf(b, "wikinet_abuse_events_total{kind=%q} %d\n", kind, snap.AbuseKinds[kind])
		}
		b.WriteString("# HELP wikinet_registrations_total accepted client registrations\n")
		b.WriteString("# TYPE wikinet_registrations_total counter\n")
		fmt.Fprintf(b, "wikinet_registrations_total %d\n", snap.Registrations)
		b.WriteString("# HELP wikinet_swept_rows_total rows removed by retention sweeps\n")
		b.WriteString("# TYPE wikinet_swept_rows_total counter\n")
		for _, table := range SortedKeys(snap.SweptRows) {
			fmt.Fprintf(b, "wikinet_swept_rows_total{table=%q} %d\n", table, snap.SweptRows[table])
		}
		b.WriteString("# HELP wikinet_gauge operational gauge metrics\n")
		b.WriteString("# TYPE wikinet_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "wikinet_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP wikinet_latency_seconds latency histogram\n")
			b.WriteString("# TYPE wikinet_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "wikinet_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "wikinet_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "wikinet_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "wikinet_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "wikinet_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "wikinet_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "wikinet_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
