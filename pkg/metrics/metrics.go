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

// Registry collects service counters without external scrape
// dependencies. Exposed as JSON for operators and as Prometheus text
// for scrapers.
type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	decision       map[string]int64
	reason         map[string]int64
	gauges         map[string]float64
	decryptLatency LatencyStat
	histograms     map[string]*Histogram
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	Decisions        map[string]int64        `json:"decisions"`
	Reasons          map[string]int64        `json:"reasons"`
	Gauges           map[string]float64      `json:"gauges"`
	DecryptLatencyMS LatencyStat             `json:"decrypt_latency_ms"`
	Histograms       []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		decision:   map[string]int64{},
		reason:     map[string]int64{},
		gauges:     map[string]float64{},
		histograms: map[string]*Histogram{},
	}
}

// Observe records one handled request for an endpoint.
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

// ObserveLatency feeds the per-endpoint latency histogram.
func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.mu.Lock()
	h, ok := r.histograms[endpoint]
	if !ok {
		h = NewHistogram(endpoint)
		r.histograms[endpoint] = h
	}
	r.mu.Unlock()
	h.Observe(d)
}

// IncDecision counts one terminal gateway decision. kind is empty for
// approvals.
func (r *Registry) IncDecision(state, kind string) {
	state = strings.TrimSpace(state)
	if state == "" {
		return
	}
	kind = strings.TrimSpace(kind)
	key := state
	if kind != "" {
		key = state + "|" + kind
	}
	r.mu.Lock()
	r.decision[key]++
	if kind != "" {
		r.reason[kind]++
	}
	r.mu.Unlock()
}

// ObserveDecryptLatency tracks the external decrypt call.
func (r *Registry) ObserveDecryptLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decryptLatency.Count++
	r.decryptLatency.TotalMS += ms
	r.decryptLatency.LastMS = ms
	if ms > r.decryptLatency.MaxMS {
		r.decryptLatency.MaxMS = ms
	}
	r.decryptLatency.AvgMS = float64(r.decryptLatency.TotalMS) / float64(r.decryptLatency.Count)
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
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:        make(map[string]int64, len(r.decision)),
		Reasons:          make(map[string]int64, len(r.reason)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		DecryptLatencyMS: r.decryptLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	names := make([]string, 0, len(r.histograms))
	for name := range r.histograms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out.Histograms = append(out.Histograms, r.histograms[name].Snapshot())
	}
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
		b.WriteString("# HELP statgate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE statgate_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "statgate_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP statgate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE statgate_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "statgate_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP statgate_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE statgate_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "statgate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP statgate_decision_total terminal gateway decisions by state and reason\n")
		b.WriteString("# TYPE statgate_decision_total counter\n")
		for _, key := range SortedKeys(snap.Decisions) {
			parts := strings.SplitN(key, "|", 2)
			state := parts[0]
			reason := ""
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "statgate_decision_total{state=%q,reason=%q} %d\n", state, reason, snap.Decisions[key])
		}
		b.WriteString("# HELP statgate_reason_total rejections by reason code\n")
		b.WriteString("# TYPE statgate_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "statgate_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP statgate_gauge operational gauge metrics\n")
		b.WriteString("# TYPE statgate_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "statgate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP statgate_decrypt_latency_ms external decrypt latency in ms\n")
		b.WriteString("# TYPE statgate_decrypt_latency_ms gauge\n")
		fmt.Fprintf(b, "statgate_decrypt_latency_ms{stat=%q} %d\n", "last", snap.DecryptLatencyMS.LastMS)
		fmt.Fprintf(b, "statgate_decrypt_latency_ms{stat=%q} %.3f\n", "avg", snap.DecryptLatencyMS.AvgMS)
		fmt.Fprintf(b, "statgate_decrypt_latency_ms{stat=%q} %d\n", "max", snap.DecryptLatencyMS.MaxMS)
		for _, h := range snap.Histograms {
			b.WriteString("# HELP statgate_latency_seconds latency histogram\n")
			b.WriteString("# TYPE statgate_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "statgate_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "statgate_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "statgate_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "statgate_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "statgate_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
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
