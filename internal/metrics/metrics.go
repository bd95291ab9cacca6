package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

type metricType string

const (
	counterType   metricType = "counter"
	gaugeType     metricType = "gauge"
	histogramType metricType = "histogram"
)

type descriptor struct {
	Name    string
	Help    string
	Type    metricType
	Buckets []float64
}

type valueSeries struct {
	Labels map[string]string
	Value  float64
}

type histogramSeries struct {
	Labels       map[string]string
	Count        uint64
	Sum          float64
	BucketCounts []uint64
}

type Registry struct {
	mu         sync.RWMutex
	descs      map[string]descriptor
	values     map[string]map[string]*valueSeries
	histograms map[string]map[string]*histogramSeries
}

var latencyBucketsMS = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

func NewRegistry() *Registry {
	r := &Registry{
		descs:      make(map[string]descriptor),
		values:     make(map[string]map[string]*valueSeries),
		histograms: make(map[string]map[string]*histogramSeries),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.RegisterCounter("fleet_job_runs_total", "Total background job runs by job and status.")
	r.RegisterHistogram("fleet_job_duration_ms", "Background job duration in milliseconds by job.", latencyBucketsMS)
	r.RegisterCounter("fleet_remote_calls_total", "Total media server calls by operation and status.")
	r.RegisterHistogram("fleet_remote_call_latency_ms", "Media server call latency in milliseconds by operation.", latencyBucketsMS)
	r.RegisterCounter("fleet_room_starts_total", "Total room start attempts by result.")
	r.RegisterCounter("fleet_room_joins_total", "Total room join attempts by result.")
	r.RegisterCounter("fleet_health_transitions_total", "Total server health transitions by direction.")
	r.RegisterCounter("fleet_ghost_meetings_total", "Total meetings ended because the server no longer reported them.")
	r.RegisterCounter("fleet_detached_meetings_total", "Total meetings detached because their server went offline.")
	r.RegisterGauge("fleet_server_online", "1 if the server health is online, 0 otherwise.")
	r.RegisterGauge("fleet_server_participants", "Participants reported by the server on the last reconciliation.")
	r.RegisterCounter("fleet_aws_retries_total", "Total AWS retries by operation, region, and error code.")
	r.RegisterCounter("fleet_aws_operations_total", "Total AWS operation attempts by operation, region, and status.")
	r.RegisterHistogram("fleet_aws_operation_latency_ms", "AWS operation latency in milliseconds by operation, region, and status.", latencyBucketsMS)
}

func (r *Registry) RegisterCounter(name, help string) {
	r.register(descriptor{Name: name, Help: help, Type: counterType})
}

func (r *Registry) RegisterGauge(name, help string) {
	r.register(descriptor{Name: name, Help: help, Type: gaugeType})
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64) {
	cp := append([]float64(nil), buckets...)
	sort.Float64s(cp)
	r.register(descriptor{Name: name, Help: help, Type: histogramType, Buckets: cp})
}

func (r *Registry) register(d descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[d.Name] = d
}

func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.AddCounter(name, 1, labels)
}

func (r *Registry) AddCounter(name string, delta float64, labels map[string]string) {
	if delta < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.valueSeriesLocked(name, counterType, labels); s != nil {
		s.Value += delta
	}
}

func (r *Registry) SetGauge(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.valueSeriesLocked(name, gaugeType, labels); s != nil {
		s.Value = value
	}
}

func (r *Registry) valueSeriesLocked(name string, want metricType, labels map[string]string) *valueSeries {
	desc, ok := r.descs[name]
	if !ok || desc.Type != want {
		return nil
	}
	seriesMap := r.values[name]
	if seriesMap == nil {
		seriesMap = make(map[string]*valueSeries)
		r.values[name] = seriesMap
	}
	key := labelsKey(labels)
	series := seriesMap[key]
	if series == nil {
		series = &valueSeries{Labels: cloneLabels(labels)}
		seriesMap[key] = series
	}
	return series
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.descs[name]
	if !ok || desc.Type != histogramType {
		return
	}
	seriesMap := r.histograms[name]
	if seriesMap == nil {
		seriesMap = make(map[string]*histogramSeries)
		r.histograms[name] = seriesMap
	}
	key := labelsKey(labels)
	series := seriesMap[key]
	if series == nil {
		series = &histogramSeries{
			Labels:       cloneLabels(labels),
			BucketCounts: make([]uint64, len(desc.Buckets)+1),
		}
		seriesMap[key] = series
	}
	bi := sort.SearchFloat64s(desc.Buckets, value)
	series.BucketCounts[bi]++
	series.Count++
	series.Sum += value
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}

func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	names := make([]string, 0, len(r.descs))
	for name := range r.descs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d := r.descs[name]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n", name, d.Help, name, d.Type)

		switch d.Type {
		case counterType, gaugeType:
			series := r.values[name]
			for _, key := range sortedSeriesKeys(series) {
				s := series[key]
				writeMetricLine(&b, name, s.Labels, trimFloat(s.Value))
			}
		case histogramType:
			series := r.histograms[name]
			for _, key := range sortedSeriesKeys(series) {
				s := series[key]
				var cumulative uint64
				for i, bucketCount := range s.BucketCounts {
					cumulative += bucketCount
					withLE := cloneLabels(s.Labels)
					if i < len(d.Buckets) {
						withLE["le"] = trimFloat(d.Buckets[i])
					} else {
						withLE["le"] = "+Inf"
					}
					writeMetricLine(&b, name+"_bucket", withLE, fmt.Sprintf("%d", cumulative))
				}
				writeMetricLine(&b, name+"_sum", s.Labels, trimFloat(s.Sum))
				writeMetricLine(&b, name+"_count", s.Labels, fmt.Sprintf("%d", s.Count))
			}
		}
	}

	return b.String()
}

func sortedSeriesKeys[T any](m map[string]*T) []string {
	out := make([]string, 0, len(m))
	for key := range m {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func writeMetricLine(b *strings.Builder, name string, labels map[string]string, value string) {
	b.WriteString(name)
	if len(labels) > 0 {
		keys := make([]string, 0, len(labels))
		for key := range labels {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, key := range keys {
			pairs = append(pairs, key+"=\""+escapeLabel(labels[key])+"\"")
		}
		b.WriteString("{" + strings.Join(pairs, ",") + "}")
	}
	b.WriteString(" " + value + "\n")
}

func labelsKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key + "=" + labels[key] + ";")
	}
	return b.String()
}

func cloneLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.6f", v)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" || s == "-0" {
		return "0"
	}
	return s
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
