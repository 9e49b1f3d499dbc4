// Package metrics keeps in-process operation metrics: request timings,
// success/failure counts, and session gauges. Everything lives in memory
// and is reset when the process exits.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	maxSamples = 1000 // Keep last 1000 samples for percentile calculations
)

// MetricType represents the type of metric
type MetricType string

const (
	TypeTiming      MetricType = "timing"
	TypeCounter     MetricType = "counter"
	TypeGauge       MetricType = "gauge"
	TypeSuccessFail MetricType = "success_fail"
)

// HealthStatus represents the health of a metric
type HealthStatus int

const (
	HealthGood     HealthStatus = iota // Green
	HealthWarning                      // Yellow
	HealthCritical                     // Red
)

func (h HealthStatus) String() string {
	switch h {
	case HealthGood:
		return "good"
	case HealthWarning:
		return "warning"
	case HealthCritical:
		return "critical"
	default:
		return "unknown"
	}
}

type timingMetric struct {
	count     int64
	total     time.Duration
	min       time.Duration
	max       time.Duration
	last      time.Duration
	samples   []time.Duration // Ring buffer for percentiles
	sampleIdx int
}

type gaugeMetric struct {
	value int64
	min   int64
	max   int64
}

type successFailMetric struct {
	success  int64
	failures int64
	reasons  map[string]int64
}

// MetricSnapshot represents a point-in-time view of a metric
type MetricSnapshot struct {
	Path   string       `json:"path"`
	Type   MetricType   `json:"type"`
	Health HealthStatus `json:"health"`
	Data   any          `json:"data"`
}

// TimingSnapshot for JSON serialization
type TimingSnapshot struct {
	Count  int64   `json:"count"`
	AvgMs  float64 `json:"avg_ms"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	LastMs float64 `json:"last_ms"`
	P95Ms  float64 `json:"p95_ms,omitempty"`
	P99Ms  float64 `json:"p99_ms,omitempty"`
}

// CounterSnapshot for JSON serialization
type CounterSnapshot struct {
	Value int64 `json:"value"`
}

// GaugeSnapshot for JSON serialization
type GaugeSnapshot struct {
	Value int64 `json:"value"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

// SuccessFailSnapshot for JSON serialization
type SuccessFailSnapshot struct {
	Success     int64            `json:"success"`
	Failures    int64            `json:"failures"`
	SuccessRate float64          `json:"success_rate"`
	Reasons     map[string]int64 `json:"reasons,omitempty"`
}

// Manager holds every metric, keyed by "topic/function".
type Manager struct {
	mu          sync.Mutex
	timings     map[string]*timingMetric
	counters    map[string]int64
	gauges      map[string]*gaugeMetric
	successFail map[string]*successFailMetric
}

var (
	instance *Manager
	once     sync.Once
)

// NewManager returns an empty manager.
func NewManager() *Manager {
	m := &Manager{}
	m.Reset()
	return m
}

// GetInstance returns the process-wide manager.
func GetInstance() *Manager {
	once.Do(func() {
		instance = NewManager()
	})
	return instance
}

// Reset drops every metric.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings = make(map[string]*timingMetric)
	m.counters = make(map[string]int64)
	m.gauges = make(map[string]*gaugeMetric)
	m.successFail = make(map[string]*successFailMetric)
}

func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return topic + "/" + function
}

// RecordDuration records one timed operation.
func (m *Manager) RecordDuration(topic, function string, d time.Duration) {
	path := buildPath(topic, function)

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timings[path]
	if !ok {
		t = &timingMetric{samples: make([]time.Duration, 0, 16), min: d, max: d}
		m.timings[path] = t
	}
	t.count++
	t.total += d
	t.last = d
	if d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
	if len(t.samples) < maxSamples {
		t.samples = append(t.samples, d)
	} else {
		t.samples[t.sampleIdx] = d
		t.sampleIdx = (t.sampleIdx + 1) % maxSamples
	}
}

// AddCounter adds delta to a counter.
func (m *Manager) AddCounter(topic, function string, delta int64) {
	m.mu.Lock()
	m.counters[buildPath(topic, function)] += delta
	m.mu.Unlock()
}

// SetGauge sets a gauge, tracking its min and max.
func (m *Manager) SetGauge(topic, function string, value int64) {
	path := buildPath(topic, function)

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gauges[path]
	if !ok {
		m.gauges[path] = &gaugeMetric{value: value, min: value, max: value}
		return
	}
	g.value = value
	if value < g.min {
		g.min = value
	}
	if value > g.max {
		g.max = value
	}
}

// RecordSuccess counts a successful operation.
func (m *Manager) RecordSuccess(topic, function string) {
	m.mu.Lock()
	m.successFailFor(buildPath(topic, function)).success++
	m.mu.Unlock()
}

// RecordFailure counts a failed operation. reason may be empty.
func (m *Manager) RecordFailure(topic, function, reason string) {
	m.mu.Lock()
	sf := m.successFailFor(buildPath(topic, function))
	sf.failures++
	if reason != "" {
		sf.reasons[reason]++
	}
	m.mu.Unlock()
}

func (m *Manager) successFailFor(path string) *successFailMetric {
	sf, ok := m.successFail[path]
	if !ok {
		sf = &successFailMetric{reasons: make(map[string]int64)}
		m.successFail[path] = sf
	}
	return sf
}

// GetSnapshot returns every metric keyed by path. Timings and success
// counts of the same operation share a path, so their keys get a
// ":timing" / ":result" suffix.
func (m *Manager) GetSnapshot() map[string]*MetricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshots := make(map[string]*MetricSnapshot)

	for path, t := range m.timings {
		avg := float64(0)
		if t.count > 0 {
			avg = ms(t.total) / float64(t.count)
		}
		snapshots[path+":timing"] = &MetricSnapshot{
			Path:   path,
			Type:   TypeTiming,
			Health: getTimingHealth(avg),
			Data: TimingSnapshot{
				Count:  t.count,
				AvgMs:  avg,
				MinMs:  ms(t.min),
				MaxMs:  ms(t.max),
				LastMs: ms(t.last),
				P95Ms:  calculatePercentile(t.samples, 95),
				P99Ms:  calculatePercentile(t.samples, 99),
			},
		}
	}

	for path, v := range m.counters {
		snapshots[path] = &MetricSnapshot{Path: path, Type: TypeCounter, Data: CounterSnapshot{Value: v}}
	}

	for path, g := range m.gauges {
		snapshots[path] = &MetricSnapshot{
			Path: path,
			Type: TypeGauge,
			Data: GaugeSnapshot{Value: g.value, Min: g.min, Max: g.max},
		}
	}

	for path, sf := range m.successFail {
		total := sf.success + sf.failures
		rate := float64(100)
		if total > 0 {
			rate = float64(sf.success) / float64(total) * 100
		}
		var reasons map[string]int64
		if len(sf.reasons) > 0 {
			reasons = make(map[string]int64, len(sf.reasons))
			for k, v := range sf.reasons {
				reasons[k] = v
			}
		}
		snapshots[path+":result"] = &MetricSnapshot{
			Path:   path,
			Type:   TypeSuccessFail,
			Health: getSuccessRateHealth(rate),
			Data: SuccessFailSnapshot{
				Success:     sf.success,
				Failures:    sf.failures,
				SuccessRate: rate,
				Reasons:     reasons,
			},
		}
	}

	return snapshots
}

// Paths returns the sorted snapshot keys, for stable listings.
func Paths(snap map[string]*MetricSnapshot) []string {
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// calculatePercentile calculates the Nth percentile from samples
func calculatePercentile(samples []time.Duration, percentile int) float64 {
	if len(samples) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	idx := (len(sorted) * percentile) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return ms(sorted[idx])
}

// getTimingHealth grades an average latency in milliseconds.
func getTimingHealth(avgMs float64) HealthStatus {
	if avgMs > 10000 {
		return HealthCritical
	}
	if avgMs > 2000 {
		return HealthWarning
	}
	return HealthGood
}

func getSuccessRateHealth(rate float64) HealthStatus {
	if rate < 75 {
		return HealthCritical
	}
	if rate < 95 {
		return HealthWarning
	}
	return HealthGood
}

// RouteLabel turns a route pattern into a metric function name,
// e.g. "POST /pages/:name/goto" -> "POST pages.name.goto".
func RouteLabel(method, pattern string) string {
	p := strings.Trim(pattern, "/")
	if p == "" {
		return method + " root"
	}
	p = strings.ReplaceAll(p, ":", "")
	return method + " " + strings.ReplaceAll(p, "/", ".")
}
