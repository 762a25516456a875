package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "summary"
)

// Metric is one aggregated series.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Sum       float64           `json:"sum,omitempty"`
	Count     int64             `json:"count,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector aggregates metrics in memory. Counters add up, gauges keep the
// last value and timers keep last, sum and count. A disabled or nil collector
// drops everything.
type Collector struct {
	mu      sync.RWMutex
	enabled bool
	series  map[string]*Metric
}

// NewCollector creates a new telemetry collector
func NewCollector(enabled bool) *Collector {
	return &Collector{
		enabled: enabled,
		series:  map[string]*Metric{},
	}
}

// Enabled reports whether the collector records anything.
func (c *Collector) Enabled() bool {
	return c != nil && c.enabled
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.record(name, Counter, "", labels, func(m *Metric) { m.Value += value })
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.record(name, Gauge, "", labels, func(m *Metric) { m.Value = value })
}

// Timer records a duration measurement in seconds
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.record(name, Timer, "seconds", labels, func(m *Metric) {
		m.Value = d.Seconds()
		m.Sum += d.Seconds()
		m.Count++
	})
}

func (c *Collector) record(name string, typ MetricType, unit string, labels map[string]string, apply func(*Metric)) {
	if !c.Enabled() {
		return
	}
	key := seriesKey(name, labels)

	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.series[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Unit: unit, Labels: copyLabels(labels)}
		c.series[key] = m
	}
	apply(m)
	m.Timestamp = time.Now()
}

// GetMetrics returns a copy of every series, sorted by name and labels.
func (c *Collector) GetMetrics() []Metric {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Metric, 0, len(keys))
	for _, k := range keys {
		m := *c.series[k]
		m.Labels = copyLabels(m.Labels)
		out = append(out, m)
	}
	c.mu.RUnlock()
	return out
}

// Get returns the series for name and labels.
func (c *Collector) Get(name string, labels map[string]string) (Metric, bool) {
	if c == nil {
		return Metric{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.series[seriesKey(name, labels)]
	if !ok {
		return Metric{}, false
	}
	return *m, true
}

// Flush logs every series at debug level and resets the collector.
func (c *Collector) Flush() {
	metrics := c.GetMetrics()
	if len(metrics) == 0 {
		return
	}
	log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")
	for _, m := range metrics {
		log.Debug().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Interface("labels", m.Labels).
			Msg("telemetry_metric")
	}
	c.mu.Lock()
	c.series = map[string]*Metric{}
	c.mu.Unlock()
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func copyLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
