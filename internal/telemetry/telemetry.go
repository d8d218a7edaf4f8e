package telemetry

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// Series is the aggregated state of one metric name and label set.
// Counters accumulate Value, gauges keep the last Value, histograms and
// timers track Count, Sum, Min and Max. Timer values are milliseconds.
type Series struct {
	Name    string            `json:"name"`
	Type    MetricType        `json:"type"`
	Labels  map[string]string `json:"labels,omitempty"`
	Value   float64           `json:"value"`
	Count   int64             `json:"count,omitempty"`
	Sum     float64           `json:"sum,omitempty"`
	Min     float64           `json:"min,omitempty"`
	Max     float64           `json:"max,omitempty"`
	Updated time.Time         `json:"updated"`
}

// Collector aggregates metrics in memory. A disabled collector drops
// everything it is given.
type Collector struct {
	mu            sync.RWMutex
	series        map[string]*Series
	enabled       bool
	flushInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
}

const defaultFlushInterval = 30 * time.Second

// NewCollector creates a new telemetry collector
func NewCollector(enabled bool) *Collector {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Collector{
		series:        make(map[string]*Series),
		enabled:       enabled,
		flushInterval: defaultFlushInterval,
		ctx:           ctx,
		cancel:        cancel,
	}

	if enabled {
		go c.periodicFlush()
	}

	return c
}

func (c *Collector) Enabled() bool { return c.enabled }

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.record(name, Counter, value, labels)
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.record(name, Gauge, value, labels)
}

// Histogram records a histogram value
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.record(name, Histogram, value, labels)
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.record(name, Timer, float64(duration)/float64(time.Millisecond), labels)
}

func (c *Collector) record(name string, typ MetricType, value float64, labels map[string]string) {
	if !c.enabled {
		return
	}
	key := seriesKey(name, labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.series[key]
	if !ok {
		s = &Series{Name: name, Type: typ, Labels: copyLabels(labels), Min: math.Inf(1), Max: math.Inf(-1)}
		c.series[key] = s
	}
	s.Updated = time.Now()
	switch typ {
	case Counter:
		s.Value += value
	case Gauge:
		s.Value = value
	default:
		s.Count++
		s.Sum += value
		s.Min = math.Min(s.Min, value)
		s.Max = math.Max(s.Max, value)
		s.Value = s.Sum / float64(s.Count)
	}
}

// Snapshot returns a copy of every series ordered by name and labels.
func (c *Collector) Snapshot() []Series {
	c.mu.RLock()
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Series, 0, len(keys))
	for _, k := range keys {
		s := *c.series[k]
		s.Labels = copyLabels(s.Labels)
		if s.Count == 0 {
			s.Min, s.Max = 0, 0
		}
		out = append(out, s)
	}
	c.mu.RUnlock()
	return out
}

// Lookup returns the series with the given name and labels.
func (c *Collector) Lookup(name string, labels map[string]string) (Series, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.series[seriesKey(name, labels)]
	if !ok {
		return Series{}, false
	}
	return *s, true
}

// WritePrometheus writes every series in the Prometheus text format.
// Histograms and timers are exposed as summaries without quantiles.
func (c *Collector) WritePrometheus(w io.Writer) error {
	var lastName string
	for _, s := range c.Snapshot() {
		if s.Name != lastName {
			if _, err := fmt.Fprintf(w, "# TYPE %s %s\n", s.Name, promType(s.Type)); err != nil {
				return err
			}
			lastName = s.Name
		}
		lbl := promLabels(s.Labels)
		var err error
		switch s.Type {
		case Counter, Gauge:
			_, err = fmt.Fprintf(w, "%s%s %g\n", s.Name, lbl, s.Value)
		default:
			_, err = fmt.Fprintf(w, "%s_sum%s %g\n%s_count%s %d\n", s.Name, lbl, s.Sum, s.Name, lbl, s.Count)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// FlushMetrics logs a summary of the current series.
func (c *Collector) FlushMetrics() {
	snap := c.Snapshot()
	if len(snap) == 0 {
		return
	}
	for _, s := range snap {
		log.Debug().
			Str("name", s.Name).
			Str("type", string(s.Type)).
			Float64("value", s.Value).
			Int64("count", s.Count).
			Interface("labels", s.Labels).
			Msg("telemetry_metric")
	}
}

func (c *Collector) periodicFlush() {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.FlushMetrics()
		}
	}
}

// Shutdown stops the collector
func (c *Collector) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	c.FlushMetrics()
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
		b.WriteByte(0)
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

func promType(t MetricType) string {
	switch t {
	case Counter, Gauge:
		return string(t)
	default:
		return "summary"
	}
}

func promLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		v := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(labels[k])
		parts[i] = fmt.Sprintf(`%s="%s"`, k, v)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

var globalCollector atomic.Pointer[Collector]

// InitGlobal initializes the global telemetry collector
func InitGlobal(enabled bool) *Collector {
	c := NewCollector(enabled)
	if old := globalCollector.Swap(c); old != nil {
		old.Shutdown()
	}
	return c
}

// GetGlobal returns the global collector
func GetGlobal() *Collector {
	if c := globalCollector.Load(); c != nil {
		return c
	}
	globalCollector.CompareAndSwap(nil, NewCollector(false))
	return globalCollector.Load()
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// HistogramGlobal records a histogram using the global collector
func HistogramGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Histogram(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}

// Shutdown shuts down the global collector
func Shutdown() {
	if c := globalCollector.Load(); c != nil {
		c.Shutdown()
	}
}
