// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for the chat client. It renders text/plain in Prometheus
// exposition format without pulling in the full prometheus/client_golang
// dependency.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide metrics collector.
var Collector = NewCollector()

// Well-known chat metrics, registered up front so they render as zero
// instead of disappearing from the exposition before first use.
var (
	ConnectionsActiveUser  = Collector.Gauge("agrichat_connections_active", "Live WebSocket connections", `role="user"`)
	ConnectionsActiveAgent = Collector.Gauge("agrichat_connections_active", "Live WebSocket connections", `role="agent"`)
	MessagesSent           = Collector.Counter("agrichat_messages_sent_total", "Chat frames sent", "")
	MessagesReceived       = Collector.Counter("agrichat_messages_received_total", "Chat messages received", "")
	PingsSent              = Collector.Counter("agrichat_pings_sent_total", "Keep-alive pings sent on the user connection", "")
	IdleEvictions          = Collector.Counter("agrichat_idle_evictions_total", "Agent connections closed by the idle timer", "")
	ImageUploads           = Collector.Counter("agrichat_image_uploads_total", "Chat image uploads attempted", "")
	ImageDownloads         = Collector.Counter("agrichat_image_downloads_total", "Chat image downloads attempted", "")
	ImageUploadSeconds     = Collector.Histogram("agrichat_image_upload_seconds", "Image upload duration", "",
		[]float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30})
)

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // name{labels} -> *Counter
	gauges     sync.Map // name{labels} -> *Gauge
	histograms sync.Map // name{labels} -> *Histogram
	startTime  time.Time
}

// NewCollector creates a new collector.
func NewCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Counter returns or creates a counter with the given name and label set.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// Gauge returns or creates a gauge with the given name and label set.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

// Histogram returns or creates a histogram with the given name and label set.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sort.Float64s(buckets)
	hb := make([]histBucket, len(buckets))
	for i, b := range buckets {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		fmt.Fprintf(&sb, "# HELP agrichat_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE agrichat_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "agrichat_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

		helpWritten := make(map[string]bool)
		c.counters.Range(func(key, value any) bool {
			ctr := value.(*Counter)
			writeHeader(&sb, helpWritten, ctr.name, ctr.help, "counter")
			writeValue(&sb, ctr.name, ctr.labels, ctr.Value())
			return true
		})

		helpWritten = make(map[string]bool)
		c.gauges.Range(func(key, value any) bool {
			g := value.(*Gauge)
			writeHeader(&sb, helpWritten, g.name, g.help, "gauge")
			writeValue(&sb, g.name, g.labels, g.Value())
			return true
		})

		helpWritten = make(map[string]bool)
		c.histograms.Range(func(key, value any) bool {
			h := value.(*Histogram)
			writeHeader(&sb, helpWritten, h.name, h.help, "histogram")
			h.mu.Lock()
			for _, b := range h.buckets {
				fmt.Fprintf(&sb, "%s_bucket{%sle=\"%g\"} %d\n", h.name, joinLabels(h.labels), b.le, b.count)
			}
			fmt.Fprintf(&sb, "%s_bucket{%sle=\"+Inf\"} %d\n", h.name, joinLabels(h.labels), h.count)
			fmt.Fprintf(&sb, "%s_sum%s %g\n", h.name, wrapLabels(h.labels), h.sum)
			fmt.Fprintf(&sb, "%s_count%s %d\n", h.name, wrapLabels(h.labels), h.count)
			h.mu.Unlock()
			return true
		})

		w.Write([]byte(sb.String()))
	}
}

func writeHeader(sb *strings.Builder, written map[string]bool, name, help, typ string) {
	if written[name] {
		return
	}
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, typ)
	written[name] = true
}

func writeValue(sb *strings.Builder, name, labels string, v int64) {
	fmt.Fprintf(sb, "%s%s %d\n", name, wrapLabels(labels), v)
}

func wrapLabels(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func joinLabels(labels string) string {
	if labels == "" {
		return ""
	}
	return labels + ","
}
