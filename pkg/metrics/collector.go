// Package metrics exports splicer state to Prometheus and to the periodic
// log reporter.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/irctrakz/tcpsplice/pkg/classifier"
	"github.com/irctrakz/tcpsplice/pkg/core"
	"github.com/irctrakz/tcpsplice/pkg/splice"
)

const namespace = "tcpsplice"

// SnapshotSource provides flow table occupancy.
type SnapshotSource interface {
	Snapshot(flows bool) splice.Snapshot
}

// StatsSource provides classifier stage counters.
type StatsSource interface {
	Stats() classifier.Stats
}

// CounterSource provides named counters.
type CounterSource interface {
	Metrics() map[string]uint64
}

// InterceptSource provides interception counters.
type InterceptSource interface {
	Metrics() core.InterceptMetrics
}

// InjectorSource provides injector counters.
type InjectorSource interface {
	Metrics() core.InjectorMetrics
}

// Sources are the components a Collector reads. Nil sources are skipped.
type Sources struct {
	Manager     SnapshotSource
	Classifier  StatsSource
	Dispatcher  CounterSource
	Interceptor InterceptSource
	Injector    InjectorSource
}

// Collector is a prometheus.Collector that reads every source on scrape.
type Collector struct {
	src Sources

	running   *prometheus.Desc
	capacity  *prometheus.Desc
	allocated *prometheus.Desc
	live      *prometheus.Desc
	pooled    *prometheus.Desc
	states    *prometheus.Desc
	buckets   *prometheus.Desc
	templates *prometheus.Desc
	events    *prometheus.Desc
	stages    *prometheus.Desc
	dispatch  *prometheus.Desc
	intercept *prometheus.Desc
	injected  *prometheus.Desc
	injBytes  *prometheus.Desc
}

// NewCollector creates a collector over src.
func NewCollector(src Sources) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src:       src,
		running:   desc("manager_running", "Whether the flow manager accepts new flows."),
		capacity:  desc("flows_capacity", "Maximum number of flow records."),
		allocated: desc("flows_allocated", "Flow records allocated so far."),
		live:      desc("flows_live", "Flow records in use."),
		pooled:    desc("flows_pooled", "Flow records in the free pool."),
		states:    desc("flows", "Tracked flows by state.", "state"),
		buckets:   desc("bucket_flows", "Tracked flows per hash bucket.", "bucket"),
		templates: desc("template_present", "Whether a handshake template is cached.", "kind"),
		events:    desc("manager_events_total", "Flow manager events.", "event"),
		stages:    desc("classifier_total", "Classifier decisions by filter stage.", "stage"),
		dispatch:  desc("dispatch_total", "Hook dispatcher decisions.", "event"),
		intercept: desc("intercept_packets_total", "Packets seen by the interception layer.", "result"),
		injected:  desc("injected_packets_total", "Packets injected.", "path"),
		injBytes:  desc("injected_bytes_total", "Bytes injected."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.running, c.capacity, c.allocated, c.live, c.pooled, c.states, c.buckets,
		c.templates, c.events, c.stages, c.dispatch, c.intercept, c.injected, c.injBytes,
	} {
		ch <- d
	}
}

func gauge(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
}

func counter(ch chan<- prometheus.Metric, d *prometheus.Desc, v uint64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Manager != nil {
		s := c.src.Manager.Snapshot(false)
		gauge(ch, c.running, boolValue(s.State == splice.ManagerRunning.String()))
		gauge(ch, c.capacity, float64(s.Capacity))
		gauge(ch, c.allocated, float64(s.Allocated))
		gauge(ch, c.live, float64(s.Live))
		gauge(ch, c.pooled, float64(s.Pooled))
		for state, n := range s.States {
			gauge(ch, c.states, float64(n), state)
		}
		for i, n := range s.Buckets {
			gauge(ch, c.buckets, float64(n), strconv.Itoa(i))
		}
		gauge(ch, c.templates, boolValue(s.SYNTemplate), "syn")
		gauge(ch, c.templates, boolValue(s.ACKTemplate), "ack")
		for name, v := range s.Counters.Map() {
			counter(ch, c.events, v, name)
		}
	}
	if c.src.Classifier != nil {
		for name, v := range c.src.Classifier.Stats().Map() {
			counter(ch, c.stages, v, name)
		}
	}
	if c.src.Dispatcher != nil {
		for name, v := range c.src.Dispatcher.Metrics() {
			counter(ch, c.dispatch, v, name)
		}
	}
	if c.src.Interceptor != nil {
		for name, v := range interceptMap(c.src.Interceptor.Metrics()) {
			counter(ch, c.intercept, v, name)
		}
	}
	if c.src.Injector != nil {
		m := c.src.Injector.Metrics()
		counter(ch, c.injected, m.Delivered, "deliver")
		counter(ch, c.injected, m.Sent, "send")
		counter(ch, c.injected, m.Errors, "error")
		counter(ch, c.injBytes, m.Bytes)
	}
}

func interceptMap(m core.InterceptMetrics) map[string]uint64 {
	return map[string]uint64{
		"received":     m.PacketsReceived,
		"accepted":     m.Accepted,
		"dropped":      m.Dropped,
		"stolen":       m.Stolen,
		"modified":     m.Modified,
		"ignored":      m.Ignored,
		"parse_errors": m.ParseErrors,
		"queue_full":   m.QueueFull,
		"errors":       m.Errors,
	}
}

func injectorMap(m core.InjectorMetrics) map[string]uint64 {
	return map[string]uint64{
		"delivered": m.Delivered,
		"sent":      m.Sent,
		"bytes":     m.Bytes,
		"errors":    m.Errors,
	}
}
