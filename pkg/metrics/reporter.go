package metrics

import (
	"context"
	"encoding/json"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/tcpsplice/pkg/logging"
)

// DefaultReportInterval is used when no interval is configured.
const DefaultReportInterval = 30 * time.Second

type report struct {
	Timestamp  string            `json:"ts"`
	State      string            `json:"state"`
	Live       int               `json:"live"`
	Pooled     int               `json:"pooled"`
	Capacity   int               `json:"capacity"`
	States     map[string]int    `json:"states,omitempty"`
	Events     map[string]uint64 `json:"events,omitempty"`
	Classifier map[string]uint64 `json:"classifier,omitempty"`
	Dispatch   map[string]uint64 `json:"dispatch,omitempty"`
	Intercept  map[string]uint64 `json:"intercept,omitempty"`
	Injector   map[string]uint64 `json:"injector,omitempty"`
	RT         map[string]uint64 `json:"rt"`
}

// Reporter logs a metrics line every interval, as text or json.
type Reporter struct {
	src      Sources
	interval time.Duration
	format   string
	now      func() time.Time
}

// NewReporter creates a reporter. Unknown formats fall back to text.
func NewReporter(src Sources, interval time.Duration, format string) *Reporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "json" {
		format = "text"
	}
	return &Reporter{src: src, interval: interval, format: format, now: time.Now}
}

// Run reports until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		logging.Infof("metrics: %s", r.Line())
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (r *Reporter) collect() report {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	rep := report{
		Timestamp: r.now().UTC().Format(time.RFC3339),
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
	}
	if r.src.Manager != nil {
		s := r.src.Manager.Snapshot(false)
		rep.State, rep.Live, rep.Pooled, rep.Capacity = s.State, s.Live, s.Pooled, s.Capacity
		rep.States = s.States
		rep.Events = s.Counters.Map()
	}
	if r.src.Classifier != nil {
		rep.Classifier = r.src.Classifier.Stats().Map()
	}
	if r.src.Dispatcher != nil {
		rep.Dispatch = r.src.Dispatcher.Metrics()
	}
	if r.src.Interceptor != nil {
		rep.Intercept = interceptMap(r.src.Interceptor.Metrics())
	}
	if r.src.Injector != nil {
		rep.Injector = injectorMap(r.src.Injector.Metrics())
	}
	return rep
}

// Line renders one report.
func (r *Reporter) Line() string {
	rep := r.collect()
	if r.format == "json" {
		b, _ := json.Marshal(rep)
		return string(b)
	}
	ev, cl, ic := rep.Events, rep.Classifier, rep.Intercept
	return strings.Join([]string{
		"ts=" + rep.Timestamp,
		"flows: state=" + rep.State + " live=" + itoa(uint64(rep.Live)) + "/" + itoa(uint64(rep.Capacity)) + " pooled=" + itoa(uint64(rep.Pooled)),
		"events: tracked=" + itoa(ev["tracked"]) + " released=" + itoa(ev["released"]) + " aborts=" + itoa(ev["aborts"]) +
			" replays=" + itoa(ev["replays"]) + " resets=" + itoa(ev["resets"]) + " reaped=" + itoa(ev["reaped"]) +
			" declined=" + itoa(ev["declined_capacity"]+ev["declined_bucket_full"]+ev["declined_no_template"]+ev["declined_not_running"]),
		"classifier: all=" + itoa(cl["all"]) + " matched=" + itoa(cl["matched"]),
		"intercept: recv=" + itoa(ic["received"]) + " stolen=" + itoa(ic["stolen"]) + " qfull=" + itoa(ic["queue_full"]),
		"rt: heap=" + itoa(rep.RT["heap_alloc"]/(1024*1024)) + "Mi gor=" + itoa(rep.RT["goroutines"]),
	}, " | ")
}

func itoa(v uint64) string { return strconv.FormatUint(v, 10) }
