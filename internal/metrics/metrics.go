// Package metrics records one Observation per served request. The
// Registry keeps in-process counters for /dev/ekg; InfluxSink forwards
// observations to a time-series store.
package metrics

import (
	"maps"
	"runtime"
	rtmetrics "runtime/metrics"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Observation describes one completed request.
type Observation struct {
	Route         string
	Method        string
	Status        int
	Role          string
	ErrorCode     string
	Duration      time.Duration
	RequestBytes  int
	ResponseBytes int
	Time          time.Time
}

// Sink receives observations. Implementations must not block.
type Sink interface {
	Observe(Observation)
}

// Multi fans an observation out to several sinks.
type Multi []Sink

// Observe implements Sink.
func (m Multi) Observe(o Observation) {
	for _, s := range m {
		if s != nil {
			s.Observe(o)
		}
	}
}

// RouteStats aggregates the requests served by one route.
type RouteStats struct {
	Count         int64            `json:"count"`
	Errors        int64            `json:"errors"`
	ByStatus      map[string]int64 `json:"by_status"`
	TotalMillis   float64          `json:"total_ms"`
	MaxMillis     float64          `json:"max_ms"`
	RequestBytes  int64            `json:"request_bytes"`
	ResponseBytes int64            `json:"response_bytes"`
}

// Snapshot is the /dev/ekg document.
type Snapshot struct {
	StartedAt  time.Time             `json:"started_at"`
	UptimeSecs float64               `json:"uptime_seconds"`
	Requests   int64                 `json:"requests"`
	Errors     map[string]int64      `json:"errors_by_code"`
	Routes     map[string]RouteStats `json:"routes"`
	Gauges     map[string]float64    `json:"gauges"`
	Runtime    RuntimeStats          `json:"runtime"`
}

// RuntimeStats is a small view of the Go runtime.
type RuntimeStats struct {
	Goroutines int    `json:"goroutines"`
	HeapBytes  uint64 `json:"heap_bytes"`
	GCCycles   uint64 `json:"gc_cycles"`
}

// Registry is an in-process Sink with named gauges. Safe for concurrent use.
type Registry struct {
	started time.Time
	now     func() time.Time

	mu       sync.Mutex
	requests int64
	errors   map[string]int64
	routes   map[string]*RouteStats
	gauges   map[string]func() float64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		started: time.Now(),
		now:     time.Now,
		errors:  make(map[string]int64),
		routes:  make(map[string]*RouteStats),
		gauges:  make(map[string]func() float64),
	}
}

// Gauge registers a value sampled at snapshot time, such as the
// limiter's in-flight count.
func (r *Registry) Gauge(name string, fn func() float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = fn
}

// Observe implements Sink.
func (r *Registry) Observe(o Observation) {
	key := o.Method + " " + o.Route
	ms := float64(o.Duration) / float64(time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests++
	st, ok := r.routes[key]
	if !ok {
		st = &RouteStats{ByStatus: make(map[string]int64)}
		r.routes[key] = st
	}
	st.Count++
	st.ByStatus[strconv.Itoa(o.Status)]++
	st.TotalMillis += ms
	st.MaxMillis = max(st.MaxMillis, ms)
	st.RequestBytes += int64(o.RequestBytes)
	st.ResponseBytes += int64(o.ResponseBytes)
	if o.ErrorCode != "" {
		st.Errors++
		r.errors[o.ErrorCode]++
	}
}

// Snapshot returns a copy of the counters.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	snap := Snapshot{
		StartedAt:  r.started,
		UptimeSecs: r.now().Sub(r.started).Seconds(),
		Requests:   r.requests,
		Errors:     maps.Clone(r.errors),
		Routes:     make(map[string]RouteStats, len(r.routes)),
		Gauges:     make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.routes {
		c := *v
		c.ByStatus = maps.Clone(v.ByStatus)
		snap.Routes[k] = c
	}
	gauges := maps.Clone(r.gauges)
	r.mu.Unlock()

	// Gauges run outside the lock so they may observe other components.
	for _, name := range slices.Sorted(maps.Keys(gauges)) {
		snap.Gauges[name] = gauges[name]()
	}
	snap.Runtime = readRuntime()
	return snap
}

var runtimeSamples = []string{"/memory/classes/heap/objects:bytes", "/gc/cycles/total:gc-cycles"}

func readRuntime() RuntimeStats {
	samples := make([]rtmetrics.Sample, len(runtimeSamples))
	for i, name := range runtimeSamples {
		samples[i].Name = name
	}
	rtmetrics.Read(samples)

	rs := RuntimeStats{Goroutines: runtime.NumGoroutine()}
	if samples[0].Value.Kind() == rtmetrics.KindUint64 {
		rs.HeapBytes = samples[0].Value.Uint64()
	}
	if samples[1].Value.Kind() == rtmetrics.KindUint64 {
		rs.GCCycles = samples[1].Value.Uint64()
	}
	return rs
}
