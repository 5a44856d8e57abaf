// Package metrics exposes job and request counters in the Prometheus
// exposition format.
package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/docker/gguf-my-repo/pkg/jobs"
	"github.com/docker/gguf-my-repo/pkg/logging"
)

// StatsFunc returns the current job counters.
type StatsFunc func() jobs.Stats

// requestKey identifies a request counter.
type requestKey struct {
	first  string
	status string
}

// Registry collects counters and serves them.
type Registry struct {
	log   logging.Logger
	stats StatsFunc

	// mu guards all subsequent fields.
	mu sync.Mutex
	// hubRequests counts outgoing registry requests by method and status.
	hubRequests map[requestKey]uint64
	// httpRequests counts served requests by route and status.
	httpRequests map[requestKey]uint64
}

// NewRegistry creates a registry reporting the job counters of stats.
func NewRegistry(log logging.Logger, stats StatsFunc) *Registry {
	return &Registry{
		log:          log,
		stats:        stats,
		hubRequests:  make(map[requestKey]uint64),
		httpRequests: make(map[requestKey]uint64),
	}
}

func (r *Registry) countHub(method string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hubRequests[requestKey{method, statusLabel(status)}]++
}

func (r *Registry) countHTTP(route string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.httpRequests[requestKey{route, statusLabel(status)}]++
}

func statusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}

// Families returns the current metric families.
func (r *Registry) Families() []*dto.MetricFamily {
	families := []*dto.MetricFamily{}
	if r.stats != nil {
		s := r.stats()
		families = append(families,
			gauge("gguf_jobs_queued", "Jobs waiting for the worker.", float64(s.Queued)),
			gauge("gguf_jobs_running", "Jobs being processed.", float64(s.Running)),
			counterVec("gguf_jobs_total", "Jobs by outcome since start.", "result", map[string]float64{
				"submitted": float64(s.Submitted),
				"rejected":  float64(s.Rejected),
				"succeeded": float64(s.Succeeded),
				"failed":    float64(s.Failed),
			}),
			counter("gguf_job_busy_seconds_total", "Time spent running jobs.", s.BusySeconds),
		)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	families = append(families,
		requestFamily("gguf_hub_requests_total", "Requests sent to the model registry.", "method", r.hubRequests),
		requestFamily("gguf_http_requests_total", "Requests served.", "route", r.httpRequests),
	)
	return families
}

// ServeHTTP writes the metrics in the format negotiated with the client.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	format := expfmt.Negotiate(req.Header)
	w.Header().Set("Content-Type", string(format))
	enc := expfmt.NewEncoder(w, format)
	for _, mf := range r.Families() {
		if err := enc.Encode(mf); err != nil {
			r.log.Warnf("Failed to encode metric %s: %v", mf.GetName(), err)
			return
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: ptr(name), Value: ptr(value)}
}

func gauge(name, help string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   ptr(name),
		Help:   ptr(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: ptr(value)}}},
	}
}

func counter(name, help string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   ptr(name),
		Help:   ptr(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: ptr(value)}}},
	}
}

func counterVec(name, help, labelName string, values map[string]float64) *dto.MetricFamily {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	mf := &dto.MetricFamily{
		Name: ptr(name),
		Help: ptr(help),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, k := range keys {
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:   []*dto.LabelPair{label(labelName, k)},
			Counter: &dto.Counter{Value: ptr(values[k])},
		})
	}
	return mf
}

func requestFamily(name, help, labelName string, counts map[requestKey]uint64) *dto.MetricFamily {
	keys := make([]requestKey, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].first != keys[j].first {
			return keys[i].first < keys[j].first
		}
		return keys[i].status < keys[j].status
	})
	mf := &dto.MetricFamily{
		Name: ptr(name),
		Help: ptr(help),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, k := range keys {
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:   []*dto.LabelPair{label(labelName, k.first), label("code", k.status)},
			Counter: &dto.Counter{Value: ptr(float64(counts[k]))},
		})
	}
	return mf
}
