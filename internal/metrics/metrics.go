// Package metrics exposes runtime diagnostics over HTTP: Prometheus
// collectors for bindtable hit counts, interface queue depths, and
// flood-counter levels, plus a plain-text /report endpoint mirroring
// the S_REPORT signal's one-line-per-actor status output.
//
// Grounded on ClusterCockpit-cc-backend's dedicated Prometheus registry
// wiring and routed with gorilla/mux the way it exposes its own
// collector endpoints alongside application routes.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the collectors the core publishes and the HTTP
// mux serving them.
type Registry struct {
	BindingHits   *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec
	FloodLevel    *prometheus.GaugeVec
	TimerCount    prometheus.Gauge
	CronCount     prometheus.Gauge

	mu        sync.Mutex
	reporters map[string]func() string
}

// New registers every collector with a dedicated registry (never the
// global default, so multiple instances in tests don't collide) and
// returns the bundle.
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	r := &Registry{
		BindingHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foxeye",
			Name:      "binding_hits_total",
			Help:      "Matched-and-accepted binding invocations per bindtable and key.",
		}, []string{"table", "key"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "foxeye",
			Name:      "iface_queue_depth",
			Help:      "Pending request count per interface.",
		}, []string{"iface"}),
		FloodLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "foxeye",
			Name:      "flood_counter_level",
			Help:      "Current level of a named flood counter.",
		}, []string{"type"}),
		TimerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "foxeye",
			Name:      "scheduler_timers",
			Help:      "Number of live one-shot timers.",
		}),
		CronCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "foxeye",
			Name:      "scheduler_cron_entries",
			Help:      "Number of live cron entries.",
		}),
		reporters: map[string]func() string{},
	}

	reg.MustRegister(r.BindingHits, r.QueueDepth, r.FloodLevel, r.TimerCount, r.CronCount)
	return r, reg
}

// RegisterReporter wires a named actor's S_REPORT-style one-line status
// function into the /report endpoint.
func (r *Registry) RegisterReporter(name string, fn func() string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reporters[name] = fn
}

// UnregisterReporter removes a previously registered reporter, used
// when an actor dies.
func (r *Registry) UnregisterReporter(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reporters, name)
}

func (r *Registry) report(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	names := make([]string, 0, len(r.reporters))
	for name := range r.reporters {
		names = append(names, name)
	}
	sort.Strings(names)
	fns := r.reporters
	r.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, name := range names {
		fmt.Fprintf(w, "%s: %s\n", name, fns[name]())
	}
}

// Router builds a gorilla/mux router serving /metrics (Prometheus
// exposition) and /report (plain-text S_REPORT mirror).
func (r *Registry) Router(promReg *prometheus.Registry) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/report", r.report).Methods(http.MethodGet)
	return router
}
