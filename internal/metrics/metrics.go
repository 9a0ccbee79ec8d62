package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 汇总 linkguard 的 Prometheus 指标。所有方法在 nil 接收者上都是空操作，
// 组件可以不注入指标直接运行。
type Metrics struct {
	gatherer prometheus.Gatherer

	probesTotal     *prometheus.CounterVec
	probeDuration   prometheus.Histogram
	classifications *prometheus.CounterVec
	previews        *prometheus.CounterVec
	proxiesByStatus *prometheus.GaugeVec
	batchesTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers every collector on reg. A fresh prometheus.NewRegistry keeps
// tests isolated from the process-global default registry.
func New(reg *prometheus.Registry) *Metrics {
	promFactory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		probesTotal: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkguard_proxy_probes_total",
			Help: "Proxy connectivity probes labelled by result",
		}, []string{"result"}),
		probeDuration: promFactory.NewHistogram(prometheus.HistogramOpts{
			Name:    "linkguard_proxy_probe_duration_seconds",
			Help:    "Duration of proxy connectivity probes",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		classifications: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkguard_classifications_total",
			Help: "URL classifications labelled by outcome",
		}, []string{"outcome"}),
		previews: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkguard_previews_total",
			Help: "Preview requests labelled by result",
		}, []string{"result"}),
		proxiesByStatus: promFactory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "linkguard_proxies",
			Help: "Registered proxies labelled by status",
		}, []string{"status"}),
		batchesTotal: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkguard_test_batches_total",
			Help: "Proxy test batches labelled by final state",
		}, []string{"state"}),
		requestDuration: promFactory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linkguard_http_request_duration_seconds",
			Help:    "Duration of admin API requests",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route", "status"}),
	}
}

// ObserveProbe records one probe. result is "success", "failure" or "timeout".
func (m *Metrics) ObserveProbe(success, timedOut bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case timedOut:
		result = "timeout"
	case !success:
		result = "failure"
	}
	m.probesTotal.WithLabelValues(result).Inc()
	m.probeDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveClassification(outcome string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePreview(result string) {
	if m == nil {
		return
	}
	m.previews.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveBatch(state string) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(state).Inc()
}

// SetPoolSize replaces the per-status gauges. Statuses missing from counts are
// reset to zero so a drained bucket does not keep its old value.
func (m *Metrics) SetPoolSize(counts map[string]int) {
	if m == nil {
		return
	}
	m.proxiesByStatus.Reset()
	for status, n := range counts {
		m.proxiesByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

type responseInterceptor struct {
	http.ResponseWriter
	status int
}

func (w *responseInterceptor) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack passes through so the websocket upgrade works behind this middleware.
func (w *responseInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware times requests by route template, so ids in paths do not blow up
// label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		interceptor := &responseInterceptor{ResponseWriter: w, status: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(interceptor, r)

		m.requestDuration.With(prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(interceptor.status),
		}).Observe(time.Since(start).Seconds())
	})
}
