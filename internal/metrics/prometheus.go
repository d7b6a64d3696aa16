// Prometheus export for the outbox/inbox work-queue, lease, scheduler,
// fanout, and router counters: operators who scrape instead of reading
// GetSnapshotAndReset in-process get the same numbers as
// counters/gauges/histograms. One package-level registry, package-level
// Record* free functions, PrometheusHandler for the HTTP exporter.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors this daemon exposes.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// WorkQueue (outbox/inbox, distinguished by the "queue" label).
	claimedTotal   *prometheus.CounterVec
	ackedTotal     *prometheus.CounterVec
	abandonedTotal *prometheus.CounterVec
	failedTotal    *prometheus.CounterVec
	reapedTotal    *prometheus.CounterVec
	claimBatchSize *prometheus.HistogramVec
	handlerLatency *prometheus.HistogramVec

	// Lease / fencing.
	leaseAcquiresTotal *prometheus.CounterVec
	leaseRenewsTotal   *prometheus.CounterVec
	leaseLostTotal     *prometheus.CounterVec
	fencingTokenHigh   *prometheus.GaugeVec

	// Scheduler / fanout.
	jobsFiredTotal    prometheus.Counter
	timersFiredTotal  prometheus.Counter
	fanoutSlicesTotal *prometheus.CounterVec

	// Router.
	tenantStoresActive prometheus.Gauge
	routerRefreshTotal *prometheus.CounterVec

	uptime prometheus.GaugeFunc
}

var defaultLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

var startTime = time.Now()

// StartTime returns when this process's metrics subsystem was loaded,
// the reference point for the uptime_seconds gauge.
func StartTime() time.Time { return startTime }

// InitPrometheus builds and registers the relaydb collector set under
// namespace (e.g. "relayd"). Safe to call once at daemon startup; a nil
// buckets slice falls back to defaultLatencyBuckets.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultLatencyBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		claimedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "claimed_total",
			Help: "Total rows claimed by a dispatcher pass, by queue kind and store.",
		}, []string{"queue", "store"}),

		ackedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "acked_total",
			Help: "Total rows acknowledged (moved to Done), by queue kind and store.",
		}, []string{"queue", "store"}),

		abandonedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "abandoned_total",
			Help: "Total rows abandoned back to Ready with backoff, by queue kind and store.",
		}, []string{"queue", "store"}),

		failedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "failed_total",
			Help: "Total rows moved to a terminal Failed/Dead state, by queue kind and store.",
		}, []string{"queue", "store"}),

		reapedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reaped_total",
			Help: "Total expired-lease rows reclaimed to Ready by ReapExpired, by queue kind and store.",
		}, []string{"queue", "store"}),

		claimBatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "claim_batch_size",
			Help:    "Number of rows returned per Claim call.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"queue", "store"}),

		handlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "handler_duration_milliseconds",
			Help:    "Duration of one handler invocation in milliseconds.",
			Buckets: buckets,
		}, []string{"queue", "topic", "outcome"}),

		leaseAcquiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lease_acquires_total",
			Help: "Total successful lease acquires/reentrant extensions, by resource name.",
		}, []string{"resource"}),

		leaseRenewsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lease_renews_total",
			Help: "Total lease renew attempts, by resource name and result.",
		}, []string{"resource", "result"}),

		leaseLostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lease_lost_total",
			Help: "Total times a held lease transitioned to Lost, by resource name.",
		}, []string{"resource"}),

		fencingTokenHigh: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fencing_token_high_watermark",
			Help: "Highest fencing token observed for a resource by this process.",
		}, []string{"resource"}),

		jobsFiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_fired_total",
			Help: "Total recurring job fires enqueued by the scheduler.",
		}),

		timersFiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "timers_fired_total",
			Help: "Total one-shot timer fires enqueued by the scheduler.",
		}),

		fanoutSlicesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fanout_slices_total",
			Help: "Total fanout slice messages enqueued, by fanout topic.",
		}, []string{"fanout_topic"}),

		tenantStoresActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tenant_stores_active",
			Help: "Number of tenant stores currently registered in the router.",
		}),

		routerRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "router_refresh_total",
			Help: "Total discovery refreshes, by result.",
		}, []string{"result"}),
	}

	pm.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds",
		Help: "Time since this process's metrics subsystem was initialized.",
	}, func() float64 {
		return time.Since(StartTime()).Seconds()
	})

	registry.MustRegister(
		pm.claimedTotal, pm.ackedTotal, pm.abandonedTotal, pm.failedTotal, pm.reapedTotal,
		pm.claimBatchSize, pm.handlerLatency,
		pm.leaseAcquiresTotal, pm.leaseRenewsTotal, pm.leaseLostTotal, pm.fencingTokenHigh,
		pm.jobsFiredTotal, pm.timersFiredTotal, pm.fanoutSlicesTotal,
		pm.tenantStoresActive, pm.routerRefreshTotal,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordClaim records one Claim call's returned batch size. RecordClaim,
// RecordAbandon, RecordFail, RecordReap and RecordHandlerLatency also feed
// the Default aggregator registry, so the central reporter's rollups carry
// those counters whether or not the Prometheus exporter is enabled; the
// other Record* functions update only the Prometheus collectors.
func RecordClaim(queue, store string, n int) {
	Record(queue+".claimed.count", float64(n))
	if promMetrics == nil {
		return
	}
	promMetrics.claimedTotal.WithLabelValues(queue, store).Add(float64(n))
	promMetrics.claimBatchSize.WithLabelValues(queue, store).Observe(float64(n))
}

// RecordAck records one row acknowledged.
func RecordAck(queue, store string) {
	if promMetrics == nil {
		return
	}
	promMetrics.ackedTotal.WithLabelValues(queue, store).Inc()
}

// RecordAbandon records one row abandoned back to Ready.
func RecordAbandon(queue, store string) {
	Record(queue+".retry.count", 1)
	if promMetrics == nil {
		return
	}
	promMetrics.abandonedTotal.WithLabelValues(queue, store).Inc()
}

// RecordFail records one row moved to a terminal failure state.
func RecordFail(queue, store string) {
	Record(queue+".failed.count", 1)
	if promMetrics == nil {
		return
	}
	promMetrics.failedTotal.WithLabelValues(queue, store).Inc()
}

// RecordReap records n rows reclaimed by ReapExpired.
func RecordReap(queue, store string, n int) {
	if n == 0 {
		return
	}
	Record(queue+".reaped.count", float64(n))
	if promMetrics == nil {
		return
	}
	promMetrics.reapedTotal.WithLabelValues(queue, store).Add(float64(n))
}

// RecordHandlerLatency records one handler invocation's duration and
// outcome for a claimed message.
func RecordHandlerLatency(queue, topic, outcome string, durationMs int64) {
	Record(queue+".handler.duration_ms", float64(durationMs))
	if promMetrics == nil {
		return
	}
	promMetrics.handlerLatency.WithLabelValues(queue, topic, outcome).Observe(float64(durationMs))
}

// RecordLeaseAcquire records one successful acquire/reentrant extension.
func RecordLeaseAcquire(resource string, fencingToken int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.leaseAcquiresTotal.WithLabelValues(resource).Inc()
	promMetrics.fencingTokenHigh.WithLabelValues(resource).Set(float64(fencingToken))
}

// RecordLeaseRenew records one renew attempt's result ("ok" or "failed").
func RecordLeaseRenew(resource, result string, fencingToken int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.leaseRenewsTotal.WithLabelValues(resource, result).Inc()
	if result == "ok" {
		promMetrics.fencingTokenHigh.WithLabelValues(resource).Set(float64(fencingToken))
	}
}

// RecordLeaseLost records a lease transitioning to Lost.
func RecordLeaseLost(resource string) {
	if promMetrics == nil {
		return
	}
	promMetrics.leaseLostTotal.WithLabelValues(resource).Inc()
}

// RecordJobFired increments the recurring-job fire counter.
func RecordJobFired() {
	if promMetrics == nil {
		return
	}
	promMetrics.jobsFiredTotal.Inc()
}

// RecordTimerFired increments the one-shot timer fire counter.
func RecordTimerFired() {
	if promMetrics == nil {
		return
	}
	promMetrics.timersFiredTotal.Inc()
}

// RecordFanoutSlices records n slices enqueued for fanoutTopic.
func RecordFanoutSlices(fanoutTopic string, n int) {
	if promMetrics == nil || n == 0 {
		return
	}
	promMetrics.fanoutSlicesTotal.WithLabelValues(fanoutTopic).Add(float64(n))
}

// SetTenantStoresActive sets the current router membership gauge.
func SetTenantStoresActive(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.tenantStoresActive.Set(float64(n))
}

// RecordRouterRefresh records one discovery refresh's result ("ok" or
// "failed").
func RecordRouterRefresh(result string) {
	if promMetrics == nil {
		return
	}
	promMetrics.routerRefreshTotal.WithLabelValues(result).Inc()
}

// PrometheusHandler returns an HTTP handler for scraping, or a 503 stub
// if InitPrometheus was never called.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the underlying registry for custom
// collectors, or nil before InitPrometheus.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
