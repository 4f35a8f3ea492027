package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/imgdrop/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	// flood guard
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	// uploads
	uploadsTotal        prometheus.Counter
	uploadBytesTotal    prometheus.Counter
	uploadFailuresTotal *prometheus.CounterVec

	// admission ledger
	admissionDeniedTotal *prometheus.CounterVec
	admissionBlocksTotal prometheus.Counter
	ledgerEntries        prometheus.Gauge
	janitorSweepsTotal   prometheus.Counter
	janitorEvictedTotal  prometheus.Counter
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by the flood guard",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times flood guard capacity was reached",
		}),
		uploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uploads_total",
			Help: "Total successfully stored uploads",
		}),
		uploadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upload_bytes_total",
			Help: "Total bytes of successfully stored uploads",
		}),
		uploadFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_failures_total",
			Help: "Total failed uploads by stage (parse, convert, store)",
		}, []string{"stage"}),
		admissionDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_denied_total",
			Help: "Total uploads rejected by the admission ledger, by reason",
		}, []string{"reason"}),
		admissionBlocksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_blocks_total",
			Help: "Total newly applied escalation blocks",
		}),
		ledgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admission_ledger_entries",
			Help: "Clients currently tracked in the admission ledger",
		}),
		janitorSweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_janitor_sweeps_total",
			Help: "Total janitor sweeps over the admission ledger",
		}),
		janitorEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_janitor_evicted_total",
			Help: "Total ledger entries evicted by the janitor",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.uploadsTotal,
		m.uploadBytesTotal,
		m.uploadFailuresTotal,
		m.admissionDeniedTotal,
		m.admissionBlocksTotal,
		m.ledgerEntries,
		m.janitorSweepsTotal,
		m.janitorEvictedTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) ObserveUpload(sizeBytes int64) {
	m.uploadsTotal.Inc()
	m.uploadBytesTotal.Add(float64(sizeBytes))
}

func (m *ServerMetrics) IncUploadFailure(stage string) {
	m.uploadFailuresTotal.WithLabelValues(stage).Inc()
}

func (m *ServerMetrics) IncAdmissionDenied(reason string) {
	m.admissionDeniedTotal.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncAdmissionBlock() {
	m.admissionBlocksTotal.Inc()
}

func (m *ServerMetrics) ObserveSweep(evicted, remaining int) {
	m.janitorSweepsTotal.Inc()
	m.janitorEvictedTotal.Add(float64(evicted))
	m.ledgerEntries.Set(float64(remaining))
}

func (m *ServerMetrics) SetLedgerEntries(n int) {
	m.ledgerEntries.Set(float64(n))
}
