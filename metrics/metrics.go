package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drand/sealed/common/log"
)

var (
	// PrivateMetrics about the internal world (go process, engine state)
	PrivateMetrics = prometheus.NewRegistry()
	// HTTPMetrics about the public surface area (http requests)
	HTTPMetrics = prometheus.NewRegistry()

	// RecordsSubmitted counts accepted submissions
	RecordsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "records_submitted_total",
		Help: "Number of encrypted records accepted",
	})
	// DecryptionRequests counts requests bound to a record
	DecryptionRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "decryption_requests_total",
		Help: "Number of decryption requests issued to the oracle",
	})
	// Reveals counts records revealed after a valid proof
	Reveals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reveals_total",
		Help: "Number of records revealed",
	})
	// SecurityEvents counts callbacks that were forged, tampered or replayed
	SecurityEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callback_security_events_total",
		Help: "Number of rejected callbacks by reason",
	}, []string{"reason"})
	// OperationErrors counts failed engine operations
	OperationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "operation_errors_total",
		Help: "Number of failed engine operations by operation and reason",
	}, []string{"op", "reason"})
	// RequestsRetired counts request ids consumed, by outcome
	RequestsRetired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_retired_total",
		Help: "Number of retired request ids by outcome",
	}, []string{"outcome"})
	// PendingRequests is the number of requests awaiting a callback
	PendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pending_requests",
		Help: "Number of decryption requests awaiting a callback",
	})

	// HTTPCallCounter (HTTP) how many http requests
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_call_counter",
		Help: "Number of HTTP calls received",
	}, []string{"code", "method"})
	// HTTPLatency (HTTP) how long http request handling takes
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "http_response_duration",
		Help:        "histogram of request latencies",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: prometheus.Labels{"handler": "http"},
	}, []string{"method"})
	// HTTPInFlight (HTTP) how many http requests exist
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight",
		Help: "A gauge of requests currently being served.",
	})

	// OracleRequests (client) how many requests were sent to a remote oracle
	OracleRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_client_requests",
		Help: "Number of requests sent to the decryption oracle",
	}, []string{"url", "code", "method"})
	// OracleLatency (client) how long remote oracle requests take
	OracleLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oracle_client_latency",
		Help:    "Duration of requests to the decryption oracle",
		Buckets: prometheus.DefBuckets,
	}, []string{"url", "method"})
	// OracleInFlight (client) how many remote oracle requests are outstanding
	OracleInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oracle_client_in_flight",
		Help: "Number of requests to the decryption oracle in flight",
	}, []string{"url"})

	bindOnce sync.Once
)

func bindMetrics() {
	bindOnce.Do(func() {
		// The private go-level metrics live in private.
		_ = PrivateMetrics.Register(prometheus.NewGoCollector())
		_ = PrivateMetrics.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

		engine := []prometheus.Collector{
			RecordsSubmitted,
			DecryptionRequests,
			Reveals,
			SecurityEvents,
			OperationErrors,
			RequestsRetired,
			PendingRequests,
			OracleRequests,
			OracleLatency,
			OracleInFlight,
		}
		for _, c := range engine {
			_ = PrivateMetrics.Register(c)
		}

		// HTTP metrics
		http := []prometheus.Collector{
			HTTPCallCounter,
			HTTPLatency,
			HTTPInFlight,
		}
		for _, c := range http {
			_ = HTTPMetrics.Register(c)
			_ = PrivateMetrics.Register(c)
		}
	})
}

// InstrumentHTTP wraps h with the HTTP collectors.
func InstrumentHTTP(h http.Handler) http.Handler {
	return promhttp.InstrumentHandlerInFlight(HTTPInFlight,
		promhttp.InstrumentHandlerCounter(HTTPCallCounter,
			promhttp.InstrumentHandlerDuration(HTTPLatency, h)))
}

// Start starts a prometheus metrics server with debug endpoints.
func Start(metricsBind string, pprof http.Handler) net.Listener {
	l := log.DefaultLogger().Named("metrics")
	l.Debugw("private listener started", "at", metricsBind)
	bindMetrics()

	lis, err := net.Listen("tcp", metricsBind)
	if err != nil {
		l.Warnw("listen failed", "err", err)
		return nil
	}
	s := http.Server{Addr: lis.Addr().String()}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))
	mux.Handle("/metrics/http", promhttp.HandlerFor(HTTPMetrics, promhttp.HandlerOpts{Registry: HTTPMetrics}))

	if pprof != nil {
		mux.Handle("/debug/pprof/", pprof)
	}

	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, req *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})
	s.Handler = mux
	go func() {
		l.Warnw("listen finished", "err", s.Serve(lis))
	}()
	return lis
}
