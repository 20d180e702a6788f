package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coinjoin",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinjoin",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coinjoin",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	deposits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinjoin",
			Subsystem: "pool",
			Name:      "deposits_total",
			Help:      "Deposit attempts by denomination and outcome.",
		},
		[]string{"denomination", "result"},
	)

	rounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinjoin",
			Subsystem: "mixing",
			Name:      "rounds_total",
			Help:      "Mixing rounds by denomination and outcome.",
		},
		[]string{"denomination", "result"},
	)

	roundDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coinjoin",
			Subsystem: "mixing",
			Name:      "round_duration_seconds",
			Help:      "Duration of mixing round execution.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"denomination"},
	)

	anonymitySet = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coinjoin",
			Subsystem: "mixing",
			Name:      "anonymity_set_size",
			Help:      "Participants per settled round.",
			Buckets:   prometheus.LinearBuckets(1, 1, 16),
		},
		[]string{"denomination"},
	)

	feesCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinjoin",
			Subsystem: "mixing",
			Name:      "fees_collected_total",
			Help:      "Fees retained by settled rounds, in base units.",
		},
		[]string{"denomination"},
	)

	poolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coinjoin",
			Subsystem: "pool",
			Name:      "current_size",
			Help:      "Deposits currently queued per denomination.",
		},
		[]string{"denomination"},
	)

	refunds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinjoin",
			Subsystem: "pool",
			Name:      "expired_refunds_total",
			Help:      "Expired deposits refunded to their depositors.",
		},
		[]string{"denomination"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		deposits,
		rounds,
		roundDuration,
		anonymitySet,
		feesCollected,
		poolSize,
		refunds,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

func denomLabel(denomination uint64) string {
	return strconv.FormatUint(denomination, 10)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordDeposit records a deposit attempt and the resulting pool size.
func RecordDeposit(denomination uint64, size uint32, err error) {
	deposits.WithLabelValues(denomLabel(denomination), resultLabel(err)).Inc()
	if err == nil {
		poolSize.WithLabelValues(denomLabel(denomination)).Set(float64(size))
	}
}

// RecordRound records a mixing attempt. participants and fees are ignored
// for failed rounds.
func RecordRound(denomination uint64, participants uint32, fees uint64, duration time.Duration, err error) {
	label := denomLabel(denomination)
	if duration <= 0 {
		duration = time.Millisecond
	}
	rounds.WithLabelValues(label, resultLabel(err)).Inc()
	roundDuration.WithLabelValues(label).Observe(duration.Seconds())
	if err != nil {
		return
	}
	anonymitySet.WithLabelValues(label).Observe(float64(participants))
	feesCollected.WithLabelValues(label).Add(float64(fees))
}

// RecordPoolSize sets the queued-deposit gauge.
func RecordPoolSize(denomination uint64, size uint32) {
	poolSize.WithLabelValues(denomLabel(denomination)).Set(float64(size))
}

// RecordRefunds counts refunded expired deposits.
func RecordRefunds(denomination uint64, n uint32) {
	if n == 0 {
		return
	}
	refunds.WithLabelValues(denomLabel(denomination)).Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "coinjoin" || len(parts) < 2 {
		return "/" + parts[0]
	}
	if parts[1] != "pools" || len(parts) < 3 {
		return "/coinjoin/" + parts[1]
	}
	if len(parts) == 3 {
		return "/coinjoin/pools/:symbol"
	}
	return "/coinjoin/pools/:symbol/" + parts[3]
}
