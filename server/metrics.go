package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	promNamespace = "iamts"
	promSubsystem = "server"
)

var (
	promRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prometheus.BuildFQName(promNamespace, promSubsystem, "requests_total"),
		Help: "Total count of requests handled, by code and method",
	},
		[]string{"code", "method"},
	)
	promRequestsDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: prometheus.BuildFQName(promNamespace, promSubsystem, "request_duration_seconds"),
		Help: "A histogram of request latencies",
	},
		[]string{},
	)
	promTokensIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prometheus.BuildFQName(promNamespace, promSubsystem, "tokens_issued_total"),
		Help: "Total count of access tokens issued, by audience",
	},
		[]string{"resource"},
	)
	promTokenErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prometheus.BuildFQName(promNamespace, promSubsystem, "token_errors_total"),
		Help: "Total count of failed token requests, by OAuth error code",
	},
		[]string{"error"},
	)

	registerMetricsOnce sync.Once
)

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(
			promRequests,
			promRequestsDuration,
			promTokensIssued,
			promTokenErrors,
		)
	})
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with the request counter and latency histogram.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		promRequests.WithLabelValues(strconv.Itoa(rec.status), r.Method).Inc()
		promRequestsDuration.WithLabelValues().Observe(time.Since(start).Seconds())
	})
}
