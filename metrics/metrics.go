package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatch runs partitioned by terminal state
	dispatchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_runs_total",
			Help: "Total number of dispatch runs by terminal state",
		},
		[]string{"state"},
	)

	dispatchRunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_runs_inflight",
			Help: "Number of dispatch runs currently executing",
		},
	)

	// Pages partitioned by outcome (Success, Failed)
	dispatchPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_pages_total",
			Help: "Total number of recipient pages handed to the transport",
		},
		[]string{"status"},
	)

	dispatchRecipientsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_recipients_sent_total",
			Help: "Total number of recipients accepted by the transport",
		},
	)

	deliveryEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_events_total",
			Help: "Total number of delivery notifications by outcome",
		},
		[]string{"outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RunStarted marks a dispatch run as executing.
func RunStarted() {
	dispatchRunsInFlight.Inc()
}

// RunEnded records the terminal state of a run.
func RunEnded(state string) {
	dispatchRunsInFlight.Dec()
	dispatchRunsTotal.WithLabelValues(state).Inc()
}

// PageSent records one page outcome and the recipients it delivered.
func PageSent(status string, accepted int) {
	dispatchPagesTotal.WithLabelValues(status).Inc()
	if accepted > 0 {
		dispatchRecipientsSent.Add(float64(accepted))
	}
}

// DeliveryEvent counts a processed delivery notification.
func DeliveryEvent(outcome string) {
	deliveryEventsTotal.WithLabelValues(outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request counts and latencies. Labels use the matched
// route template to keep cardinality low.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(rec.status),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}
