package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contacts_events_consumed_total",
			Help: "Contacts events processed by the consumer, by event name and result.",
		},
		[]string{"event_name", "result"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	kafkaCommitFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kafka_commit_failures_total",
			Help: "Total Kafka offset commit failures.",
		},
	)
	verificationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_outcomes_total",
			Help: "Verification outcomes by status.",
		},
		[]string{"status"},
	)
	verificationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verification_latency_seconds",
			Help:    "Verifier call latency in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 7.5, 10, 20, 30},
		},
	)
	verificationQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "verification_queue_depth",
			Help: "Queued verification tasks by pool.",
		},
		[]string{"pool"},
	)
	verificationRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_rejected_total",
			Help: "Verification submissions rejected by a saturated or closed pool.",
		},
		[]string{"pool"},
	)
	verificationAbandoned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_abandoned_total",
			Help: "Queued verification tasks abandoned at shutdown.",
		},
		[]string{"pool"},
	)
	outcomePersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outcome_persist_failures_total",
			Help: "Verification outcomes that could not be persisted.",
		},
	)
	outcomeDeliveryGaps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outcome_delivery_gaps_total",
			Help: "Persisted outcomes whose publication failed.",
		},
	)
	outcomesPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outcomes_published_total",
			Help: "Outcomes published to the downstream topic.",
		},
	)
	outcomesRedriven = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outcomes_redriven_total",
			Help: "Delivery-gap outcomes processed by redrive, by result.",
		},
		[]string{"result"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		eventsConsumed, kafkaConsumerLag, kafkaCommitFailures,
		verificationOutcomes, verificationLatency, verificationQueueDepth, verificationRejected, verificationAbandoned,
		outcomePersistFailures, outcomeDeliveryGaps, outcomesPublished, outcomesRedriven,
		influxWriteFailures, asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEventConsumed(eventName string, result string) {
	eventsConsumed.WithLabelValues(eventName, result).Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncKafkaCommitFailure() {
	kafkaCommitFailures.Inc()
}

func IncVerificationOutcome(status string) {
	verificationOutcomes.WithLabelValues(status).Inc()
}

func ObserveVerificationLatency(d time.Duration) {
	verificationLatency.Observe(d.Seconds())
}

func SetVerificationQueueDepth(pool string, depth int) {
	verificationQueueDepth.WithLabelValues(pool).Set(float64(depth))
}

func IncVerificationRejected(pool string) {
	verificationRejected.WithLabelValues(pool).Inc()
}

func AddVerificationAbandoned(pool string, n int) {
	verificationAbandoned.WithLabelValues(pool).Add(float64(n))
}

func IncOutcomePersistFailure() {
	outcomePersistFailures.Inc()
}

func IncOutcomeDeliveryGap() {
	outcomeDeliveryGaps.Inc()
}

func IncOutcomePublished() {
	outcomesPublished.Inc()
}

func IncOutcomeRedriven(result string) {
	outcomesRedriven.WithLabelValues(result).Inc()
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
