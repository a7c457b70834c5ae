package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "enrichment_queue_depth",
			Help: "Number of queue items by status",
		},
		[]string{"status"},
	)

	ItemsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_items_processed_total",
			Help: "Total number of queue items processed by outcome",
		},
		[]string{"outcome"},
	)

	ItemProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrichment_item_processing_duration_seconds",
			Help:    "Time taken to process a single queue item",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scheduler metrics
	SchedulingCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrichment_scheduling_cycle_duration_seconds",
			Help:    "Time taken for one round-robin scheduling cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulingCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enrichment_scheduling_cycles_total",
			Help: "Total number of scheduling cycles completed",
		},
	)

	// Quota metrics
	QuotaChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_quota_checks_total",
			Help: "Total quota checks by window and result",
		},
		[]string{"window", "result"},
	)

	// Webhook metrics
	WebhookAckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrichment_webhook_ack_duration_seconds",
			Help:    "Time taken to acknowledge an inbound webhook",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 1.5, 2},
		},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_webhook_events_total",
			Help: "Total webhook events received by aspect",
		},
		[]string{"aspect"},
	)

	// Domain operation metrics
	SegmentationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrichment_segmentation_duration_seconds",
			Help:    "Time taken to segment one activity's streams",
			Buckets: prometheus.DefBuckets,
		},
	)

	TrainingLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrichment_training_load_duration_seconds",
			Help:    "Time taken to recompute training load for one user",
			Buckets: prometheus.DefBuckets,
		},
	)

	WeatherFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrichment_weather_fetch_duration_seconds",
			Help:    "Time taken to fetch weather for one activity",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ItemsProcessedTotal)
	prometheus.MustRegister(ItemProcessingDuration)
	prometheus.MustRegister(SchedulingCycleDuration)
	prometheus.MustRegister(SchedulingCyclesTotal)
	prometheus.MustRegister(QuotaChecksTotal)
	prometheus.MustRegister(WebhookAckDuration)
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(SegmentationDuration)
	prometheus.MustRegister(TrainingLoadDuration)
	prometheus.MustRegister(WeatherFetchDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
