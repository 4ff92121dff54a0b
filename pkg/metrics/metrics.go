package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Discovery state gauges.
	RequiredInstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "someipd_required_instances_total",
			Help: "Required service instances by client SD phase",
		},
		[]string{"phase"},
	)

	ProvidedInstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "someipd_provided_instances_total",
			Help: "Provided service instances by server SD phase",
		},
		[]string{"phase"},
	)

	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "someipd_eventgroup_subscriptions_active",
			Help: "Currently active eventgroup subscriptions across all provided instances",
		},
	)

	// Message-level counters.
	SDMessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "someipd_sd_messages_sent_total",
			Help: "SD datagrams sent by cast kind",
		},
		[]string{"cast"},
	)

	SDMessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "someipd_sd_messages_received_total",
			Help: "SD datagrams received by cast kind",
		},
		[]string{"cast"},
	)

	SDMessagesRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "someipd_sd_messages_rejected_total",
			Help: "SD datagrams rejected before entry processing, by reason",
		},
		[]string{"reason"},
	)

	SubscriptionsAcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "someipd_subscriptions_accepted_total",
			Help: "SubscribeEventgroup requests acknowledged",
		},
	)

	SubscriptionsNackedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "someipd_subscriptions_nacked_total",
			Help: "SubscribeEventgroup requests rejected",
		},
	)

	SubscriptionTTLExpiryTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "someipd_subscription_ttl_expiry_total",
			Help: "Eventgroup subscriptions torn down by TTL expiry",
		},
	)

	RemoteRebootsDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "someipd_remote_reboots_detected_total",
			Help: "Remote reboots detected via the session/reboot flag",
		},
	)

	SendFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "someipd_send_failures_total",
			Help: "Socket send failures by cast kind",
		},
		[]string{"cast"},
	)

	// Entry-processing latency.
	EntryProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "someipd_entry_processing_duration_seconds",
			Help:    "Time taken to process one incoming SD entry on the reactor loop",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "someipd_scheduler_queue_depth",
			Help: "Pending one-shot sends queued in the Send Scheduler",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequiredInstancesTotal,
		ProvidedInstancesTotal,
		SubscriptionsActive,
		SDMessagesSentTotal,
		SDMessagesReceivedTotal,
		SDMessagesRejectedTotal,
		SubscriptionsAcceptedTotal,
		SubscriptionsNackedTotal,
		SubscriptionTTLExpiryTotal,
		RemoteRebootsDetectedTotal,
		SendFailuresTotal,
		EntryProcessingDuration,
		SchedulerQueueDepth,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
