package metrics

import (
	"time"

	"github.com/cuemby/someipd/pkg/stats"
	"github.com/cuemby/someipd/pkg/types"
)

// Sink implements stats.Sink by incrementing the matching Prometheus
// counter for each event kind. Safe to pass directly to SD components
// constructed on the reactor loop: Increment only ever touches
// lock-free Prometheus counters.
type Sink struct{}

// NewSink constructs the Prometheus-backed stats.Sink.
func NewSink() Sink { return Sink{} }

func (Sink) Increment(kind stats.Kind) {
	switch kind {
	case stats.RejectedHeader:
		SDMessagesRejectedTotal.WithLabelValues("header").Inc()
	case stats.RejectedIAM:
		SDMessagesRejectedTotal.WithLabelValues("iam").Inc()
	case stats.AcceptedSubscribe:
		SubscriptionsAcceptedTotal.Inc()
	case stats.NackedSubscribe:
		SubscriptionsNackedTotal.Inc()
	case stats.TTLExpiry:
		SubscriptionTTLExpiryTotal.Inc()
	case stats.RemoteReboot:
		RemoteRebootsDetectedTotal.Inc()
	case stats.SendFailure:
		SendFailuresTotal.WithLabelValues("unknown").Inc()
	}
}

// StateSource is polled periodically to refresh the gauges that reflect
// live daemon state rather than discrete events (phase counts, active
// subscriptions, scheduler backlog).
type StateSource interface {
	RequiredInstancePhaseCounts() map[types.ClientPhase]int
	ProvidedInstancePhaseCounts() map[types.ServerPhase]int
	ActiveSubscriptions() int
	SchedulerQueueDepth() int
}

// Collector periodically samples a StateSource and republishes it as
// gauges, the way this repository's original manager-state poller did.
type Collector struct {
	source StateSource
	stopCh chan struct{}
}

// NewCollector constructs a Collector over source.
func NewCollector(source StateSource) *Collector {
	return &Collector{source: source, stopCh: make(chan struct{})}
}

// Start begins sampling source every 15 seconds until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts sampling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for phase, count := range c.source.RequiredInstancePhaseCounts() {
		RequiredInstancesTotal.WithLabelValues(phase.String()).Set(float64(count))
	}
	for phase, count := range c.source.ProvidedInstancePhaseCounts() {
		ProvidedInstancesTotal.WithLabelValues(phase.String()).Set(float64(count))
	}
	SubscriptionsActive.Set(float64(c.source.ActiveSubscriptions()))
	SchedulerQueueDepth.Set(float64(c.source.SchedulerQueueDepth()))
}
