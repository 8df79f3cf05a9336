package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	MessagesSent      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_messages_sent_total", Help: "Messages accepted by the provider"})
	MessagesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_messages_failed_total", Help: "Messages that failed terminally without retry"})
	MessagesRetried   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_messages_retried_total", Help: "Send attempts scheduled for retry"})
	MessagesDead      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_messages_dead_total", Help: "Jobs moved to the dead letter queue"})
	AdmissionDenied   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_admission_denied_total", Help: "Dispatches deferred by tenant admission"})
	TenantFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_tenant_failures_total", Help: "Tenant runs aborted by configuration errors"})
	CampaignsLaunched = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_campaigns_launched_total", Help: "Campaigns launched"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_inflight", Help: "Sends currently in progress"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			MessagesSent,
			MessagesFailed,
			MessagesRetried,
			MessagesDead,
			AdmissionDenied,
			TenantFailures,
			CampaignsLaunched,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
