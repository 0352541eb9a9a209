package ingest

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	eventsTotal      *prometheus.CounterVec
	attachmentErrors *prometheus.CounterVec
	acksTotal        *prometheus.CounterVec
	deadLetters      *prometheus.CounterVec
	processLatency   *prometheus.HistogramVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		eventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "events_total",
			Help:      "Normalized webhook events by provider and outcome.",
		}, []string{"provider", "outcome"}),
		attachmentErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "attachment_failures_total",
			Help:      "Attachments dropped by provider and failing step.",
		}, []string{"provider", "stage"}),
		acksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "status_updates_total",
			Help:      "Delivery/read acknowledgements by kind and whether a row changed.",
		}, []string{"kind", "applied"}),
		deadLetters: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "dead_letters_total",
			Help:      "Persistence failures routed to the dead-letter log.",
		}, []string{"provider", "stage"}),
		processLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inbox",
			Name:      "webhook_process_seconds",
			Help:      "Time spent processing one webhook delivery.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
