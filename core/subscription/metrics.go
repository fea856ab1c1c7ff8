package subscription

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_batch_reconnects_total",
		Help: "Stream reconnects per chain, split by whether the reconnect was a deliberate filter change or error recovery.",
	}, []string{"chain_id", "intentional"})

	promEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_batch_events_published_total",
		Help: "Events published straight through (not buffered) per chain.",
	}, []string{"chain_id"})

	promEventsBuffered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_batch_events_buffered_total",
		Help: "Events appended to a global or per-member buffer per chain.",
	}, []string{"chain_id"})
)
