// Package metrics provides Prometheus instrumentation for the chat sync
// client. It exposes counters for live events and timeline changes, a gauge
// for the live channel state, and histograms for request latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsTotal counts live channel events handled by the reconciler,
	// labeled by event type and disposition: "rendered", "duplicate",
	// "background", "ignored" or "surfaced".
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_total",
		Help: "Live channel events handled by the reconciler",
	}, []string{"type", "disposition"})

	// StaleLoadsTotal counts history results discarded because the open
	// conversation changed while they were in flight.
	StaleLoadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_stale_loads_total",
		Help: "History loads discarded because a newer conversation was opened",
	})

	// OutOfOrderTotal counts live messages older than the timeline tail.
	// They are appended as they arrive.
	OutOfOrderTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_out_of_order_total",
		Help: "Live messages appended with a timestamp older than the timeline tail",
	})

	// TimelineLength tracks the number of messages in the open conversation.
	TimelineLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_timeline_length",
		Help: "Number of messages in the open conversation timeline",
	})

	// ChannelState is 1 for the current live channel state and 0 for the
	// others.
	ChannelState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatsync_channel_state",
		Help: "Current live channel state (1 = active)",
	}, []string{"state"})

	// SendsTotal counts outbound messages by result: "sent", "invalid" or
	// "failed".
	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_sends_total",
		Help: "Outbound message attempts",
	}, []string{"result"})

	// RequestLatency records REST request latency in seconds, labeled by
	// endpoint ("history", "contacts") and result ("ok", "expired",
	// "unavailable").
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsync_request_latency_seconds",
		Help:    "REST request latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"endpoint", "result"})

	// HandshakeDuration records time from dial to joined.
	HandshakeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatsync_handshake_duration_seconds",
		Help:    "Time from dial to joined on the live channel",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
	})
)

func init() {
	prometheus.MustRegister(
		EventsTotal,
		StaleLoadsTotal,
		OutOfOrderTotal,
		TimelineLength,
		ChannelState,
		SendsTotal,
		RequestLatency,
		HandshakeDuration,
	)
}

// SetChannelState marks state as the active live channel state.
func SetChannelState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		ChannelState.WithLabelValues(s).Set(v)
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
