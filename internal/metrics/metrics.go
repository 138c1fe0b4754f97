package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peerlink_ws_active_connections",
		Help: "Active websocket connections",
	})

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peerlink_presence_online_users",
		Help: "Users with at least one session on this instance",
	})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerlink_messages_sent_total",
		Help: "Messages persisted and published",
	})

	SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerlink_message_send_failures_total",
		Help: "Sends that returned a delivery error",
	})

	GapRepairs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerlink_message_gap_repairs_total",
		Help: "Subscription gaps repaired from the message store",
	})

	CallTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peerlink_call_transitions_total",
		Help: "Call session state transitions",
	}, []string{"state"})

	PresenceReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerlink_presence_reaped_total",
		Help: "Users marked offline by the heartbeat reaper",
	})
)

var once sync.Once

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(Connections, OnlineUsers, MessagesSent, SendFailures, GapRepairs, CallTransitions, PresenceReaped)
	})
}

// Handler returns an http.Handler for Prometheus scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
