// Package metrics provides Prometheus instrumentation for the auction service.
//
// Collectors are package variables registered with the default registry on
// import, so any package can record without wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "auction"

// Auction lifecycle.
var (
	// CommandsTotal counts auction commands by command and result code.
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Total auction commands by command and result.",
	}, []string{"command", "result"})

	// ActiveAuctions tracks auctions exhibited and not yet closed.
	ActiveAuctions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_auctions",
		Help:      "Number of auctions exhibited and not yet closed.",
	})

	// SettledVolume counts FT base units paid to exhibitors.
	SettledVolume = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settled_volume_total",
		Help:      "Total FT base units paid to exhibitors on close.",
	})

	// RefundedVolume counts FT base units returned to outbid bidders.
	RefundedVolume = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refunded_volume_total",
		Help:      "Total FT base units refunded to outbid bidders.",
	})

	// AuctionDuration observes the delay between an auction's end and its close.
	AuctionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "auction_close_delay_seconds",
		Help:      "Time from auction end to close in seconds.",
		Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 86400},
	})
)

// Realtime feed.
var (
	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// RealtimeEvents counts auction events fanned out, by event type.
	RealtimeEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "events_total",
		Help:      "Auction events published to the realtime hub by type.",
	}, []string{"type"})

	// RealtimeDropped counts events and clients dropped under backpressure.
	RealtimeDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "dropped_total",
		Help:      "Events dropped on a full hub queue and clients dropped for falling behind.",
	}, []string{"what"})
)

func init() {
	prometheus.MustRegister(
		CommandsTotal,
		ActiveAuctions,
		SettledVolume,
		RefundedVolume,
		AuctionDuration,
		ActiveWebSocketClients,
		RealtimeEvents,
		RealtimeDropped,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimited,
		DBConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}
