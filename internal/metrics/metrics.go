package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveLinks tracks live Peer Links by topology
	ActiveLinks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sanctuary_active_links",
		Help: "Number of live peer links",
	}, []string{"topology"}) // "mesh" | "broadcast" | "viewer"

	LinksCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sanctuary_links_created_total",
		Help: "Total number of peer links created",
	}, []string{"topology", "role"}) // role: "offerer" | "answerer"

	LinksConnectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sanctuary_links_connected_total",
		Help: "Total number of peer links that reached the connected state",
	}, []string{"topology"})

	LinkFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sanctuary_link_failures_total",
		Help: "Total number of peer links closed before or after connecting because of a failure",
	}, []string{"reason"}) // "timeout" | "transport" | "negotiation"

	GlareResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sanctuary_glare_resolved_total",
		Help: "Total number of crossing offers resolved",
	})

	CandidatesQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sanctuary_candidates_queued_total",
		Help: "Total number of ICE candidates held until a remote description was set",
	})

	ViewerCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sanctuary_viewer_count",
		Help: "Number of connected viewers of the local broadcast",
	})

	SignalMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sanctuary_signal_messages_total",
		Help: "Total number of signal messages",
	}, []string{"kind", "direction"}) // direction: "in" | "out"

	SignalDisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sanctuary_signal_disconnects_total",
		Help: "Total number of signal transport disconnects",
	})

	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sanctuary_hub_connections",
		Help: "Number of websocket clients attached to the signal hub",
	})

	HubMessagesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sanctuary_hub_messages_dropped_total",
		Help: "Total number of messages dropped by the hub for slow or malformed clients",
	})

	RosterWriteRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sanctuary_roster_write_retries_total",
		Help: "Total number of retried roster writes",
	}, []string{"op"})

	RosterWriteFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sanctuary_roster_write_failures_total",
		Help: "Total number of roster writes that failed after retries",
	}, []string{"op"})

	SpeakingLoops = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sanctuary_speaking_loops",
		Help: "Number of running speaking detection loops",
	})
)
