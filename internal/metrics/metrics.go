// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesReceivedTotal counts frames accepted by the datalink adapter
	FramesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstack_frames_received_total",
			Help: "Total number of frames accepted by the datalink adapter",
		},
	)

	// FramesDroppedTotal counts frames dropped before dispatch, by reason
	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_frames_dropped_total",
			Help: "Total number of received frames dropped by the datalink adapter",
		},
		[]string{"reason"},
	)

	// FramesTransmittedTotal counts transmit attempts by result
	FramesTransmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_frames_transmitted_total",
			Help: "Total number of frames handed to the device",
		},
		[]string{"result"},
	)

	// LinkUp tracks the PHY link state (1=up)
	LinkUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netstack_link_up",
			Help: "Whether the PHY reports link up",
		},
	)

	// IPDropsTotal counts IPv4 packets dropped by the network layer
	IPDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_ip_drops_total",
			Help: "Total number of IPv4 packets dropped as network noise",
		},
		[]string{"reason"},
	)

	// ARPRequestsTotal counts resolution requests sent, including retransmissions
	ARPRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstack_arp_requests_total",
			Help: "Total number of ARP requests transmitted",
		},
	)

	// ARPCacheEntries tracks occupied ARP cache slots by state
	ARPCacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netstack_arp_cache_entries",
			Help: "Number of ARP cache entries",
		},
		[]string{"state"},
	)

	// ICMPRoundTripMilliseconds measures echo round-trip time
	ICMPRoundTripMilliseconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netstack_icmp_rtt_milliseconds",
			Help:    "ICMP echo round-trip time in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms to ~2s
		},
	)

	// ICMPUnmatchedRepliesTotal counts echo replies with no pending request
	ICMPUnmatchedRepliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstack_icmp_unmatched_replies_total",
			Help: "Total number of echo replies dropped for lack of a pending request",
		},
	)

	// NetworkErrorsTotal counts faults surfaced on the error channel
	NetworkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_network_errors_total",
			Help: "Total number of network errors raised",
		},
		[]string{"provider", "code"},
	)

	// StackState tracks the orchestrator state (0=uninitialised, 1=initialised, 2=running, 3=error)
	StackState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netstack_stack_state",
			Help: "Current network stack state",
		},
	)
)
