// Package metrics defines the Prometheus collectors for the agent and relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"collabtext/internal/protocol"
)

const namespace = "collabtext"

// Client holds the collectors of one collaboration client.
type Client struct {
	Latency          prometheus.Gauge
	Quality          *prometheus.GaugeVec
	Reconnects       prometheus.Counter
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	SendFailures     prometheus.Counter
	MalformedFrames  prometheus.Counter

	OpsApplied   *prometheus.CounterVec
	OpsDropped   *prometheus.CounterVec
	OutboxDepth  prometheus.Gauge
	Conflicts    prometheus.Counter
	ActiveUsers  prometheus.Gauge
	UsersEvicted prometheus.Counter
}

// NewClient registers the client collectors with reg.
func NewClient(reg prometheus.Registerer) *Client {
	f := promauto.With(reg)
	return &Client{
		Latency: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_latency_seconds",
			Help:      "Last heartbeat round trip to the relay",
		}),
		Quality: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_quality",
			Help:      "1 for the current connection quality, 0 for the others",
		}, []string{"quality"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after the transport closed",
		}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Envelopes written to the transport",
		}, []string{"type"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Envelopes read from the transport",
		}, []string{"type"}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Envelopes that could not be written",
		}),
		MalformedFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames that failed to decode",
		}),
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_applied_total",
			Help:      "Remote operations applied to the memo store",
		}, []string{"kind"}),
		OpsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_dropped_total",
			Help:      "Operations dropped, by reason",
		}, []string{"reason"}),
		OutboxDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Local operations waiting to be sent or acknowledged",
		}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Conflicts opened",
		}),
		ActiveUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_users",
			Help:      "Collaborators seen within the activity window",
		}),
		UsersEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_evicted_total",
			Help:      "Collaborators removed by the inactivity sweep",
		}),
	}
}

// SetQuality flips the quality gauge vector to q.
func (c *Client) SetQuality(q protocol.Quality) {
	if c == nil {
		return
	}
	for _, v := range []protocol.Quality{protocol.QualityExcellent, protocol.QualityGood, protocol.QualityPoor, protocol.QualityOffline} {
		val := 0.0
		if v == q {
			val = 1
		}
		c.Quality.WithLabelValues(string(v)).Set(val)
	}
}

// Relay holds the relay's collectors.
type Relay struct {
	Connections prometheus.Gauge
	Published   *prometheus.CounterVec
	Rejected    prometheus.Counter
}

// NewRelay registers the relay collectors with reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)
	return &Relay{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open websocket connections",
		}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "published_total",
			Help:      "Envelopes published to a workspace channel",
		}, []string{"type"}),
		Rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rejected_frames_total",
			Help:      "Inbound frames that were not valid envelopes",
		}),
	}
}
