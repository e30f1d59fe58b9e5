// Package metrics holds the Conductor's Prometheus collectors: open
// channels, streaming partitions, in-flight stream requests, and fixer
// retry attempts (spec.md's Conductor/Fixer modules, expanded per
// SPEC_FULL.md to carry the metrics stack already used across the
// Couchbase-DCP-domain examples in the retrieval pack).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every gauge/counter the core publishes. Register it
// once against a prometheus.Registerer (the default one, or a per-embedder
// registry).
type Collectors struct {
	OpenChannels        prometheus.Gauge
	StreamingPartitions prometheus.Gauge
	InFlightStreamReqs  prometheus.Gauge
	FixerRetryAttempts  prometheus.Counter
	BufferAcksSent      prometheus.Counter
	BytesAcked          prometheus.Counter
	ChannelDropped      prometheus.Counter
}

// NewCollectors builds the collector set under the given namespace (e.g.
// "dcp_core") but does not register them.
func NewCollectors(namespace string) *Collectors {
	return &Collectors{
		OpenChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_channels", Help: "Number of currently connected DCP channels.",
		}),
		StreamingPartitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "streaming_partitions", Help: "Number of vbuckets with an open stream.",
		}),
		InFlightStreamReqs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "in_flight_stream_requests", Help: "DCP_STREAM_REQ frames awaiting a response.",
		}),
		FixerRetryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fixer_retry_attempts_total", Help: "Recovery attempts made by the Fixer.",
		}),
		BufferAcksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "buffer_acks_sent_total", Help: "DCP_BUFFER_ACK frames emitted.",
		}),
		BytesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_acked_total", Help: "Bytes credited back via DCP_BUFFER_ACK.",
		}),
		ChannelDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "channel_dropped_total", Help: "ChannelDropped events observed by the Fixer.",
		}),
	}
}

// MustRegister registers every collector against reg, panicking on
// duplicate registration the way prometheus.MustRegister does.
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.OpenChannels,
		c.StreamingPartitions,
		c.InFlightStreamReqs,
		c.FixerRetryAttempts,
		c.BufferAcksSent,
		c.BytesAcked,
		c.ChannelDropped,
	)
}
