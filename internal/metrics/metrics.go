// Package metrics provides an opt-in Prometheus collector for the stub.
// A nil *Collector is valid and every method on it is a no-op, so callers
// that don't want observability never have to touch a registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector aggregates the counters and gauges the engine updates during
// normal operation. It is deliberately small: connection lifecycle,
// packet framing health, and per-letter reply counts, per SPEC_FULL.md
// §4.7.
type Collector struct {
	ConnectionsAccepted prometheus.Counter
	PacketsReceived     prometheus.Counter
	ChecksumFailures    prometheus.Counter
	BytesSent           prometheus.Counter
	RepliesByLetter     *prometheus.CounterVec
	AsyncIOEnabled      prometheus.Gauge
}

// New constructs a Collector and registers its metrics with reg. Passing a
// fresh prometheus.NewRegistry() keeps the stub's metrics isolated from
// the process-wide default registry, matching the pattern used by
// runZeroInc-sockstats's exporter package.
func New(reg prometheus.Registerer, namespace string) *Collector {
	c := &Collector{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_accepted_total",
			Help: "Number of debugger connections accepted.",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_received_total",
			Help: "Number of framed RSP packets received.",
		}),
		ChecksumFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "checksum_failures_total",
			Help: "Number of packets discarded due to checksum or framing errors.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total",
			Help: "Number of framed bytes written to the debugger peer.",
		}),
		RepliesByLetter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "replies_total",
			Help: "Number of replies sent, labeled by request letter.",
		}, []string{"letter"}),
		AsyncIOEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "async_io_enabled",
			Help: "1 while a continue event has async interrupt delivery enabled, else 0.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.ConnectionsAccepted,
			c.PacketsReceived,
			c.ChecksumFailures,
			c.BytesSent,
			c.RepliesByLetter,
			c.AsyncIOEnabled,
		)
	}
	return c
}

// ReplySent increments the per-letter reply counter. Safe to call on a nil
// Collector.
func (c *Collector) ReplySent(letter byte) {
	if c == nil {
		return
	}
	c.RepliesByLetter.WithLabelValues(string(letter)).Inc()
}

// SetAsyncIO reflects whether a continue event currently has async
// interrupt delivery enabled. Safe to call on a nil Collector.
func (c *Collector) SetAsyncIO(enabled bool) {
	if c == nil {
		return
	}
	if enabled {
		c.AsyncIOEnabled.Set(1)
	} else {
		c.AsyncIOEnabled.Set(0)
	}
}
