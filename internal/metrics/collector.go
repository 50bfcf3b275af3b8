// Package brokermetrics exposes the broker's Prometheus counters.
package brokermetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// namespace prefixes every metric name.
const namespace = "hpfeeds"

// -------------------------------------------------------------------------
// Collector — process-wide broker counters
// -------------------------------------------------------------------------

// Collector holds the broker's five monotonic counters. It is
// constructed once at startup and passed by shared handle to every
// connection handler; increments are atomic and wait-free.
type Collector struct {
	// Delivered counts messages written to a subscriber's socket buffer.
	Delivered prometheus.Counter

	// Lagged counts messages dropped because a subscriber fell behind
	// its bounded delivery queue.
	Lagged prometheus.Counter

	// Published counts authorized Publish frames accepted from
	// publishers.
	Published prometheus.Counter

	// AuthSuccess counts completed handshakes.
	AuthSuccess prometheus.Counter

	// AuthFail counts rejected authentication attempts.
	AuthFail prometheus.Counter
}

// NewCollector creates a Collector with all counters registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivered_total",
			Help:      "Total messages successfully sent to subscribers.",
		}),
		Lagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lagged_total",
			Help:      "Total messages dropped due to subscriber lag.",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Total messages received from publishers.",
		}),
		AuthSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_success_total",
			Help:      "Total successful authentications.",
		}),
		AuthFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_fail_total",
			Help:      "Total failed authentications.",
		}),
	}

	reg.MustRegister(
		c.Delivered,
		c.Lagged,
		c.Published,
		c.AuthSuccess,
		c.AuthFail,
	)

	return c
}
