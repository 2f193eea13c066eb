// Package metrics exposes the relay's Prometheus collectors and the
// /metrics HTTP handler serving them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the relay updates as tunnels come
// and go.
type Registry struct {
	ActiveTunnels     prometheus.Gauge
	ActiveAgents      prometheus.Gauge
	BytesForwarded    *prometheus.CounterVec
	RouteConflicts    prometheus.Counter
	HandshakeFailures *prometheus.CounterVec

	registry *prometheus.Registry
}

// New builds a Registry with all collectors registered against a
// fresh prometheus.Registry (never the global default, so multiple
// relay instances in the same test binary don't collide).
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		ActiveTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "localup",
			Name:      "active_tunnels",
			Help:      "Number of client tunnels currently registered with the relay.",
		}),
		ActiveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "localup",
			Name:      "active_agents",
			Help:      "Number of reverse-tunnel agents currently registered with the relay.",
		}),
		BytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localup",
			Name:      "bytes_forwarded_total",
			Help:      "Total bytes spliced between public connections and tunnels, by direction.",
		}, []string{"direction"}),
		RouteConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localup",
			Name:      "route_conflicts_total",
			Help:      "Total route registrations rejected due to a conflicting existing route.",
		}),
		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localup",
			Name:      "handshake_failures_total",
			Help:      "Total control-connection handshakes rejected, by reason.",
		}, []string{"reason"}),
		registry: reg,
	}

	reg.MustRegister(
		r.ActiveTunnels,
		r.ActiveAgents,
		r.BytesForwarded,
		r.RouteConflicts,
		r.HandshakeFailures,
	)
	return r
}

// Handler returns the HTTP handler serving this registry's metrics in
// the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
