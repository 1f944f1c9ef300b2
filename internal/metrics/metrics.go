// Package metrics exposes the proxy's observability counters for an
// external exporter to scrape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FrontendConnections counts accepted frontend connections by protocol.
	FrontendConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nghttpx_frontend_connections_total",
			Help: "Accepted frontend connections by negotiated protocol",
		},
		[]string{"proto"},
	)

	// ActiveSessions tracks currently open frontend sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nghttpx_active_sessions",
			Help: "Currently open frontend sessions",
		},
	)

	// ActiveStreams tracks streams currently being bridged.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nghttpx_active_streams",
			Help: "Streams currently being bridged",
		},
	)

	// BytesIn counts payload bytes received from frontend clients.
	BytesIn = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nghttpx_frontend_bytes_in_total",
			Help: "Payload bytes received from frontend clients",
		},
	)

	// BytesOut counts payload bytes sent to frontend clients.
	BytesOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nghttpx_frontend_bytes_out_total",
			Help: "Payload bytes sent to frontend clients",
		},
	)

	// ProtocolErrors counts protocol failures by error kind.
	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nghttpx_protocol_errors_total",
			Help: "Protocol errors by kind",
		},
		[]string{"kind"},
	)

	// StreamResets counts stream resets by origin (frontend, backend,
	// timeout).
	StreamResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nghttpx_stream_resets_total",
			Help: "Stream resets by origin",
		},
		[]string{"origin"},
	)

	// BackendDials counts backend connection attempts by outcome.
	BackendDials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nghttpx_backend_dials_total",
			Help: "Backend connection attempts by outcome",
		},
		[]string{"outcome"},
	)

	// PoolReuse counts pooled backend sessions handed out without dialing.
	PoolReuse = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nghttpx_backend_pool_reuse_total",
			Help: "Backend sessions reused from the idle pool",
		},
	)

	// GatewayErrors counts synthesized gateway error responses by status.
	GatewayErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nghttpx_gateway_errors_total",
			Help: "Synthesized gateway error responses by status",
		},
		[]string{"status"},
	)
)
