package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections",
		Help: "Open gateway connections on this instance.",
	})
	wsEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_events_total",
			Help: "Gateway events by direction and kind.",
		},
		[]string{"direction", "event"},
	)
	wsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_dropped_total",
			Help: "Connections refused or dropped by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(wsConnections, wsEvents, wsDropped)
}
