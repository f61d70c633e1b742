// Package metrics exposes Prometheus collectors for the gateway client. It
// satisfies gateway.MetricsSink; a nil sink keeps the library metrics-free.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors holds the gateway client metrics.
type Collectors struct {
	eventsReceived   *prometheus.CounterVec
	heartbeatLatency *prometheus.GaugeVec
	shardReconnects  *prometheus.CounterVec
}

// New builds the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_received_total",
			Help: "Dispatch events received, per shard and event type.",
		}, []string{"shard", "type"}),
		heartbeatLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_heartbeat_latency_seconds",
			Help: "Last heartbeat round trip, per shard.",
		}, []string{"shard"}),
		shardReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_shard_reconnects_total",
			Help: "Reconnect cycles started, per shard.",
		}, []string{"shard"}),
	}
	reg.MustRegister(c.eventsReceived, c.heartbeatLatency, c.shardReconnects)
	return c
}

func (c *Collectors) EventReceived(shard int, eventType string) {
	c.eventsReceived.WithLabelValues(strconv.Itoa(shard), eventType).Inc()
}

func (c *Collectors) HeartbeatLatency(shard int, latency time.Duration) {
	c.heartbeatLatency.WithLabelValues(strconv.Itoa(shard)).Set(latency.Seconds())
}

func (c *Collectors) ShardReconnect(shard int) {
	c.shardReconnects.WithLabelValues(strconv.Itoa(shard)).Inc()
}
