// Package metrics exposes prometheus collectors for the relay server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements registry.Metrics backed by prometheus.
type Collector struct {
	registry *prometheus.Registry

	activeRooms    prometheus.Gauge
	roomsCreated   prometheus.Counter
	roomsDeleted   prometheus.Counter
	membersJoined  prometheus.Counter
	joinsRejected  prometheus.Counter
	signalsRelayed *prometheus.CounterVec
	chatMessages   prometheus.Counter
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_rooms",
			Help: "Number of live rooms",
		}),
		roomsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_rooms_created_total",
			Help: "Total number of rooms created",
		}),
		roomsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_rooms_deleted_total",
			Help: "Total number of rooms deleted after the grace period",
		}),
		membersJoined: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_members_joined_total",
			Help: "Total number of admitted joins",
		}),
		joinsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_joins_rejected_total",
			Help: "Total number of joins rejected because the room was full",
		}),
		signalsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_signals_relayed_total",
			Help: "Total number of opaque signaling payloads relayed",
		}, []string{"event"}),
		chatMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_chat_messages_total",
			Help: "Total number of chat messages posted",
		}),
	}
}

func (c *Collector) RoomCreated() {
	c.roomsCreated.Inc()
	c.activeRooms.Inc()
}

func (c *Collector) RoomDeleted() {
	c.roomsDeleted.Inc()
	c.activeRooms.Dec()
}

func (c *Collector) MemberJoined()  { c.membersJoined.Inc() }
func (c *Collector) JoinRejected()  { c.joinsRejected.Inc() }
func (c *Collector) ChatPosted()    { c.chatMessages.Inc() }
func (c *Collector) SignalRelayed(event string) {
	c.signalsRelayed.WithLabelValues(event).Inc()
}

// Handler serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Nop discards every metric. Used by tests.
type Nop struct{}

func (Nop) RoomCreated()          {}
func (Nop) RoomDeleted()          {}
func (Nop) MemberJoined()         {}
func (Nop) JoinRejected()         {}
func (Nop) ChatPosted()           {}
func (Nop) SignalRelayed(string)  {}
