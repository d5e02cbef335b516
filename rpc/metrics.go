package rpc

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wippyai/caprpc/rpc/internal/rpcmsg"
	"github.com/wippyai/caprpc/rpc/internal/table"
)

// Subsystem is the prometheus subsystem of every connection metric.
const Subsystem = "caprpc"

// Metrics counts connection traffic and table occupancy. One Metrics may
// be shared by any number of connections.
type Metrics struct {
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	decodeFailures   prometheus.Counter
	aborts           *prometheus.CounterVec
	tableEntries     *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: Subsystem,
				Name:      "messages_sent_total",
				Help:      "Messages sent, by message type.",
			},
			[]string{"type"},
		),
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: Subsystem,
				Name:      "messages_received_total",
				Help:      "Messages received, by message type.",
			},
			[]string{"type"},
		),
		decodeFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: Subsystem,
				Name:      "decode_failures_total",
				Help:      "Received messages dropped because they could not be decoded.",
			},
		),
		aborts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: Subsystem,
				Name:      "aborts_total",
				Help:      "Connections aborted, by side that aborted.",
			},
			[]string{"side"},
		),
		tableEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Subsystem: Subsystem,
				Name:      "table_entries",
				Help:      "Live entries in the question, answer, import, export and embargo tables.",
			},
			[]string{"table"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.messagesSent, m.messagesReceived, m.decodeFailures, m.aborts, m.tableEntries,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) sent(w rpcmsg.Which) {
	if m != nil {
		m.messagesSent.WithLabelValues(w.String()).Inc()
	}
}

func (m *Metrics) received(w rpcmsg.Which) {
	if m != nil {
		m.messagesReceived.WithLabelValues(w.String()).Inc()
	}
}

func (m *Metrics) decodeFailed() {
	if m != nil {
		m.decodeFailures.Inc()
	}
}

func (m *Metrics) aborted(side string) {
	if m != nil {
		m.aborts.WithLabelValues(side).Inc()
	}
}

// OnTableEvent implements table.Observer.
func (m *Metrics) OnTableEvent(e table.Event) {
	g := m.tableEntries.WithLabelValues(e.Table)
	switch e.Type {
	case table.EventCreated:
		g.Inc()
	case table.EventDropped:
		g.Dec()
	}
}
