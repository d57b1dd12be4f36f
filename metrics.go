package nlmgr

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors updated by the engines. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Received    *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
	Sent        *prometheus.CounterVec
	SendErrors  *prometheus.CounterVec
	Pending     prometheus.Gauge
	Resolutions *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nlmgr",
			Name:      "messages_received_total",
			Help:      "Netlink messages decoded, by engine.",
		}, []string{"engine"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nlmgr",
			Name:      "messages_dropped_total",
			Help:      "Inbound netlink messages dropped, by engine and reason.",
		}, []string{"engine", "reason"}),
		Sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nlmgr",
			Name:      "messages_sent_total",
			Help:      "Netlink messages written to the socket, by engine.",
		}, []string{"engine"}),
		SendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nlmgr",
			Name:      "send_errors_total",
			Help:      "Failed netlink sends, by engine.",
		}, []string{"engine"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nlmgr",
			Name:      "genl_pending_requests",
			Help:      "Generic netlink requests awaiting a reply.",
		}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nlmgr",
			Name:      "genl_family_resolutions_total",
			Help:      "Generic netlink family resolutions, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Received, m.Dropped, m.Sent, m.SendErrors, m.Pending, m.Resolutions)
	}
	return m
}

func (m *Metrics) received(engine string) {
	if m != nil {
		m.Received.WithLabelValues(engine).Inc()
	}
}

func (m *Metrics) dropped(engine, reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(engine, reason).Inc()
	}
}

func (m *Metrics) sent(engine string) {
	if m != nil {
		m.Sent.WithLabelValues(engine).Inc()
	}
}

func (m *Metrics) sendError(engine string) {
	if m != nil {
		m.SendErrors.WithLabelValues(engine).Inc()
	}
}

func (m *Metrics) pending(n int) {
	if m != nil {
		m.Pending.Set(float64(n))
	}
}

func (m *Metrics) resolution(result string) {
	if m != nil {
		m.Resolutions.WithLabelValues(result).Inc()
	}
}
