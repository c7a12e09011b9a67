package callmgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics instruments the call control plane. Collectors live on the
// Runtime's registry so parallel test runtimes never collide on
// registration.
type metrics struct {
	callsStarted *prometheus.CounterVec
	callsEnded   *prometheus.CounterVec
	glareTotal   prometheus.Counter
	messages     *prometheus.CounterVec
	activeCalls  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		callsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callmgr",
			Name:      "calls_started_total",
			Help:      "Calls created, labeled by direction.",
		}, []string{"direction"}),
		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callmgr",
			Name:      "calls_ended_total",
			Help:      "Calls concluded, labeled by terminal event.",
		}, []string{"event"}),
		glareTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callmgr",
			Name:      "glare_total",
			Help:      "Simultaneous-call collisions resolved.",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callmgr",
			Name:      "signaling_messages_total",
			Help:      "Outbound signaling messages, labeled by type and result.",
		}, []string{"type", "result"}),
		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "callmgr",
			Name:      "active_calls",
			Help:      "Calls currently live in the connection table.",
		}),
	}
}

func (m *metrics) callStarted(direction CallDirection) {
	m.callsStarted.WithLabelValues(direction.String()).Inc()
	m.activeCalls.Inc()
}

func (m *metrics) callEnded(event Event) {
	m.callsEnded.WithLabelValues(event.String()).Inc()
	m.activeCalls.Dec()
}

func (m *metrics) messageResult(kind messageKind, result string) {
	m.messages.WithLabelValues(kind.String(), result).Inc()
}
