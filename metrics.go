package cfddns

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics is nil when metrics are disabled; every method is nil-safe.
type engineMetrics struct {
	ticks         *prometheus.CounterVec
	updates       *prometheus.CounterVec
	notifications *prometheus.CounterVec
	lastChange    *prometheus.GaugeVec
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	promFactory := promauto.With(reg)
	return &engineMetrics{
		ticks: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "cfddns_ticks_total",
			Help: "Completed update ticks labelled by record and final state",
		}, []string{"record", "state"}),
		updates: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "cfddns_record_updates_total",
			Help: "Zone API update calls labelled by record and result",
		}, []string{"record", "result"}),
		notifications: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "cfddns_notifications_total",
			Help: "Notification attempts labelled by result (delivered, partial, failed)",
		}, []string{"result"}),
		lastChange: promFactory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cfddns_last_update_timestamp_seconds",
			Help: "Unix time of the last committed update per record",
		}, []string{"record"}),
	}
}

func (m *engineMetrics) tick(res TickResult) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(res.Target.RecordName, res.State.String()).Inc()
	switch res.State {
	case StateCommitted:
		m.updates.WithLabelValues(res.Target.RecordName, "success").Inc()
	case StateUpdateFailed:
		m.updates.WithLabelValues(res.Target.RecordName, "failure").Inc()
	}
}

func (m *engineMetrics) committed(t Target, unix float64) {
	if m == nil {
		return
	}
	m.lastChange.WithLabelValues(t.RecordName).Set(unix)
}

func (m *engineMetrics) notified(o Outcome) {
	if m == nil {
		return
	}
	result := "delivered"
	switch {
	case !o.Delivered:
		result = "failed"
	case o.Err != nil:
		result = "partial"
	}
	m.notifications.WithLabelValues(result).Inc()
}
