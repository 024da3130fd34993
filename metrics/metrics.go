// Package metrics exposes probe events as Prometheus series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dhcgn/mesh-forwarder/probe"
)

const namespace = "mesh_forwarder"

// Recorder implements probe.Sink. Series are registered on the registry
// passed to New, never on the global default registry.
type Recorder struct {
	events     *prometheus.CounterVec
	inboxCount prometheus.Gauge
}

func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Observed forwarder events by name and error code.",
		}, []string{"event", "error"}),
		inboxCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbox_messages",
			Help:      "Message count last reported by the mailbox.",
		}),
	}
	for _, c := range []prometheus.Collector{r.events, r.inboxCount} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe implements probe.Sink.
func (r *Recorder) Observe(rec probe.Record) {
	r.events.WithLabelValues(rec.Name, rec.Error).Inc()
	if rec.Name != probe.CountMessagesEvent {
		return
	}
	if n, ok := rec.Fields["inboxMessageCount"].(int); ok {
		r.inboxCount.Set(float64(n))
	}
}
