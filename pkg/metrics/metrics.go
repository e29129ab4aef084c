// Package metrics instruments a supervisor's worker lifecycle with
// Prometheus counters. It is the wrap-and-delegate extension described
// by the supervisor's Lifecycle interface.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/procmaster/procmaster/pkg/proc"
	"github.com/procmaster/procmaster/pkg/supervisor"
)

// Instrumented wraps a Lifecycle and counts worker creations, exits and
// faults. All signals are delegated unchanged.
type Instrumented struct {
	supervisor.Lifecycle

	created   prometheus.Counter
	exited    *prometheus.CounterVec
	listening prometheus.Counter
	live      prometheus.Gauge
}

// Instrument registers pool metrics on reg and returns the wrapped
// lifecycle. Use prometheus.DefaultRegisterer to expose them through
// promhttp's default handler.
func Instrument(base supervisor.Lifecycle, reg prometheus.Registerer) *Instrumented {
	m := &Instrumented{
		Lifecycle: base,
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "procmaster",
			Name:      "workers_created_total",
			Help:      "Workers spawned by the supervisor.",
		}),
		exited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procmaster",
			Name:      "workers_exited_total",
			Help:      "Workers that exited, by clean (code 0, no signal) or not.",
		}, []string{"clean"}),
		listening: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "procmaster",
			Name:      "workers_listening_total",
			Help:      "Listening notifications received from workers.",
		}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "procmaster",
			Name:      "workers_live",
			Help:      "Workers currently in the registry.",
		}),
	}
	reg.MustRegister(m.created, m.exited, m.listening, m.live)
	return m
}

// CreateWorker counts successful spawns.
func (m *Instrumented) CreateWorker() (proc.Handle, error) {
	h, err := m.Lifecycle.CreateWorker()
	if err == nil {
		m.created.Inc()
		m.live.Inc()
	}
	return h, err
}

// Listening counts workers reaching a bound address.
func (m *Instrumented) Listening(h proc.Handle, addr proc.Address) {
	m.listening.Inc()
	m.Lifecycle.Listening(h, addr)
}

// Exit counts worker deaths before delegating removal.
func (m *Instrumented) Exit(h proc.Handle, code int, signal string) {
	clean := code == 0 && signal == ""
	m.exited.WithLabelValues(strconv.FormatBool(clean)).Inc()
	m.live.Dec()
	m.Lifecycle.Exit(h, code, signal)
}
