package model

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	imap "github.com/meszmate/imap-engine"
	"github.com/meszmate/imap-engine/task"
)

// Metrics holds the collectors the model updates. With a nil registerer
// the collectors still count but are not exported anywhere.
type Metrics struct {
	commands     *prometheus.CounterVec
	responses    *prometheus.CounterVec
	unresolved   prometheus.Counter
	transitions  *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	transports   prometheus.Gauge
	reconnects   *prometheus.CounterVec
	policy       prometheus.Gauge
	cacheErrors  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		commands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imapengine_commands_total",
				Help: "Commands sent to the server.",
			},
			[]string{"cmd"},
		),
		responses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imapengine_responses_total",
				Help: "Responses read from the server, by kind.",
			},
			[]string{"kind"},
		),
		unresolved: f.NewCounter(
			prometheus.CounterOpts{
				Name: "imapengine_unresolved_responses_total",
				Help: "Tagged completions that matched no live task and were dropped.",
			},
		),
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imapengine_task_transitions_total",
				Help: "Task state transitions, by task kind and target state.",
			},
			[]string{"kind", "state"},
		),
		taskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imapengine_task_duration_seconds",
				Help:    "Time from registration to a terminal state.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind", "state"},
		),
		transports: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "imapengine_transports",
				Help: "Open transports.",
			},
		),
		reconnects: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imapengine_reconnects_total",
				Help: "Reconnect decisions after a lost transport.",
			},
			[]string{"result"}, // "scheduled" or "exhausted"
		),
		policy: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "imapengine_network_policy",
				Help: "Current network policy: 0 offline, 1 expensive, 2 online.",
			},
		),
		cacheErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "imapengine_cache_errors_total",
				Help: "Durable cache failures.",
			},
		),
	}
}

func (m *Metrics) command(name string) {
	m.commands.WithLabelValues(name).Inc()
}

func (m *Metrics) response(r imap.Response) {
	var kind string
	switch r.(type) {
	case *imap.Completion:
		kind = "completion"
	case *imap.Untagged:
		kind = "untagged"
	case *imap.Continuation:
		kind = "continuation"
	case *imap.Extension:
		kind = "extension"
	case *imap.ParseError:
		kind = "parse_error"
	default:
		kind = "other"
	}
	m.responses.WithLabelValues(kind).Inc()
}

func (m *Metrics) transition(t *task.Task, now time.Time) {
	kind, st := t.Kind().Name(), t.State().String()
	m.transitions.WithLabelValues(kind, st).Inc()
	if t.State().Terminal() {
		m.taskDuration.WithLabelValues(kind, st).Observe(now.Sub(t.Created()).Seconds())
	}
}
