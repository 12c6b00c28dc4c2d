// Package metrics exposes dispatch and webhook counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/comm-dispatch/internal/domain"
)

const namespace = "comm_dispatch"

// Metrics holds the collectors. It implements dispatch.Observer and
// tracking.EventObserver.
type Metrics struct {
	// recipients counts recipient status writes.
	// Labels:
	// - transport: sendgrid, mailgun, sparkpost, ses, smtp or "" before dispatch
	// - status:    delivered, failed, cancelled or opened
	recipients *prometheus.CounterVec

	// webhookEvents counts provider events received.
	// Labels:
	// - provider: the transport that posted the event
	// - event:    normalized event type
	// - applied:  "true" or "false"
	webhookEvents *prometheus.CounterVec

	// poolPolls counts send pool polls by result.
	poolPolls *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on a fresh registry with the Go and process
// collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg and serves from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		recipients: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "recipients_total",
			Help:      "Recipient status writes by transport and status",
		}, []string{"transport", "status"}),
		webhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Provider webhook events by provider, event and whether they applied",
		}, []string{"provider", "event", "applied"}),
		poolPolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "polls_total",
			Help:      "Send worker pool polls by number of communications processed (0 or more)",
		}, []string{"result"}),
		gatherer: g,
	}
}

// ObserveRecipient implements dispatch.Observer.
func (m *Metrics) ObserveRecipient(transport string, status domain.RecipientStatus) {
	m.recipients.WithLabelValues(transport, string(status)).Inc()
}

// ObserveEvent implements tracking.EventObserver.
func (m *Metrics) ObserveEvent(provider, event string, applied bool) {
	m.webhookEvents.WithLabelValues(provider, event, strconv.FormatBool(applied)).Inc()
}

// ObservePoll records one send pool poll.
func (m *Metrics) ObservePoll(processed int) {
	result := "idle"
	if processed > 0 {
		result = "busy"
	}
	m.poolPolls.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
