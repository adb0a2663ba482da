// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/mailjet-relay/internal/transport"
)

const namespace = "mailjet_relay"

// Send outcomes recorded by ObserveSend.
const (
	OutcomeSent      = "sent"
	OutcomeMalformed = "malformed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Collector holds all Prometheus metrics for the relay.
// A nil *Collector is valid and records nothing.
type Collector struct {
	// Delivery metrics
	SendsTotal   *prometheus.CounterVec
	SendDuration *prometheus.HistogramVec

	// Transport plugin events
	// TransportEvents only moves for transports that dispatch plugin events.
	// Mailjet and SES do not, so delivery figures come from SendsTotal.
	TransportEvents *prometheus.CounterVec

	// SMTP metrics
	SessionsTotal  prometheus.Counter
	SessionsActive prometheus.Gauge
	Replies        *prometheus.CounterVec
	MessageBytes   prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New creates a collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a collector registered with reg. If reg is also a
// prometheus.Gatherer, Handler serves from it.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		SendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sends_total",
				Help:      "Total number of messages handed to a transport, by outcome",
			},
			[]string{"transport", "outcome"},
		),
		SendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_duration_seconds",
				Help:      "Time spent in Transport.Send",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"transport"},
		),
		TransportEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_events_total",
				Help:      "Events reported by transports that dispatch to plugins (stdout only; mailjet and ses report none, use sends_total for delivery counts)",
			},
			[]string{"transport", "result"},
		),
		SessionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "smtp_sessions_total",
				Help:      "Total number of accepted SMTP sessions",
			},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "smtp_sessions_active",
				Help:      "Number of SMTP sessions currently open",
			},
		),
		Replies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "smtp_data_replies_total",
				Help:      "SMTP reply codes returned at the end of DATA",
			},
			[]string{"code"},
		),
		MessageBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "message_size_bytes",
				Help:      "Size of received DATA payloads",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}

	return c
}

// ObserveSend records one Transport.Send call.
func (c *Collector) ObserveSend(transportName, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.SendsTotal.WithLabelValues(transportName, outcome).Inc()
	c.SendDuration.WithLabelValues(transportName).Observe(d.Seconds())
}

// SessionOpened records a new SMTP session.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.SessionsTotal.Inc()
	c.SessionsActive.Inc()
}

// SessionClosed records the end of an SMTP session.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.SessionsActive.Dec()
}

// ObserveData records the size of a DATA payload and the reply code sent for it.
func (c *Collector) ObserveData(size int, code string) {
	if c == nil {
		return
	}
	if size > 0 {
		c.MessageBytes.Observe(float64(size))
	}
	c.Replies.WithLabelValues(code).Inc()
}

// TransportEvent implements transport.Plugin.
func (c *Collector) TransportEvent(e transport.Event) {
	if c == nil {
		return
	}
	result := "ok"
	if e.Err != nil {
		result = "error"
	}
	c.TransportEvents.WithLabelValues(e.Transport, result).Inc()
}

var _ transport.Plugin = (*Collector)(nil)

// Handler returns a router serving /metrics and /healthz.
func (c *Collector) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	gatherer := prometheus.DefaultGatherer
	if c != nil {
		gatherer = c.gatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}
