package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the detector link, the
// dispatcher and the HTTP API. It satisfies network.Stats.
type Metrics struct {
	datagramsSent     prometheus.Counter
	bytesSent         prometheus.Counter
	datagramsReceived prometheus.Counter
	bytesReceived     prometheus.Counter
	dropped           *prometheus.CounterVec
	terminations      prometheus.Counter
	dispatched        *prometheus.CounterVec
	spectraRecorded   prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		datagramsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "gamma_datagrams_sent_total",
			Help: "Datagrams written to the detector",
		}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "gamma_bytes_sent_total",
			Help: "Payload bytes written to the detector",
		}),
		datagramsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "gamma_datagrams_received_total",
			Help: "Datagrams decoded from the detector",
		}),
		bytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "gamma_bytes_received_total",
			Help: "Payload bytes read from the detector",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gamma_datagrams_dropped_total",
			Help: "Datagrams or messages discarded by the transport worker",
		}, []string{"reason"}),
		terminations: f.NewCounter(prometheus.CounterOpts{
			Name: "gamma_worker_terminations_total",
			Help: "Transport worker exits caused by a fault",
		}),
		dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gamma_messages_dispatched_total",
			Help: "Inbound messages handled by the dispatcher",
		}, []string{"command"}),
		spectraRecorded: f.NewCounter(prometheus.CounterOpts{
			Name: "gamma_spectra_recorded_total",
			Help: "Session spectra added and persisted",
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gamma_http_requests_total",
			Help: "Count of all HTTP requests",
		}, []string{"code", "method"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "gamma_http_request_duration_seconds",
			Help: "Duration of all HTTP requests",
		}, []string{"code", "method"}),
	}
}

func (m *Metrics) AddSent(bytes int) {
	m.datagramsSent.Inc()
	m.bytesSent.Add(float64(bytes))
}

func (m *Metrics) AddReceived(bytes int) {
	m.datagramsReceived.Inc()
	m.bytesReceived.Add(float64(bytes))
}

func (m *Metrics) AddDropped(reason string) { m.dropped.WithLabelValues(reason).Inc() }
func (m *Metrics) AddTermination()          { m.terminations.Inc() }
func (m *Metrics) AddDispatched(cmd string) { m.dispatched.WithLabelValues(cmd).Inc() }
func (m *Metrics) AddRecorded()             { m.spectraRecorded.Inc() }
