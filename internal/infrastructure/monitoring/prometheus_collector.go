package monitoring

import (
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	sessionsActive  prometheus.Gauge
	portsLeased     prometheus.Gauge
	sessionStarts   *prometheus.CounterVec
	processExits    *prometheus.CounterVec
	wireFailures    prometheus.Counter
	suppressedLines *prometheus.CounterVec
	startDuration   *prometheus.HistogramVec
}

var _ ports.CompositionMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the composition metrics with reg. A nil
// reg uses the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcast_sessions_active",
			Help: "Number of rooms with a running composition",
		}),

		portsLeased: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcast_ports_leased",
			Help: "Relay ports currently leased to sessions",
		}),

		sessionStarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcast_session_starts_total",
			Help: "Composition start attempts by result",
		}, []string{"result"}),

		processExits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcast_process_exits_total",
			Help: "Transcoder exits by reason",
		}, []string{"reason"}),

		wireFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "rillcast_relay_wire_failures_total",
			Help: "Relays that could not be wired to the transcoder",
		}),

		suppressedLines: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcast_suppressed_warnings_total",
			Help: "Transcoder diagnostics suppressed by the rate limiter",
		}, []string{"class"}),

		startDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rillcast_session_start_duration_seconds",
			Help:    "Time from start request to running transcoder",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"layout"}),
	}
}

func (p *PrometheusCollector) SessionStarted(roomID domain.RoomID, layout string, duration time.Duration) {
	p.sessionsActive.Inc()
	p.sessionStarts.WithLabelValues("ok").Inc()
	p.startDuration.WithLabelValues(layout).Observe(duration.Seconds())
}

func (p *PrometheusCollector) SessionEnded(roomID domain.RoomID, reason string) {
	p.sessionsActive.Dec()
	p.processExits.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) StartFailed(roomID domain.RoomID, reason string) {
	p.sessionStarts.WithLabelValues(reason).Inc()
	if reason == "relay_wire" {
		p.wireFailures.Inc()
	}
}

func (p *PrometheusCollector) WarningSuppressed(class string) {
	p.suppressedLines.WithLabelValues(class).Inc()
}

// SetPortsLeased is registered as the port allocator's change hook.
func (p *PrometheusCollector) SetPortsLeased(n int) {
	p.portsLeased.Set(float64(n))
}
