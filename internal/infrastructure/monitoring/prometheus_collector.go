package monitoring

import (
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records session lifecycle and frame accounting.
type PrometheusCollector struct {
	sessionsActive     prometheus.Gauge
	stateTransitions   *prometheus.CounterVec
	sessionsFailed     *prometheus.CounterVec
	framesDelivered    prometheus.Counter
	framesDropped      *prometheus.CounterVec
	connectAttempts    *prometheus.CounterVec
	releaseTimeouts    prometheus.Counter
	processingDuration prometheus.Histogram
}

var _ ports.SessionObserver = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the metrics with reg; pass
// prometheus.DefaultRegisterer to expose them on /metrics.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_sessions_active",
			Help: "Number of sessions not yet closed or failed",
		}),

		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_session_transitions_total",
			Help: "Session state transitions by target state",
		}, []string{"state"}),

		sessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_sessions_failed_total",
			Help: "Sessions that ended in the failed state, by error kind",
		}, []string{"kind"}),

		framesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_frames_delivered_total",
			Help: "Frames handed to a delivery sink",
		}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_frames_dropped_total",
			Help: "Frames dropped before delivery, by reason",
		}, []string{"reason"}),

		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_connect_attempts_total",
			Help: "Camera connect attempts by result",
		}, []string{"result"}),

		releaseTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_source_release_timeouts_total",
			Help: "Camera sources abandoned because release did not finish in time",
		}),

		processingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camrelay_frame_processing_duration_seconds",
			Help:    "Time spent in the frame processor",
			Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.033, 0.05, 0.1, 0.25},
		}),
	}
}

func (p *PrometheusCollector) StateChanged(change domain.StateChange) {
	p.stateTransitions.WithLabelValues(change.To.String()).Inc()

	switch {
	case change.From == domain.StateIdle && change.To == domain.StateConnecting:
		p.sessionsActive.Inc()
	case change.From == domain.StateIdle && change.To == domain.StateClosing:
		// stopped before it ever started
		p.sessionsActive.Inc()
	}

	if change.To.Terminal() {
		p.sessionsActive.Dec()
	}
	if change.To == domain.StateFailed {
		kind := domain.ErrorKind(change.Reason)
		if kind == domain.KindNone {
			kind = domain.KindInternal
		}
		p.sessionsFailed.WithLabelValues(string(kind)).Inc()
	}
}

func (p *PrometheusCollector) FrameDelivered(domain.CameraID) {
	p.framesDelivered.Inc()
}

func (p *PrometheusCollector) FrameDropped(_ domain.CameraID, reason string) {
	p.framesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) FrameProcessed(_ domain.CameraID, elapsed time.Duration) {
	p.processingDuration.Observe(elapsed.Seconds())
}

func (p *PrometheusCollector) ConnectAttempt(_ domain.CameraID, kind domain.ErrorKind) {
	result := string(kind)
	if kind == domain.KindNone {
		result = "ok"
	}
	p.connectAttempts.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) ReleaseTimedOut(domain.CameraID) {
	p.releaseTimeouts.Inc()
}

// Observers fans every event out to each observer in order.
type Observers []ports.SessionObserver

var _ ports.SessionObserver = Observers(nil)

func (o Observers) StateChanged(change domain.StateChange) {
	for _, obs := range o {
		obs.StateChanged(change)
	}
}

func (o Observers) FrameDelivered(id domain.CameraID) {
	for _, obs := range o {
		obs.FrameDelivered(id)
	}
}

func (o Observers) FrameDropped(id domain.CameraID, reason string) {
	for _, obs := range o {
		obs.FrameDropped(id, reason)
	}
}

func (o Observers) FrameProcessed(id domain.CameraID, elapsed time.Duration) {
	for _, obs := range o {
		obs.FrameProcessed(id, elapsed)
	}
}

func (o Observers) ConnectAttempt(id domain.CameraID, kind domain.ErrorKind) {
	for _, obs := range o {
		obs.ConnectAttempt(id, kind)
	}
}

func (o Observers) ReleaseTimedOut(id domain.CameraID) {
	for _, obs := range o {
		obs.ReleaseTimedOut(id)
	}
}
