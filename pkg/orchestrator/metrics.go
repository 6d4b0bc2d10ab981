package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	generationsStarted prometheus.Counter
	generationsEnded   *prometheus.CounterVec
	aborts             prometheus.Counter
	workerTimeouts     *prometheus.CounterVec
	requestsDropped    *prometheus.CounterVec
	audioFrames        *prometheus.CounterVec
	stageFailures      *prometheus.CounterVec
	firstAudioLatency  prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		generationsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_started_total",
			Help:      "Total number of generations created",
		}),
		generationsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_ended_total",
			Help:      "Total number of generations ended, by outcome",
		}, []string{"outcome"}),
		aborts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aborts_total",
			Help:      "Total number of abort protocol runs that stopped a generation",
		}),
		workerTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_stop_timeouts_total",
			Help:      "Workers that did not acknowledge a stop in time",
		}, []string{"worker"}),
		requestsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_dropped_total",
			Help:      "Requests not acted on, by reason",
		}, []string{"reason"}),
		audioFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Audio frames enqueued, by phase",
		}, []string{"phase"}),
		stageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Upstream failures caught at a worker boundary",
		}, []string{"stage"}),
		firstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_seconds",
			Help:      "Time from generation start to its first synthesized chunk",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5},
		}),
	}
}

func (m *Metrics) generationStarted() {
	if m != nil {
		m.generationsStarted.Inc()
	}
}

func (m *Metrics) generationEnded(outcome string) {
	if m != nil {
		m.generationsEnded.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) abortRan() {
	if m != nil {
		m.aborts.Inc()
	}
}

func (m *Metrics) workerTimedOut(worker string) {
	if m != nil {
		m.workerTimeouts.WithLabelValues(worker).Inc()
	}
}

func (m *Metrics) requestDropped(reason string) {
	if m != nil {
		m.requestsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) audioFrame(phase Phase) {
	if m != nil {
		m.audioFrames.WithLabelValues(string(phase)).Inc()
	}
}

func (m *Metrics) stageFailed(stage string) {
	if m != nil {
		m.stageFailures.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) firstAudio(d time.Duration) {
	if m != nil {
		m.firstAudioLatency.Observe(d.Seconds())
	}
}
