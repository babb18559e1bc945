package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveCalls       prometheus.Gauge
	CallEvents        *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	WSWriteErrors     *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
	Interruptions     prometheus.Counter
	FirstAudioLatency prometheus.Histogram
	FragmentDuration  prometheus.Histogram

	stageWindow *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of live voice calls.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by cause.",
		}, []string{"cause"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream session errors by code.",
		}, []string{"code"}),
		Interruptions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Barge-in interruptions that cleared scheduled playback.",
		}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from first mic chunk to first model audio in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		FragmentDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fragment_duration_ms",
			Help:      "Scheduled model audio fragment length in milliseconds.",
			Buckets:   []float64{20, 50, 100, 200, 400, 800, 1600},
		}),
		stageWindow: newLatencyWindow(256),
	}
}

// ObserveStage records one pipeline stage latency into the rolling window
// served by the perf endpoint.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageWindow.record(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveStageIndicator(name string) {
	m.stageWindow.mark(name)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.stageWindow.snapshot()
}

func (m *Metrics) ResetStages() {
	m.stageWindow.reset()
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveFragmentDuration(d time.Duration) {
	m.FragmentDuration.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
