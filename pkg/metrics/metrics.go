// Package metrics exposes Prometheus instrumentation for call sessions.
//
// All recording methods are nil-safe so components can be built without
// metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the call client.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Audio metrics
	AudioBytesTotal     *prometheus.CounterVec
	CaptureFramesTotal  *prometheus.CounterVec
	PlaybackDroppedData prometheus.Counter
	PlaybackUnderruns   prometheus.Counter
	BargeInsTotal       prometheus.Counter

	// Transcript metrics
	TranscriptEntriesTotal *prometheus.CounterVec
	GroundingFilesTotal    prometheus.Counter

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Analysis metrics
	AnalysisDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with all metrics registered on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_call"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active call sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of call sessions by outcome",
		},
		[]string{"status"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Call session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total PCM bytes moved, by direction",
		},
		[]string{"direction"},
	)

	captureFramesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_frames_total",
			Help:      "Captured microphone frames by outcome",
		},
		[]string{"outcome"},
	)

	playbackDropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_dropped_bytes_total",
			Help:      "Agent audio bytes discarded because the playback buffer was full",
		},
	)

	playbackUnderruns := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_underruns_total",
			Help:      "Times the playback buffer ran dry mid-stream",
		},
	)

	bargeIns := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Playback flushes triggered by user speech",
		},
	)

	entriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_entries_total",
			Help:      "Transcript entries appended, by speaker",
		},
		[]string{"speaker"},
	)

	groundingTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grounding_files_total",
			Help:      "Grounding files received from tool results",
		},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by component and kind",
		},
		[]string{"component", "kind"},
	)

	analysisDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Downstream call analysis latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"analyzer", "status"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		audioBytesTotal,
		captureFramesTotal,
		playbackDropped,
		playbackUnderruns,
		bargeIns,
		entriesTotal,
		groundingTotal,
		errorsTotal,
		analysisDuration,
	)

	return &Metrics{
		registry:               registry,
		SessionsActive:         sessionsActive,
		SessionsTotal:          sessionsTotal,
		SessionDuration:        sessionDuration,
		AudioBytesTotal:        audioBytesTotal,
		CaptureFramesTotal:     captureFramesTotal,
		PlaybackDroppedData:    playbackDropped,
		PlaybackUnderruns:      playbackUnderruns,
		BargeInsTotal:          bargeIns,
		TranscriptEntriesTotal: entriesTotal,
		GroundingFilesTotal:    groundingTotal,
		ErrorsTotal:            errorsTotal,
		AnalysisDuration:       analysisDuration,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a session becoming active.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending.
func (m *Metrics) RecordSessionEnd(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordSessionFailed records a start that never became active.
func (m *Metrics) RecordSessionFailed() {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues("failed_start").Inc()
}

// RecordAudio records PCM bytes; direction is "in" (mic) or "out" (agent).
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordCaptureFrame records one captured frame; outcome is "delivered" or "dropped".
func (m *Metrics) RecordCaptureFrame(outcome string) {
	if m == nil {
		return
	}
	m.CaptureFramesTotal.WithLabelValues(outcome).Inc()
}

// RecordPlaybackDropped records agent audio discarded on overflow.
func (m *Metrics) RecordPlaybackDropped(bytes int) {
	if m == nil {
		return
	}
	m.PlaybackDroppedData.Add(float64(bytes))
}

// RecordUnderrun records the playback buffer running dry.
func (m *Metrics) RecordUnderrun() {
	if m == nil {
		return
	}
	m.PlaybackUnderruns.Inc()
}

// RecordBargeIn records a barge-in flush.
func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	m.BargeInsTotal.Inc()
}

// RecordEntry records a transcript entry.
func (m *Metrics) RecordEntry(speaker string) {
	if m == nil {
		return
	}
	m.TranscriptEntriesTotal.WithLabelValues(speaker).Inc()
}

// RecordGrounding records grounding files.
func (m *Metrics) RecordGrounding(n int) {
	if m == nil {
		return
	}
	m.GroundingFilesTotal.Add(float64(n))
}

// RecordError records an error.
func (m *Metrics) RecordError(component, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.ErrorsTotal.WithLabelValues(component, kind).Inc()
}

// RecordAnalysis records one analysis call.
func (m *Metrics) RecordAnalysis(analyzer, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AnalysisDuration.WithLabelValues(analyzer, status).Observe(duration.Seconds())
}
