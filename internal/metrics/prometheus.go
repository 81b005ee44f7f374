package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice engine
type Metrics struct {
	// Sampler metrics
	FramesIngested prometheus.Counter
	FramesDropped  prometheus.Counter
	CurrentLevel   prometheus.Gauge

	// VAD metrics
	StateTransitions *prometheus.CounterVec
	FalseAlarms      prometheus.Counter
	UtterancesEnded  prometheus.Counter
	UtteranceLength  prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	PartialsApplied        prometheus.Counter
	StaleResultsDropped    prometheus.Counter

	// Playback metrics
	PlaybacksStarted     prometheus.Counter
	PlaybackFailures     prometheus.Counter
	StalePlaybackEndings prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Sampler metrics
		FramesIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_frames_ingested_total",
			Help: "Total number of audio frames ingested from the sampler",
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_frames_dropped_total",
			Help: "Total number of audio frames dropped by a slow consumer",
		}),
		CurrentLevel: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voice_current_level_percent",
			Help: "Smoothed loudness level as a 0-100 percentage",
		}),

		// VAD metrics
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_vad_transitions_total",
			Help: "Total number of voice activity state transitions",
		}, []string{"transition"}),
		FalseAlarms: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_vad_false_alarms_total",
			Help: "Total number of onsets that never became speech",
		}),
		UtterancesEnded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_utterances_ended_total",
			Help: "Total number of utterances handed to transcription",
		}),
		UtteranceLength: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_utterance_duration_seconds",
			Help:    "Duration of captured utterances",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to ~30s
		}),

		// Transcription metrics
		TranscriptionRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		PartialsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcript_partials_applied_total",
			Help: "Total number of partial transcripts applied to messages",
		}),
		StaleResultsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcript_stale_dropped_total",
			Help: "Total number of out-of-date transcription results dropped",
		}),

		// Playback metrics
		PlaybacksStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_playbacks_started_total",
			Help: "Total number of message playbacks started",
		}),
		PlaybackFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_playback_failures_total",
			Help: "Total number of playbacks that ended in a device error",
		}),
		StalePlaybackEndings: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_playback_stale_endings_total",
			Help: "Total number of superseded playback completions ignored",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordFrame increments the ingested frame counter and updates the level gauge
func (m *Metrics) RecordFrame(levelPercent float64) {
	m.FramesIngested.Inc()
	m.CurrentLevel.Set(levelPercent)
}

// RecordFrameDropped increments the dropped frame counter
func (m *Metrics) RecordFrameDropped() {
	m.FramesDropped.Inc()
}

// RecordTransition records a voice activity state transition
func (m *Metrics) RecordTransition(transition string) {
	m.StateTransitions.WithLabelValues(transition).Inc()
}

// RecordFalseAlarm increments the false alarm counter
func (m *Metrics) RecordFalseAlarm() {
	m.FalseAlarms.Inc()
}

// RecordUtteranceEnded records a finished utterance and its length
func (m *Metrics) RecordUtteranceEnded(durationSeconds float64) {
	m.UtterancesEnded.Inc()
	m.UtteranceLength.Observe(durationSeconds)
}

// RecordTranscriptionRequest increments the transcription request counter
func (m *Metrics) RecordTranscriptionRequest() {
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordPartialApplied increments the applied partial counter
func (m *Metrics) RecordPartialApplied() {
	m.PartialsApplied.Inc()
}

// RecordStaleResultDropped increments the stale result counter
func (m *Metrics) RecordStaleResultDropped() {
	m.StaleResultsDropped.Inc()
}

// RecordPlaybackStarted increments the playback start counter
func (m *Metrics) RecordPlaybackStarted() {
	m.PlaybacksStarted.Inc()
}

// RecordPlaybackFailure increments the playback failure counter
func (m *Metrics) RecordPlaybackFailure() {
	m.PlaybackFailures.Inc()
}

// RecordStalePlaybackEnding increments the stale playback ending counter
func (m *Metrics) RecordStalePlaybackEnding() {
	m.StalePlaybackEndings.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
