package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kaiwa"

// Metrics holds every collector of the pipeline. All Record methods are safe
// on a nil receiver so components can run without metrics.
type Metrics struct {
	// Capture
	ActiveSources prometheus.Gauge
	MixerWarnings *prometheus.CounterVec
	MixedFrames   prometheus.Counter
	EncodedChunks prometheus.Counter

	// VAD
	VADFlushes *prometheus.CounterVec

	// Batch transcription
	BatchesSent    *prometheus.CounterVec
	BatchesFailed  *prometheus.CounterVec
	BatchLatency   *prometheus.HistogramVec
	ReplacedChunks prometheus.Counter

	// Streaming diarization
	ConnectionStatus  prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	AudioFramesSent   prometheus.Counter
	AudioFramesDrop   prometheus.Counter
	SegmentsReceived  *prometheus.CounterVec
	MessagesClosed    prometheus.Counter

	// Phrases
	PhrasesEmitted *prometheus.CounterVec
}

// NewMetrics registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSources: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_active_sources",
			Help:      "Number of capture sources currently feeding the mixer",
		}),
		MixerWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mixer_warnings_total",
			Help:      "Capture sources that were unavailable or ended, by reason",
		}, []string{"source", "reason"}),
		MixedFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mixer_frames_total",
			Help:      "Total number of mixed PCM frames emitted",
		}),
		EncodedChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mixer_encoded_chunks_total",
			Help:      "Total number of encoded audio chunks emitted",
		}),
		VADFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_flushes_total",
			Help:      "Batch flush signals raised by voice activity detection",
		}, []string{"cause"}),
		BatchesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_sent_total",
			Help:      "Batches sent to the transcription endpoint",
		}, []string{"tier"}),
		BatchesFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_total",
			Help:      "Batches whose transcription request failed",
		}, []string{"tier", "kind"}),
		BatchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_latency_seconds",
			Help:      "Round trip time of batch transcription requests",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"tier"}),
		ReplacedChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quick_chunks_replaced_total",
			Help:      "Quick tier chunks superseded by quality tier chunks",
		}),
		ConnectionStatus: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streaming_connection_status",
			Help:      "Streaming connection status (0 idle, 1 connecting, 2 open, 3 paused, 4 closed, 5 error)",
		}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streaming_reconnect_attempts_total",
			Help:      "Reconnect attempts after an unexpected close",
		}),
		AudioFramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streaming_audio_frames_sent_total",
			Help:      "Audio frames written to the streaming connection",
		}),
		AudioFramesDrop: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streaming_audio_frames_dropped_total",
			Help:      "Audio frames dropped because the connection was not open",
		}),
		SegmentsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streaming_segments_total",
			Help:      "Diarized segments received, by finality",
		}, []string{"final"}),
		MessagesClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streaming_messages_closed_total",
			Help:      "Per-speaker messages that reached a boundary",
		}),
		PhrasesEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phrases_emitted_total",
			Help:      "Phrases emitted by the segmenter, by split cause",
		}, []string{"cause"}),
	}
}

func (m *Metrics) SetActiveSources(n int) {
	if m == nil {
		return
	}
	m.ActiveSources.Set(float64(n))
}

func (m *Metrics) RecordMixerWarning(source, reason string) {
	if m == nil {
		return
	}
	m.MixerWarnings.WithLabelValues(source, reason).Inc()
}

func (m *Metrics) RecordMixedFrame() {
	if m == nil {
		return
	}
	m.MixedFrames.Inc()
}

func (m *Metrics) RecordEncodedChunk() {
	if m == nil {
		return
	}
	m.EncodedChunks.Inc()
}

func (m *Metrics) RecordVADFlush(cause string) {
	if m == nil {
		return
	}
	m.VADFlushes.WithLabelValues(cause).Inc()
}

func (m *Metrics) RecordBatchSent(tier string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.BatchesSent.WithLabelValues(tier).Inc()
	m.BatchLatency.WithLabelValues(tier).Observe(latencySeconds)
}

func (m *Metrics) RecordBatchFailed(tier, kind string) {
	if m == nil {
		return
	}
	m.BatchesFailed.WithLabelValues(tier, kind).Inc()
}

func (m *Metrics) RecordReplacedChunks(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReplacedChunks.Add(float64(n))
}

func (m *Metrics) SetConnectionStatus(status int) {
	if m == nil {
		return
	}
	m.ConnectionStatus.Set(float64(status))
}

func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) RecordAudioFrame(sent bool) {
	if m == nil {
		return
	}
	if sent {
		m.AudioFramesSent.Inc()
		return
	}
	m.AudioFramesDrop.Inc()
}

func (m *Metrics) RecordSegment(final bool) {
	if m == nil {
		return
	}
	label := "false"
	if final {
		label = "true"
	}
	m.SegmentsReceived.WithLabelValues(label).Inc()
}

func (m *Metrics) RecordMessageClosed() {
	if m == nil {
		return
	}
	m.MessagesClosed.Inc()
}

func (m *Metrics) RecordPhrase(cause string) {
	if m == nil {
		return
	}
	m.PhrasesEmitted.WithLabelValues(cause).Inc()
}
