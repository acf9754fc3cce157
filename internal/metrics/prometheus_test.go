package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	m.SetActiveSources(2)
	m.RecordMixerWarning("system_audio", "denied")
	m.RecordVADFlush("pause")
	m.RecordBatchSent("quick", 0.2)
	m.RecordBatchFailed("quality", "transport")
	m.RecordReplacedChunks(3)
	m.SetConnectionStatus(2)
	m.RecordReconnectAttempt()
	m.RecordAudioFrame(true)
	m.RecordSegment(false)
	m.RecordMessageClosed()
	m.RecordPhrase("rule")
}

func TestRecordBatchSent(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordBatchSent("quick", 0.3)
	m.RecordBatchSent("quick", 0.4)
	m.RecordBatchSent("quality", 2)

	if got := testutil.ToFloat64(m.BatchesSent.WithLabelValues("quick")); got != 2 {
		t.Fatalf("expected 2 quick batches, got %v", got)
	}
	if got := testutil.ToFloat64(m.BatchesSent.WithLabelValues("quality")); got != 1 {
		t.Fatalf("expected 1 quality batch, got %v", got)
	}
}

func TestRecordAudioFrame(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordAudioFrame(true)
	m.RecordAudioFrame(false)
	m.RecordAudioFrame(false)

	if got := testutil.ToFloat64(m.AudioFramesSent); got != 1 {
		t.Fatalf("expected 1 sent frame, got %v", got)
	}
	if got := testutil.ToFloat64(m.AudioFramesDrop); got != 2 {
		t.Fatalf("expected 2 dropped frames, got %v", got)
	}
}

func TestReplacedChunksIgnoresNonPositive(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordReplacedChunks(0)
	m.RecordReplacedChunks(-1)
	m.RecordReplacedChunks(2)
	if got := testutil.ToFloat64(m.ReplacedChunks); got != 2 {
		t.Fatalf("expected 2 replaced chunks, got %v", got)
	}
}
