package audio

import (
	"testing"
	"time"

	"github.com/foxseedlab/kaiwa/internal/pubsub"
)

type fakeTap struct {
	b pubsub.Broadcaster[PCMFrame]
}

func (t *fakeTap) OnPCM(fn func(PCMFrame)) func() { return t.b.Subscribe(fn) }

func (t *fakeTap) emit(samples ...int16) {
	t.b.Publish(PCMFrame{Samples: samples, Format: DefaultFormat()})
}

func TestRecorder_CutHasNoGap(t *testing.T) {
	tap := &fakeTap{}
	r := NewRecorder(DefaultFormat())
	base := time.Unix(0, 0)

	r.Start(tap, base)
	tap.emit(1, 2, 3)
	first := r.Cut(base.Add(300 * time.Millisecond))
	tap.emit(4, 5)
	second := r.Cut(base.Add(800 * time.Millisecond))

	if len(first.Samples) != 3 || len(second.Samples) != 2 {
		t.Fatalf("unexpected sample counts: %d, %d", len(first.Samples), len(second.Samples))
	}
	if !first.Start.Equal(base) || first.Duration != 300*time.Millisecond {
		t.Fatalf("unexpected first span: %v +%v", first.Start, first.Duration)
	}
	if !second.Start.Equal(first.Start.Add(first.Duration)) {
		t.Fatalf("expected second recording to start where the first ended, got %v", second.Start)
	}
}

func TestRecorder_StopDetaches(t *testing.T) {
	tap := &fakeTap{}
	r := NewRecorder(DefaultFormat())
	r.Start(tap, time.Unix(0, 0))
	tap.emit(1)

	rec := r.Stop(time.Unix(1, 0))
	if len(rec.Samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(rec.Samples))
	}
	if r.Recording() {
		t.Fatal("recorder should not be recording after stop")
	}
	tap.emit(2, 3)
	if tap.b.Len() != 0 {
		t.Fatal("expected recorder to unsubscribe from tap")
	}
	if rec := r.Cut(time.Unix(2, 0)); !rec.Empty() {
		t.Fatal("stopped recorder must not buffer audio")
	}
}

func TestEncodeWAV(t *testing.T) {
	data, err := EncodeWAV([]int16{1, -1, 32767}, Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" || string(data[36:40]) != "data" {
		t.Fatal("unexpected wav header")
	}
	if len(data) != 44+6 {
		t.Fatalf("expected 50 bytes, got %d", len(data))
	}
	if _, err := EncodeWAV(nil, DefaultFormat()); err == nil {
		t.Fatal("expected error for empty samples")
	}
}

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 {
		t.Fatal("expected zero for empty input")
	}
	got := RMS([]int16{16384, -16384})
	if got < 0.49 || got > 0.51 {
		t.Fatalf("expected about 0.5, got %v", got)
	}
}

func TestFormatDurations(t *testing.T) {
	f := DefaultFormat()
	if got := f.SamplesPer(20 * time.Millisecond); got != 320 {
		t.Fatalf("expected 320 samples, got %d", got)
	}
	if got := f.DurationOf(16000); got != time.Second {
		t.Fatalf("expected 1s, got %v", got)
	}
}
