package vad

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxseedlab/kaiwa/internal/audio"
	"github.com/foxseedlab/kaiwa/internal/pubsub"
)

type flushCounter struct {
	last  bool
	rises int
	calls int
}

func (c *flushCounter) observe(s State) {
	c.calls++
	if s.ShouldFlushBatch && !c.last {
		c.rises++
	}
	c.last = s.ShouldFlushBatch
}

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	return d
}

func ms(n int) time.Time {
	return time.Unix(0, 0).Add(time.Duration(n) * time.Millisecond)
}

func TestNewDetector_RejectsInvalidConfig(t *testing.T) {
	cases := map[string]Config{
		"zero threshold":   {VolumeThreshold: 0, QuickSilenceDuration: time.Second, MaxBatchDuration: 2 * time.Second, TickInterval: time.Millisecond},
		"batch too short":  {VolumeThreshold: 0.1, QuickSilenceDuration: time.Second, MaxBatchDuration: time.Second, TickInterval: time.Millisecond},
		"no tick interval": {VolumeThreshold: 0.1, QuickSilenceDuration: time.Second, MaxBatchDuration: 2 * time.Second},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewDetector(cfg, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDetector_FlushCoalescing(t *testing.T) {
	d := newTestDetector(t)
	var c flushCounter
	d.OnStateChange(c.observe)

	d.process(ms(0), 0)
	d.process(ms(200), 0)
	d.process(ms(400), 0)
	d.process(ms(425), 0.5)
	if c.rises != 1 {
		t.Fatalf("expected one flush after sufficient pause, got %d", c.rises)
	}
	if !d.State().HadSufficientPause {
		t.Fatal("expected sufficient pause to be recorded")
	}

	d.process(ms(450), 0)
	d.process(ms(1000), 0)
	d.process(ms(1025), 0.5)
	if c.rises != 1 {
		t.Fatalf("expected no second flush before reset, got %d", c.rises)
	}

	d.ResetBatch()
	if d.State().ShouldFlushBatch {
		t.Fatal("reset must clear the flush flag")
	}
	c.last = false
	d.process(ms(1050), 0)
	d.process(ms(1500), 0)
	d.process(ms(1525), 0.5)
	if c.rises != 2 {
		t.Fatalf("expected a new flush after reset, got %d total", c.rises)
	}
}

func TestDetector_ShortPauseDoesNotFlush(t *testing.T) {
	d := newTestDetector(t)
	d.process(ms(0), 0.5)
	d.process(ms(25), 0)
	d.process(ms(150), 0)
	d.process(ms(175), 0.5)
	if d.State().ShouldFlushBatch {
		t.Fatal("a 150ms pause must not flush")
	}
}

func TestDetector_MaxBatchDurationForcesFlush(t *testing.T) {
	d := newTestDetector(t)
	var c flushCounter
	d.OnStateChange(c.observe)

	d.process(ms(0), 0.5)
	d.process(ms(4000), 0.5)
	if c.rises != 0 {
		t.Fatal("unexpected early flush")
	}
	d.process(ms(8000), 0.5)
	if c.rises != 1 || !d.State().IsSpeaking {
		t.Fatalf("expected forced flush while speaking, rises=%d", c.rises)
	}
	d.process(ms(9000), 0.5)
	if c.rises != 1 {
		t.Fatal("forced flush must also be coalesced")
	}
}

func TestDetector_MaxBatchDurationWithoutAudio(t *testing.T) {
	d := newTestDetector(t)
	var c flushCounter
	d.OnStateChange(c.observe)

	d.process(ms(0), 0.5)
	d.expireBatch(ms(7000))
	if c.rises != 0 {
		t.Fatal("unexpected flush before the max batch duration")
	}
	d.expireBatch(ms(8000))
	if c.rises != 1 || !d.State().ShouldFlushBatch {
		t.Fatalf("expected a forced flush with no pending audio, rises=%d", c.rises)
	}
	d.expireBatch(ms(9000))
	if c.calls != 2 {
		t.Fatalf("expected the flush to be raised once, got %d notifications", c.calls)
	}
}

func TestDetector_SilentTicksReachMaxBatchDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Millisecond
	d, err := NewDetector(cfg, nil)
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	var clock atomic.Int64
	d.now = func() time.Time { return ms(int(clock.Add(1000))) }

	flushed := make(chan struct{}, 1)
	d.OnStateChange(func(s State) {
		if s.ShouldFlushBatch {
			select {
			case flushed <- struct{}{}:
			default:
			}
		}
	})

	if err := d.Connect(context.Background(), &fakeTap{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer d.Disconnect()

	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a max-duration flush while the stream is silent")
	}
}

func TestDetector_NotifiesOnlyOnTransitions(t *testing.T) {
	d := newTestDetector(t)
	var c flushCounter
	d.OnStateChange(c.observe)

	d.process(ms(0), 0.3)
	d.process(ms(25), 0.4)
	d.process(ms(50), 0.6)
	if c.calls != 1 {
		t.Fatalf("expected a single notification for the speech onset, got %d", c.calls)
	}
	if got := d.State().CurrentVolume; got != 0.6 {
		t.Fatalf("expected current volume 0.6, got %v", got)
	}
}

type fakeTap struct {
	b pubsub.Broadcaster[audio.PCMFrame]
}

func (t *fakeTap) OnPCM(fn func(audio.PCMFrame)) func() { return t.b.Subscribe(fn) }

func TestDetector_ConnectDisconnect(t *testing.T) {
	d := newTestDetector(t)
	tap := &fakeTap{}

	if err := d.Connect(context.Background(), tap); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := d.Connect(context.Background(), tap); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if tap.b.Len() != 1 {
		t.Fatalf("expected one subscription, got %d", tap.b.Len())
	}
	d.Disconnect()
	d.Disconnect()
	if tap.b.Len() != 0 {
		t.Fatal("expected disconnect to unsubscribe")
	}
	if err := d.Connect(context.Background(), nil); err == nil {
		t.Fatal("expected error without a stream")
	}
}
