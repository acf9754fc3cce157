package vad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/kaiwa/internal/apperr"
	"github.com/foxseedlab/kaiwa/internal/audio"
	"github.com/foxseedlab/kaiwa/internal/metrics"
	"github.com/foxseedlab/kaiwa/internal/pubsub"
)

const (
	DefaultVolumeThreshold      = 0.02
	DefaultQuickSilenceDuration = 300 * time.Millisecond
	DefaultMaxBatchDuration     = 8000 * time.Millisecond
	DefaultTickInterval         = 25 * time.Millisecond
)

var errNoAudio = errors.New("no audio since last tick")

type Config struct {
	// VolumeThreshold is compared against the normalized RMS energy (0..1).
	VolumeThreshold      float64
	QuickSilenceDuration time.Duration
	MaxBatchDuration     time.Duration
	TickInterval         time.Duration
}

func DefaultConfig() Config {
	return Config{
		VolumeThreshold:      DefaultVolumeThreshold,
		QuickSilenceDuration: DefaultQuickSilenceDuration,
		MaxBatchDuration:     DefaultMaxBatchDuration,
		TickInterval:         DefaultTickInterval,
	}
}

func (c Config) Validate() error {
	if c.VolumeThreshold <= 0 || c.VolumeThreshold >= 1 {
		return fmt.Errorf("volume threshold must be between 0 and 1, got %v", c.VolumeThreshold)
	}
	if c.QuickSilenceDuration <= 0 {
		return fmt.Errorf("quick silence duration must be positive, got %s", c.QuickSilenceDuration)
	}
	if c.MaxBatchDuration <= c.QuickSilenceDuration {
		return fmt.Errorf("max batch duration %s must exceed quick silence duration %s", c.MaxBatchDuration, c.QuickSilenceDuration)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	return nil
}

// State is a snapshot of the detector. ShouldFlushBatch stays set until
// ResetBatch is called.
type State struct {
	CurrentVolume      float64
	IsSpeaking         bool
	LastSpeechTime     time.Time
	BatchStartTime     time.Time
	HadSufficientPause bool
	ShouldFlushBatch   bool
}

// Detector classifies a PCM stream as speech or silence on a fixed tick and
// raises a one-shot flush signal at batch boundaries.
type Detector struct {
	cfg     Config
	metrics *metrics.Metrics

	mu           sync.Mutex
	state        State
	silenceStart time.Time
	pending      []int16
	connected    bool
	unsubscribe  func()
	cancel       context.CancelFunc
	done         chan struct{}
	now          func() time.Time

	onStateChange pubsub.Broadcaster[State]
}

func NewDetector(cfg Config, m *metrics.Metrics) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "new detector", err)
	}
	return &Detector{cfg: cfg, metrics: m, now: time.Now}, nil
}

// Connect attaches the detector to tap and starts the analysis loop.
func (d *Detector) Connect(ctx context.Context, tap audio.PCMTap) error {
	if tap == nil {
		return apperr.New(apperr.KindNotSupported, "connect detector", errors.New("no audio stream"))
	}
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	now := d.now()
	d.connected = true
	d.cancel = cancel
	d.done = make(chan struct{})
	d.pending = nil
	d.state = State{BatchStartTime: now}
	d.silenceStart = now
	done := d.done
	d.mu.Unlock()

	unsubscribe := tap.OnPCM(d.analyze)
	d.mu.Lock()
	d.unsubscribe = unsubscribe
	d.mu.Unlock()

	go d.loop(loopCtx, done)
	slog.Debug("voice activity detector connected", "threshold", d.cfg.VolumeThreshold, "tick", d.cfg.TickInterval)
	return nil
}

// Disconnect stops the loop and detaches from the stream. Safe to call
// repeatedly.
func (d *Detector) Disconnect() {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return
	}
	d.connected = false
	cancel := d.cancel
	unsubscribe := d.unsubscribe
	d.cancel = nil
	d.unsubscribe = nil
	d.pending = nil
	d.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	slog.Debug("voice activity detector disconnected")
}

func (d *Detector) OnStateChange(fn func(State)) func() {
	return d.onStateChange.Subscribe(fn)
}

// ResetBatch starts a new batch window and re-arms the flush signal.
func (d *Detector) ResetBatch() {
	d.mu.Lock()
	d.state.BatchStartTime = time.Time{}
	d.state.ShouldFlushBatch = false
	d.state.HadSufficientPause = false
	d.mu.Unlock()
}

func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Detector) analyze(frame audio.PCMFrame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return
	}
	d.pending = append(d.pending, frame.Samples...)
}

func (d *Detector) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := d.now()
			volume, err := d.takeVolume()
			if err != nil {
				d.expireBatch(now)
				continue
			}
			d.process(now, volume)
		}
	}
}

func (d *Detector) takeVolume() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return 0, errNoAudio
	}
	v := audio.RMS(d.pending)
	d.pending = d.pending[:0]
	return v, nil
}

// expireBatch raises the max-duration flush on ticks that carried no audio.
func (d *Detector) expireBatch(now time.Time) {
	d.mu.Lock()
	s := &d.state
	if s.ShouldFlushBatch || s.BatchStartTime.IsZero() || now.Sub(s.BatchStartTime) < d.cfg.MaxBatchDuration {
		d.mu.Unlock()
		return
	}
	s.ShouldFlushBatch = true
	snapshot := *s
	d.mu.Unlock()

	d.metrics.RecordVADFlush("max_duration")
	slog.Debug("batch flush signaled", "cause", "max_duration", "volume", snapshot.CurrentVolume)
	d.onStateChange.Publish(snapshot)
}

// process applies one tick of analysis and notifies listeners when speaking
// or flush state changed.
func (d *Detector) process(now time.Time, volume float64) {
	d.mu.Lock()
	prev := d.state
	s := &d.state
	s.CurrentVolume = volume
	if s.BatchStartTime.IsZero() {
		s.BatchStartTime = now
	}
	if d.silenceStart.IsZero() {
		d.silenceStart = now
	}

	cause := ""
	speaking := volume > d.cfg.VolumeThreshold
	switch {
	case speaking && !prev.IsSpeaking:
		if now.Sub(d.silenceStart) >= d.cfg.QuickSilenceDuration {
			s.HadSufficientPause = true
			if !s.ShouldFlushBatch {
				s.ShouldFlushBatch = true
				cause = "pause"
			}
		}
		s.LastSpeechTime = now
	case speaking:
		s.LastSpeechTime = now
	case !speaking && prev.IsSpeaking:
		d.silenceStart = now
	}
	s.IsSpeaking = speaking

	if !s.ShouldFlushBatch && now.Sub(s.BatchStartTime) >= d.cfg.MaxBatchDuration {
		s.ShouldFlushBatch = true
		cause = "max_duration"
	}

	changed := s.IsSpeaking != prev.IsSpeaking ||
		s.ShouldFlushBatch != prev.ShouldFlushBatch ||
		s.HadSufficientPause != prev.HadSufficientPause
	snapshot := *s
	d.mu.Unlock()

	if cause != "" {
		d.metrics.RecordVADFlush(cause)
		slog.Debug("batch flush signaled", "cause", cause, "volume", volume)
	}
	if changed {
		d.onStateChange.Publish(snapshot)
	}
}
