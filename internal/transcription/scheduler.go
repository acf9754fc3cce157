package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/kaiwa/internal/apperr"
	"github.com/foxseedlab/kaiwa/internal/audio"
	"github.com/foxseedlab/kaiwa/internal/metrics"
	"github.com/foxseedlab/kaiwa/internal/pubsub"
	"github.com/foxseedlab/kaiwa/internal/transcriber"
	"github.com/foxseedlab/kaiwa/internal/vad"
	"github.com/google/uuid"
)

const (
	DefaultQualityInterval = 30 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
)

type SchedulerConfig struct {
	Format audio.Format
	// VAD drives the quick tier. QuickSilenceDuration is the pause that ends
	// a quick batch.
	VAD             vad.Config
	QualityInterval time.Duration
	RequestTimeout  time.Duration
}

// Scheduler records the mixed stream twice. The quick tier cuts a batch at
// every pause the detector reports and sends it without diarization; the
// quality tier cuts on a fixed interval and always requests diarization.
// Quality results supersede the quick results they cover.
type Scheduler struct {
	cfg         SchedulerConfig
	tap         audio.PCMTap
	transcriber transcriber.BatchTranscriber
	metrics     *metrics.Metrics
	transcript  *Transcript

	mu             sync.Mutex
	running        bool
	detector       *vad.Detector
	quick          *audio.Recorder
	quality        *audio.Recorder
	unsubscribeVAD func()
	ctx            context.Context
	cancel         context.CancelFunc
	qualityTicker  *time.Ticker
	now            func() time.Time
	spawn          func(func())

	onTranscription pubsub.Broadcaster[Chunk]
	onError         pubsub.Broadcaster[error]
}

func NewScheduler(cfg SchedulerConfig, tap audio.PCMTap, bt transcriber.BatchTranscriber, m *metrics.Metrics) *Scheduler {
	if cfg.QualityInterval <= 0 {
		cfg.QualityInterval = DefaultQualityInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Scheduler{
		cfg:         cfg,
		tap:         tap,
		transcriber: bt,
		metrics:     m,
		transcript:  NewTranscript(),
		now:         time.Now,
		spawn:       func(f func()) { go f() },
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.transcriber == nil {
		return apperr.ErrNotConfigured
	}
	det, err := vad.NewDetector(s.cfg.VAD, s.metrics)
	if err != nil {
		return fmt.Errorf("create quick tier detector: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	now := s.now()
	quick := audio.NewRecorder(s.cfg.Format)
	quality := audio.NewRecorder(s.cfg.Format)
	quick.Start(s.tap, now)
	quality.Start(s.tap, now)

	unsubscribe := det.OnStateChange(s.handleVADState)
	if err := det.Connect(runCtx, s.tap); err != nil {
		unsubscribe()
		quick.Stop(now)
		quality.Stop(now)
		cancel()
		return fmt.Errorf("connect quick tier detector: %w", err)
	}

	s.running = true
	s.detector = det
	s.quick = quick
	s.quality = quality
	s.unsubscribeVAD = unsubscribe
	s.ctx = runCtx
	s.cancel = cancel
	s.qualityTicker = time.NewTicker(s.cfg.QualityInterval)
	go s.qualityLoop(runCtx, s.qualityTicker)

	slog.Info("dual tier scheduler started", "quick_pause", s.cfg.VAD.QuickSilenceDuration, "quality_interval", s.cfg.QualityInterval)
	return nil
}

// Stop tears down both recorders, the detector and the quality timer.
// In-flight requests are cancelled. Safe to call when never started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	det, unsubscribe, cancel, ticker := s.detector, s.unsubscribeVAD, s.cancel, s.qualityTicker
	quick, quality := s.quick, s.quality
	s.detector, s.unsubscribeVAD, s.cancel, s.qualityTicker = nil, nil, nil, nil
	s.mu.Unlock()

	now := s.now()
	guard(func() { ticker.Stop() })
	guard(unsubscribe)
	guard(det.Disconnect)
	guard(func() { quick.Stop(now) })
	guard(func() { quality.Stop(now) })
	guard(cancel)
	slog.Info("dual tier scheduler stopped")
}

func (s *Scheduler) OnTranscription(fn func(Chunk)) func() {
	return s.onTranscription.Subscribe(fn)
}

func (s *Scheduler) OnError(fn func(error)) func() {
	return s.onError.Subscribe(fn)
}

func (s *Scheduler) ActiveTranscript() []Chunk {
	return s.transcript.Active()
}

func (s *Scheduler) Transcript() *Transcript {
	return s.transcript
}

func (s *Scheduler) handleVADState(state vad.State) {
	if !state.ShouldFlushBatch {
		return
	}
	s.flushQuick(s.now())
}

func (s *Scheduler) flushQuick(now time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	rec := s.quick.Cut(now)
	det := s.detector
	ctx := s.ctx
	s.mu.Unlock()

	det.ResetBatch()
	if rec.Empty() || rec.RMS() <= s.cfg.VAD.VolumeThreshold {
		slog.Debug("skipping silent quick batch", "duration", rec.Duration)
		return
	}
	s.spawn(func() { s.send(ctx, rec, TierQuick) })
}

func (s *Scheduler) qualityLoop(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushQuality(s.now())
		}
	}
}

func (s *Scheduler) flushQuality(now time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	rec := s.quality.Cut(now)
	ctx := s.ctx
	s.mu.Unlock()

	if rec.Empty() {
		return
	}
	s.spawn(func() { s.send(ctx, rec, TierQuality) })
}

func (s *Scheduler) send(ctx context.Context, rec audio.Recording, tier Tier) {
	wav, err := rec.WAV()
	if err != nil {
		s.reportError(tier, apperr.New(apperr.KindProtocol, "encode batch", err))
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	started := time.Now()
	res, err := s.transcriber.Transcribe(reqCtx, transcriber.Request{
		Audio:    wav,
		MimeType: audio.MimeTypeWAV,
		Diarize:  tier == TierQuality,
		Start:    rec.Start,
		Duration: rec.Duration,
	})
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("batch cancelled by scheduler stop", "tier", tier)
			return
		}
		if errors.Is(err, context.DeadlineExceeded) && apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.New(apperr.KindTimeout, "transcribe batch", err)
		}
		s.reportError(tier, err)
		return
	}
	s.metrics.RecordBatchSent(string(tier), time.Since(started).Seconds())

	text := strings.TrimSpace(res.Transcript)
	if text == "" {
		slog.Debug("batch returned empty transcript", "tier", tier, "duration", rec.Duration)
		return
	}
	stored, replaced := s.transcript.Add(Chunk{
		ID:         uuid.NewString(),
		Text:       text,
		Confidence: res.Confidence,
		Timestamp:  rec.Start,
		Duration:   rec.Duration,
		Tier:       tier,
	})
	s.metrics.RecordReplacedChunks(len(replaced))
	slog.Debug("batch transcribed", "tier", tier, "chunk_id", stored.ID, "replaced", len(replaced))

	s.onTranscription.Publish(stored)
	for _, c := range replaced {
		s.onTranscription.Publish(c)
	}
}

func (s *Scheduler) reportError(tier Tier, err error) {
	s.metrics.RecordBatchFailed(string(tier), apperr.KindOf(err).String())
	slog.Error("batch transcription failed", "tier", tier, "error", err)
	s.onError.Publish(fmt.Errorf("%s batch: %w", tier, err))
}

func guard(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("teardown step panicked", "panic", r)
		}
	}()
	fn()
}
