package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/foxseedlab/kaiwa/internal/apperr"
	"github.com/foxseedlab/kaiwa/internal/metrics"
	"github.com/foxseedlab/kaiwa/internal/pubsub"
	"github.com/hashicorp/go-multierror"
)

const (
	DefaultFrameDuration = 20 * time.Millisecond
	DefaultChunkInterval = 1000 * time.Millisecond

	MinGain     = 0.0
	MaxGain     = 2.0
	DefaultGain = 1.0

	maxQueuedFrames = 50
)

var ErrSourceEnded = errors.New("capture track ended")

type MixerConfig struct {
	Format             Format
	FrameDuration      time.Duration
	ChunkInterval      time.Duration
	CaptureSystemAudio bool
}

type SourceState struct {
	Kind   SourceKind
	Active bool
	Gain   float64
	Err    error
}

type MixerState struct {
	Active      bool
	Microphone  SourceState
	SystemAudio SourceState
}

// Warning reports a capture source that is unavailable or stopped while the
// mixer keeps running. Reason is "denied", "unsupported", "ended" or "failed".
type Warning struct {
	Source SourceKind
	Reason string
	Err    error
}

type sourceNode struct {
	kind   SourceKind
	source Source
	queue  []int16
}

func (n *sourceNode) push(samples []int16, limit int) {
	n.queue = append(n.queue, samples...)
	if len(n.queue) > limit {
		n.queue = n.queue[len(n.queue)-limit:]
	}
}

func (n *sourceNode) hasFrame(size int) bool {
	return len(n.queue) >= size
}

func (n *sourceNode) pop(size int) []int16 {
	frame := n.queue[:size]
	n.queue = n.queue[size:]
	return frame
}

// Mixer captures the microphone and, when available, system audio, and mixes
// them through per-source gains into one PCM stream. It emits every mixed
// frame on the PCM tap and encoded chunks every ChunkInterval.
type Mixer struct {
	cfg      MixerConfig
	capturer Capturer
	encoder  ChunkEncoder
	metrics  *metrics.Metrics

	mu          sync.Mutex
	initialized bool
	running     bool
	nodes       map[SourceKind]*sourceNode
	gains       map[SourceKind]float64
	lastErr     map[SourceKind]error
	chunkBuf    []int16
	chunkStart  time.Time
	cancel      context.CancelFunc
	now         func() time.Time

	onAudioData   pubsub.Broadcaster[EncodedChunk]
	onPCM         pubsub.Broadcaster[PCMFrame]
	onWarning     pubsub.Broadcaster[Warning]
	onStateChange pubsub.Broadcaster[MixerState]
}

func NewMixer(cfg MixerConfig, capturer Capturer, encoder ChunkEncoder, m *metrics.Metrics) *Mixer {
	if cfg.Format.SampleRate == 0 {
		cfg.Format.SampleRate = DefaultSampleRate
	}
	if cfg.Format.Channels == 0 {
		cfg.Format.Channels = DefaultChannels
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = DefaultChunkInterval
	}
	if encoder == nil {
		encoder = NewWAVEncoder()
	}
	return &Mixer{
		cfg:      cfg,
		capturer: capturer,
		encoder:  encoder,
		metrics:  m,
		gains: map[SourceKind]float64{
			SourceMicrophone:  DefaultGain,
			SourceSystemAudio: DefaultGain,
		},
		lastErr: make(map[SourceKind]error),
		now:     time.Now,
	}
}

// Initialize prepares the mix graph. It is safe to call more than once.
func (m *Mixer) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	if m.capturer == nil {
		return apperr.New(apperr.KindConfiguration, "initialize mixer", errors.New("no capturer"))
	}
	if m.cfg.Format.SamplesPer(m.cfg.FrameDuration) == 0 {
		return apperr.Errorf(apperr.KindConfiguration, "initialize mixer", "frame duration %s is too short for %d Hz", m.cfg.FrameDuration, m.cfg.Format.SampleRate)
	}
	if probe, ok := m.encoder.(interface{ Available() error }); ok {
		if err := probe.Available(); err != nil {
			return err
		}
	}
	m.nodes = make(map[SourceKind]*sourceNode)
	m.initialized = true
	return nil
}

// StartMixing acquires the capture sources and starts the mix loop. The
// microphone is required; system audio failures only produce a Warning.
func (m *Mixer) StartMixing(ctx context.Context) error {
	if err := m.Initialize(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var errs *multierror.Error
	mic, micErr := m.openSource(ctx, SourceMicrophone)
	if micErr != nil {
		errs = multierror.Append(errs, micErr)
	}
	var sys Source
	if m.cfg.CaptureSystemAudio {
		var sysErr error
		sys, sysErr = m.openSource(ctx, SourceSystemAudio)
		if sysErr != nil {
			errs = multierror.Append(errs, sysErr)
			if mic != nil {
				m.warn(SourceSystemAudio, sysErr)
			}
		}
	}
	if mic == nil {
		if sys != nil {
			_ = sys.Close()
		}
		return fmt.Errorf("start mixing: %w", errs.ErrorOrNil())
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.running = true
	m.cancel = cancel
	m.chunkBuf = nil
	m.chunkStart = m.now()
	m.nodes = map[SourceKind]*sourceNode{SourceMicrophone: {kind: SourceMicrophone, source: mic}}
	if sys != nil {
		m.nodes[SourceSystemAudio] = &sourceNode{kind: SourceSystemAudio, source: sys}
	}
	micNode := m.nodes[SourceMicrophone]
	sysNode := m.nodes[SourceSystemAudio]
	m.mu.Unlock()

	if err := m.startNode(loopCtx, micNode); err != nil {
		m.abortStart(cancel, SourceMicrophone, err)
		return fmt.Errorf("start mixing: %w", err)
	}
	if sysNode != nil {
		if err := m.startNode(loopCtx, sysNode); err != nil {
			m.removeNode(SourceSystemAudio, err)
			m.warn(SourceSystemAudio, err)
		}
	}

	go m.loop(loopCtx)
	state := m.State()
	m.metrics.SetActiveSources(activeCount(state))
	slog.Info("mixer started", "microphone", state.Microphone.Active, "system_audio", state.SystemAudio.Active)
	m.onStateChange.Publish(state)
	return nil
}

func (m *Mixer) startNode(ctx context.Context, n *sourceNode) error {
	kind := n.kind
	if err := n.source.Start(func(samples []int16) { m.push(kind, samples) }); err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			return apperr.New(apperr.KindTransport, fmt.Sprintf("start %s", kind), err)
		}
		return fmt.Errorf("start %s: %w", kind, err)
	}
	go m.watch(ctx, n)
	return nil
}

// abortStart releases every source acquired by a failed StartMixing and
// leaves the mixer inactive.
func (m *Mixer) abortStart(cancel context.CancelFunc, kind SourceKind, cause error) {
	cancel()
	m.mu.Lock()
	m.running = false
	m.cancel = nil
	m.lastErr[kind] = cause
	nodes := m.nodes
	m.nodes = make(map[SourceKind]*sourceNode)
	m.mu.Unlock()
	for k, n := range nodes {
		if err := closeSource(n.source); err != nil {
			slog.Warn("failed to release capture source", "source", k, "error", err)
		}
	}
}

// StopMixing releases every source. Safe to call repeatedly, including from
// subscriber callbacks.
func (m *Mixer) StopMixing() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	nodes := m.nodes
	m.nodes = make(map[SourceKind]*sourceNode)
	rest := m.chunkBuf
	restStart := m.chunkStart
	m.chunkBuf = nil
	m.mu.Unlock()

	var errs *multierror.Error
	for kind, n := range nodes {
		if err := closeSource(n.source); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close %s: %w", kind, err))
		}
	}
	m.emitChunk(rest, restStart, m.now())

	state := m.State()
	m.metrics.SetActiveSources(0)
	slog.Info("mixer stopped")
	m.onStateChange.Publish(state)
	return errs.ErrorOrNil()
}

func (m *Mixer) SetMicrophoneGain(g float64) {
	m.setGain(SourceMicrophone, g)
}

func (m *Mixer) SetSystemAudioGain(g float64) {
	m.setGain(SourceSystemAudio, g)
}

func (m *Mixer) MicrophoneGain() float64 {
	return m.gain(SourceMicrophone)
}

func (m *Mixer) SystemAudioGain() float64 {
	return m.gain(SourceSystemAudio)
}

func (m *Mixer) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && len(m.nodes) > 0
}

func (m *Mixer) Format() Format {
	return m.cfg.Format
}

func (m *Mixer) State() MixerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MixerState{
		Active:      m.running && len(m.nodes) > 0,
		Microphone:  m.sourceStateLocked(SourceMicrophone),
		SystemAudio: m.sourceStateLocked(SourceSystemAudio),
	}
}

func (m *Mixer) OnAudioData(fn func(EncodedChunk)) func() {
	return m.onAudioData.Subscribe(fn)
}

func (m *Mixer) OnPCM(fn func(PCMFrame)) func() {
	return m.onPCM.Subscribe(fn)
}

func (m *Mixer) OnWarning(fn func(Warning)) func() {
	return m.onWarning.Subscribe(fn)
}

func (m *Mixer) OnStateChange(fn func(MixerState)) func() {
	return m.onStateChange.Subscribe(fn)
}

func (m *Mixer) openSource(ctx context.Context, kind SourceKind) (Source, error) {
	src, err := m.capturer.Open(ctx, kind, m.cfg.Format)
	m.setLastErr(kind, err)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", kind, err)
	}
	return src, nil
}

func (m *Mixer) setLastErr(kind SourceKind, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.lastErr, kind)
		return
	}
	m.lastErr[kind] = err
}

func (m *Mixer) sourceStateLocked(kind SourceKind) SourceState {
	_, active := m.nodes[kind]
	return SourceState{
		Kind:   kind,
		Active: m.running && active,
		Gain:   m.gains[kind],
		Err:    m.lastErr[kind],
	}
}

func (m *Mixer) setGain(kind SourceKind, g float64) {
	g = clampGain(g)
	m.mu.Lock()
	m.gains[kind] = g
	m.mu.Unlock()
	slog.Debug("mixer gain changed", "source", kind, "gain", g)
}

func (m *Mixer) gain(kind SourceKind) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gains[kind]
}

func clampGain(g float64) float64 {
	if math.IsNaN(g) || g < MinGain {
		return MinGain
	}
	if g > MaxGain {
		return MaxGain
	}
	return g
}

func (m *Mixer) warn(kind SourceKind, err error) {
	reason := warningReason(err)
	slog.Warn("capture source unavailable; continuing without it", "source", kind, "reason", reason, "error", err)
	m.metrics.RecordMixerWarning(string(kind), reason)
	m.onWarning.Publish(Warning{Source: kind, Reason: reason, Err: err})
}

func warningReason(err error) string {
	switch {
	case errors.Is(err, ErrSourceEnded):
		return "ended"
	case apperr.IsKind(err, apperr.KindPermission):
		return "denied"
	case apperr.IsKind(err, apperr.KindNotSupported):
		return "unsupported"
	default:
		return "failed"
	}
}

func (m *Mixer) push(kind SourceKind, samples []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[kind]
	if !ok || !m.running {
		return
	}
	n.push(samples, m.cfg.Format.SamplesPer(m.cfg.FrameDuration)*maxQueuedFrames)
}

func (m *Mixer) removeNode(kind SourceKind, cause error) {
	m.mu.Lock()
	n, ok := m.nodes[kind]
	if ok {
		delete(m.nodes, kind)
		m.lastErr[kind] = cause
	}
	m.mu.Unlock()
	if ok {
		_ = closeSource(n.source)
	}
}

func (m *Mixer) watch(ctx context.Context, n *sourceNode) {
	select {
	case <-ctx.Done():
	case <-n.source.Ended():
		m.handleSourceEnded(n.kind)
	}
}

func (m *Mixer) handleSourceEnded(kind SourceKind) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	_, ok := m.nodes[kind]
	remaining := len(m.nodes)
	m.mu.Unlock()
	if !ok {
		return
	}

	if remaining <= 1 {
		slog.Warn("last capture source ended; stopping mixer", "source", kind)
		m.setLastErr(kind, ErrSourceEnded)
		m.metrics.RecordMixerWarning(string(kind), "ended")
		m.onWarning.Publish(Warning{Source: kind, Reason: "ended", Err: ErrSourceEnded})
		if err := m.StopMixing(); err != nil {
			slog.Warn("mixer teardown reported errors", "error", err)
		}
		return
	}

	m.removeNode(kind, ErrSourceEnded)
	m.warn(kind, ErrSourceEnded)
	state := m.State()
	m.metrics.SetActiveSources(activeCount(state))
	m.onStateChange.Publish(state)
}

func (m *Mixer) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mixOnce(m.now())
		}
	}
}

// mixOnce pops one frame from every source with a full frame queued, sums
// them through their gains and publishes the result.
func (m *Mixer) mixOnce(now time.Time) {
	frameSize := m.cfg.Format.SamplesPer(m.cfg.FrameDuration)

	m.mu.Lock()
	if !m.running || !m.hasQueuedFramesLocked(frameSize) {
		m.mu.Unlock()
		return
	}
	mixed := make([]int16, frameSize)
	for kind, n := range m.nodes {
		if !n.hasFrame(frameSize) {
			continue
		}
		gain := m.gains[kind]
		frame := n.pop(frameSize)
		for i := range frame {
			mixed[i] = clampPCM(int32(mixed[i]) + applyGain(frame[i], gain))
		}
	}
	m.chunkBuf = append(m.chunkBuf, mixed...)
	var (
		chunk      []int16
		chunkStart time.Time
	)
	if now.Sub(m.chunkStart) >= m.cfg.ChunkInterval {
		chunk, chunkStart = m.chunkBuf, m.chunkStart
		m.chunkBuf = nil
		m.chunkStart = now
	}
	m.mu.Unlock()

	m.metrics.RecordMixedFrame()
	m.onPCM.Publish(PCMFrame{Samples: mixed, Format: m.cfg.Format, Timestamp: now.Add(-m.cfg.FrameDuration)})
	m.emitChunk(chunk, chunkStart, now)
}

func (m *Mixer) hasQueuedFramesLocked(frameSize int) bool {
	for _, n := range m.nodes {
		if n.hasFrame(frameSize) {
			return true
		}
	}
	return false
}

func (m *Mixer) emitChunk(samples []int16, start, end time.Time) {
	if len(samples) == 0 {
		return
	}
	data, err := m.encoder.Encode(samples, m.cfg.Format)
	if err != nil {
		slog.Warn("failed to encode audio chunk", "error", err, "samples", len(samples))
		return
	}
	m.metrics.RecordEncodedChunk()
	m.onAudioData.Publish(EncodedChunk{
		Data:      data,
		MimeType:  m.encoder.MimeType(),
		Timestamp: start,
		Duration:  end.Sub(start),
	})
}

func closeSource(src Source) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("close panicked: %v", r)
		}
	}()
	return src.Close()
}

func activeCount(s MixerState) int {
	n := 0
	if s.Microphone.Active {
		n++
	}
	if s.SystemAudio.Active {
		n++
	}
	return n
}
