package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/kaiwa/internal/apperr"
	"github.com/foxseedlab/kaiwa/internal/audio"
	"github.com/foxseedlab/kaiwa/internal/config"
	"github.com/foxseedlab/kaiwa/internal/diarization"
	"github.com/foxseedlab/kaiwa/internal/discord"
	"github.com/foxseedlab/kaiwa/internal/metrics"
	"github.com/foxseedlab/kaiwa/internal/phrase"
	"github.com/foxseedlab/kaiwa/internal/pubsub"
	"github.com/foxseedlab/kaiwa/internal/transcriber"
	"github.com/foxseedlab/kaiwa/internal/transcription"
	"github.com/foxseedlab/kaiwa/internal/vad"
	"github.com/foxseedlab/kaiwa/internal/webhook"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

const (
	deliveryTimeout   = 10 * time.Second
	deliveryQueueSize = 256
)

// Phrase is a segmenter phrase attributed to the speaker whose segments
// produced it.
type Phrase struct {
	phrase.Phrase
	SpeakerID   string
	SpeakerName string
}

type Manager struct {
	cfg       *config.Config
	capturer  audio.Capturer
	encoder   audio.ChunkEncoder
	batch     transcriber.BatchTranscriber
	transport diarization.Transport
	webhook   webhook.Sender
	notifier  discord.Notifier
	metrics   *metrics.Metrics
	loc       *time.Location

	mu              sync.Mutex
	running         *runningSession
	last            *sessionRecord
	microphoneGain  float64
	systemAudioGain float64
	notifierReady   bool

	now   func() time.Time
	newID func() string

	onLine          pubsub.Broadcaster[Line]
	onPhrase        pubsub.Broadcaster[Phrase]
	onTranscription pubsub.Broadcaster[transcription.Chunk]
	onStateChange   pubsub.Broadcaster[diarization.ConnectionState]
	onWarning       pubsub.Broadcaster[audio.Warning]
}

type runningSession struct {
	id        string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	mixer     *audio.Mixer
	scheduler *transcription.Scheduler
	client    *diarization.Client
	notifier  discord.Notifier

	unsubscribe []func()
	queue       chan delivery
	workerDone  chan struct{}

	mu         sync.Mutex
	closed     bool
	names      map[string]string
	segmenters map[string]*phrase.Segmenter
	lines      []Line
}

type sessionRecord struct {
	id        string
	startedAt time.Time
	endedAt   time.Time
	lines     []Line
}

type delivery struct {
	line Line
	msg  diarization.Message
}

// NewManager wires the pipeline. batch, transport, wh and notifier may be nil
// when the matching backend is not configured.
func NewManager(cfg *config.Config, capturer audio.Capturer, encoder audio.ChunkEncoder, batch transcriber.BatchTranscriber, transport diarization.Transport, wh webhook.Sender, notifier discord.Notifier, m *metrics.Metrics) (*Manager, error) {
	loc, err := time.LoadLocation(cfg.Output.TranscriptTimezone)
	if err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "load transcript timezone", err)
	}
	return &Manager{
		cfg:             cfg,
		capturer:        capturer,
		encoder:         encoder,
		batch:           batch,
		transport:       transport,
		webhook:         wh,
		notifier:        notifier,
		metrics:         m,
		loc:             loc,
		microphoneGain:  cfg.Audio.MicrophoneGain,
		systemAudioGain: cfg.Audio.SystemAudioGain,
		now:             time.Now,
		newID:           uuid.NewString,
	}, nil
}

// Start captures audio and runs the batch tiers and the streaming client
// until Stop. It is a no-op while a session is running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running != nil {
		return nil
	}
	if m.batch == nil && m.transport == nil {
		return apperr.ErrNotConfigured
	}

	mixer := audio.NewMixer(m.mixerConfig(), m.capturer, m.encoder, m.metrics)
	if err := mixer.Initialize(); err != nil {
		return fmt.Errorf("initialize mixer: %w", err)
	}
	mixer.SetMicrophoneGain(m.microphoneGain)
	mixer.SetSystemAudioGain(m.systemAudioGain)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rs := &runningSession{
		id:         m.newID(),
		startedAt:  m.now(),
		ctx:        runCtx,
		cancel:     cancel,
		mixer:      mixer,
		queue:      make(chan delivery, deliveryQueueSize),
		workerDone: make(chan struct{}),
		names:      make(map[string]string),
		segmenters: make(map[string]*phrase.Segmenter),
	}
	rs.notifier = m.openNotifierLocked(ctx)
	rs.unsubscribe = append(rs.unsubscribe, mixer.OnWarning(func(w audio.Warning) {
		slog.Warn("capture source degraded", "session_id", rs.id, "source", w.Source, "reason", w.Reason, "error", w.Err)
		m.onWarning.Publish(w)
	}))

	if err := mixer.StartMixing(runCtx); err != nil {
		rs.teardownSubscriptions()
		cancel()
		return fmt.Errorf("start mixing: %w", err)
	}

	if m.batch != nil {
		sched := transcription.NewScheduler(m.schedulerConfig(), mixer, m.batch, m.metrics)
		rs.unsubscribe = append(rs.unsubscribe,
			sched.OnTranscription(m.onTranscription.Publish),
			sched.OnError(func(err error) {
				slog.Warn("batch tier reported an error", "session_id", rs.id, "error", err)
			}),
		)
		if err := sched.Start(runCtx); err != nil {
			rs.teardownSubscriptions()
			_ = mixer.StopMixing()
			cancel()
			return fmt.Errorf("start scheduler: %w", err)
		}
		rs.scheduler = sched
	} else {
		slog.Info("batch transcription disabled", "session_id", rs.id)
	}

	client := diarization.NewClient(m.clientConfig(), m.transport, m.metrics)
	rs.client = client
	rs.unsubscribe = append(rs.unsubscribe,
		client.OnSegment(func(seg diarization.Segment) { m.handleSegment(rs, seg) }),
		client.OnMessage(func(msg diarization.Message) { m.handleMessage(rs, msg) }),
		client.OnStateChange(m.onStateChange.Publish),
		client.OnError(func(err error) {
			slog.Warn("streaming diarization reported an error", "session_id", rs.id, "error", err)
		}),
	)
	go m.deliveryLoop(rs)

	if m.transport != nil {
		rs.unsubscribe = append(rs.unsubscribe, m.feed(rs))
		if err := client.Start(runCtx); err != nil {
			slog.Error("failed to start streaming diarization", "session_id", rs.id, "error", err)
		}
	} else {
		slog.Info("streaming diarization disabled", "session_id", rs.id)
	}

	m.running = rs
	slog.Info("session started", "session_id", rs.id, "batch", rs.scheduler != nil, "streaming", m.transport != nil)
	return nil
}

// feed forwards raw PCM for linear16 sessions and encoded chunks otherwise.
func (m *Manager) feed(rs *runningSession) func() {
	if m.cfg.Streaming.Encoding == diarization.EncodingLinear16 {
		return rs.mixer.OnPCM(func(f audio.PCMFrame) {
			rs.client.SendAudio(rs.ctx, f.Bytes())
		})
	}
	return rs.mixer.OnAudioData(func(c audio.EncodedChunk) {
		rs.client.SendAudio(rs.ctx, c.Data)
	})
}

// Stop tears the session down, flushes buffered phrases and waits for
// finalized messages to be delivered. Safe to call when not running.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	rs := m.running
	m.running = nil
	m.mu.Unlock()
	if rs == nil {
		return nil
	}

	var result *multierror.Error
	rs.client.Stop(ctx)
	if rs.scheduler != nil {
		rs.scheduler.Stop()
	}
	if err := rs.mixer.StopMixing(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop mixing: %w", err))
	}
	m.flushPhrases(rs)
	rs.teardownSubscriptions()
	rs.closeQueue()
	rs.cancel()

	select {
	case <-rs.workerDone:
	case <-ctx.Done():
		result = multierror.Append(result, apperr.New(apperr.KindTimeout, "drain deliveries", ctx.Err()))
	}

	rs.mu.Lock()
	record := &sessionRecord{
		id:        rs.id,
		startedAt: rs.startedAt,
		endedAt:   m.now(),
		lines:     append([]Line(nil), rs.lines...),
	}
	rs.mu.Unlock()
	m.mu.Lock()
	m.last = record
	m.mu.Unlock()

	slog.Info("session stopped", "session_id", rs.id, "lines", len(record.lines))
	return result.ErrorOrNil()
}

// Close releases the chat notifier.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifier == nil || !m.notifierReady {
		return nil
	}
	m.notifierReady = false
	return m.notifier.Close()
}

func (m *Manager) SetMicrophoneGain(g float64) {
	m.mu.Lock()
	m.microphoneGain = g
	rs := m.running
	m.mu.Unlock()
	if rs != nil {
		rs.mixer.SetMicrophoneGain(g)
	}
}

func (m *Manager) SetSystemAudioGain(g float64) {
	m.mu.Lock()
	m.systemAudioGain = g
	rs := m.running
	m.mu.Unlock()
	if rs != nil {
		rs.mixer.SetSystemAudioGain(g)
	}
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running != nil
}

// Transcript renders the most recently stopped session. The bool is false
// before any session has stopped.
func (m *Manager) Transcript() ([]byte, bool) {
	m.mu.Lock()
	rec := m.last
	m.mu.Unlock()
	if rec == nil {
		return nil, false
	}
	return buildTranscriptText(rec.id, rec.startedAt, rec.endedAt, m.cfg.Output.TranscriptTimezone, m.loc, rec.lines), true
}

// OnLine receives each finalized message as a transcript line.
func (m *Manager) OnLine(fn func(Line)) func() {
	return m.onLine.Subscribe(fn)
}

func (m *Manager) OnPhrase(fn func(Phrase)) func() {
	return m.onPhrase.Subscribe(fn)
}

func (m *Manager) OnTranscription(fn func(transcription.Chunk)) func() {
	return m.onTranscription.Subscribe(fn)
}

func (m *Manager) OnStateChange(fn func(diarization.ConnectionState)) func() {
	return m.onStateChange.Subscribe(fn)
}

func (m *Manager) OnWarning(fn func(audio.Warning)) func() {
	return m.onWarning.Subscribe(fn)
}

func (m *Manager) openNotifierLocked(ctx context.Context) discord.Notifier {
	if m.notifier == nil {
		return nil
	}
	if !m.notifierReady {
		if err := m.notifier.Open(ctx); err != nil {
			slog.Error("discord notifier unavailable for this session", "error", err)
			return nil
		}
		m.notifierReady = true
	}
	return m.notifier
}

func (m *Manager) handleSegment(rs *runningSession, seg diarization.Segment) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	rs.names[seg.SpeakerID] = seg.SpeakerName
	s, ok := rs.segmenters[seg.SpeakerID]
	if !ok {
		var err error
		s, err = phrase.NewSegmenter(m.phraseConfig(), m.metrics)
		if err != nil {
			rs.mu.Unlock()
			slog.Error("failed to create phrase segmenter", "error", err)
			return
		}
		rs.segmenters[seg.SpeakerID] = s
	}
	rs.mu.Unlock()

	for _, p := range s.ProcessTranscription(seg.Text, seg.IsFinal, seg.Confidence) {
		m.onPhrase.Publish(Phrase{Phrase: p, SpeakerID: seg.SpeakerID, SpeakerName: seg.SpeakerName})
	}
}

func (m *Manager) flushPhrases(rs *runningSession) {
	rs.mu.Lock()
	flushed := make(map[string][]phrase.Phrase, len(rs.segmenters))
	for id, s := range rs.segmenters {
		flushed[id] = s.Flush()
	}
	names := make(map[string]string, len(rs.names))
	for id, name := range rs.names {
		names[id] = name
	}
	rs.mu.Unlock()

	for id, ps := range flushed {
		for _, p := range ps {
			m.onPhrase.Publish(Phrase{Phrase: p, SpeakerID: id, SpeakerName: names[id]})
		}
	}
}

func (m *Manager) handleMessage(rs *runningSession, msg diarization.Message) {
	if msg.IsActive {
		return
	}
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	name := rs.names[msg.SpeakerID]
	if name == "" {
		name = msg.SpeakerID
	}
	line := buildLine(rs.startedAt, msg, name)
	rs.lines = append(rs.lines, line)
	rs.queue <- delivery{line: line, msg: msg}
	rs.mu.Unlock()

	m.onLine.Publish(line)
}

// deliveryLoop posts lines one at a time so chat order matches speech order.
func (m *Manager) deliveryLoop(rs *runningSession) {
	defer close(rs.workerDone)
	for d := range rs.queue {
		m.deliver(rs, d)
	}
}

func (m *Manager) deliver(rs *runningSession, d delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	if m.webhook != nil {
		payload := buildMessagePayload(rs.id, d.line, d.msg, m.cfg.Output.TranscriptTimezone, m.loc)
		if err := m.webhook.Send(ctx, payload); err != nil {
			slog.Error("failed to send message webhook", "session_id", rs.id, "message_id", d.msg.ID, "error", err)
		}
	}
	if rs.notifier != nil {
		if err := rs.notifier.Notify(ctx, d.line.Rendered); err != nil {
			slog.Error("failed to post transcript line", "session_id", rs.id, "message_id", d.msg.ID, "error", err)
		}
	}
}

func (rs *runningSession) teardownSubscriptions() {
	for _, unsubscribe := range rs.unsubscribe {
		unsubscribe()
	}
	rs.unsubscribe = nil
}

func (rs *runningSession) closeQueue() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return
	}
	rs.closed = true
	close(rs.queue)
}

func (m *Manager) mixerConfig() audio.MixerConfig {
	return audio.MixerConfig{
		Format:             m.format(),
		FrameDuration:      m.cfg.Audio.FrameDuration,
		ChunkInterval:      m.cfg.Audio.ChunkInterval,
		CaptureSystemAudio: m.cfg.Audio.CaptureSystemAudio,
	}
}

func (m *Manager) schedulerConfig() transcription.SchedulerConfig {
	return transcription.SchedulerConfig{
		Format: m.format(),
		VAD: vad.Config{
			VolumeThreshold:      m.cfg.VAD.VolumeThreshold,
			QuickSilenceDuration: m.cfg.VAD.QuickSilenceDuration,
			MaxBatchDuration:     m.cfg.VAD.MaxBatchDuration,
			TickInterval:         m.cfg.VAD.TickInterval,
		},
		QualityInterval: m.cfg.Batch.QualityInterval,
		RequestTimeout:  m.cfg.Batch.Timeout,
	}
}

func (m *Manager) clientConfig() diarization.ClientConfig {
	s := m.cfg.Streaming
	encoding := s.Encoding
	if encoding != diarization.EncodingLinear16 {
		encoding = m.cfg.Audio.ChunkEncoding
	}
	return diarization.ClientConfig{
		Dial: diarization.DialOptions{
			Model:          s.Model,
			Language:       s.Language,
			Encoding:       encoding,
			SampleRate:     m.cfg.Audio.SampleRate,
			Channels:       m.cfg.Audio.Channels,
			Diarize:        s.Diarize,
			InterimResults: s.InterimResults,
			Punctuate:      s.Punctuate,
			SmartFormat:    s.SmartFormat,
		},
		KeepAliveInterval:    s.KeepAliveInterval,
		ReconnectDelay:       s.ReconnectDelay,
		MaxReconnectAttempts: s.MaxReconnectAttempts,
		MessageTimeout:       s.MessageTimeout,
		SpeakerSwitchSilence: s.SpeakerSwitchSilence,
		AppendFinals:         s.AppendFinals,
	}
}

func (m *Manager) phraseConfig() phrase.Config {
	return phrase.Config{
		MinLength:    m.cfg.Phrase.MinLength,
		PauseTimeout: m.cfg.Phrase.PauseTimeout,
		Language:     m.cfg.Phrase.Language,
	}
}

func (m *Manager) format() audio.Format {
	return audio.Format{SampleRate: m.cfg.Audio.SampleRate, Channels: m.cfg.Audio.Channels}
}
