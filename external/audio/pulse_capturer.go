package audio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/kaiwa/internal/apperr"
	"github.com/foxseedlab/kaiwa/internal/audio"
	"github.com/jfreymuth/pulse"
)

const (
	clientName         = "kaiwa"
	pulseWatchPeriod   = 250 * time.Millisecond
	pulseRecordLatency = 0.05
)

// PulseCapturer records the microphone from a PulseAudio source and system
// audio from the monitor of a sink.
type PulseCapturer struct {
	microphoneSource string
	systemAudioSink  string
}

// NewPulseCapturer uses the server defaults when a name is empty.
func NewPulseCapturer(microphoneSource, systemAudioSink string) *PulseCapturer {
	return &PulseCapturer{
		microphoneSource: microphoneSource,
		systemAudioSink:  systemAudioSink,
	}
}

func (c *PulseCapturer) Open(ctx context.Context, kind audio.SourceKind, format audio.Format) (audio.Source, error) {
	op := "open " + string(kind)
	if err := ctx.Err(); err != nil {
		return nil, apperr.New(apperr.KindTimeout, op, err)
	}
	if format.Channels != 1 {
		return nil, apperr.Errorf(apperr.KindNotSupported, op, "only mono capture is supported, got %d channels", format.Channels)
	}

	client, err := pulse.NewClient(pulse.ClientApplicationName(clientName))
	if err != nil {
		return nil, classifyPulseError(op, fmt.Errorf("unable to open a client to Pulse: %w", err))
	}

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(format.SampleRate),
		pulse.RecordLatency(pulseRecordLatency),
		pulse.RecordMediaName(clientName + " " + string(kind)),
	}
	switch kind {
	case audio.SourceMicrophone:
		src, err := c.resolveSource(client)
		if err != nil {
			client.Close()
			return nil, classifyPulseError(op, err)
		}
		opts = append(opts, pulse.RecordSource(src))
	case audio.SourceSystemAudio:
		sink, err := c.resolveSink(client)
		if err != nil {
			client.Close()
			return nil, classifyPulseError(op, err)
		}
		opts = append(opts, pulse.RecordMonitor(sink))
	default:
		client.Close()
		return nil, apperr.Errorf(apperr.KindNotSupported, op, "unknown source kind %q", kind)
	}

	return &pulseSource{
		kind:   kind,
		client: client,
		opts:   opts,
		ended:  make(chan struct{}),
		stop:   make(chan struct{}),
	}, nil
}

func (c *PulseCapturer) resolveSource(client *pulse.Client) (*pulse.Source, error) {
	if c.microphoneSource == "" {
		src, err := client.DefaultSource()
		if err != nil {
			return nil, fmt.Errorf("unable to find the default source: %w", err)
		}
		return src, nil
	}
	src, err := client.SourceByID(c.microphoneSource)
	if err != nil {
		return nil, fmt.Errorf("unable to find source %q: %w", c.microphoneSource, err)
	}
	return src, nil
}

func (c *PulseCapturer) resolveSink(client *pulse.Client) (*pulse.Sink, error) {
	if c.systemAudioSink == "" {
		sink, err := client.DefaultSink()
		if err != nil {
			return nil, fmt.Errorf("unable to find the default sink: %w", err)
		}
		return sink, nil
	}
	sink, err := client.SinkByID(c.systemAudioSink)
	if err != nil {
		return nil, fmt.Errorf("unable to find sink %q: %w", c.systemAudioSink, err)
	}
	return sink, nil
}

type pulseSource struct {
	kind   audio.SourceKind
	client *pulse.Client
	opts   []pulse.RecordOption

	mu       sync.Mutex
	stream   *pulse.RecordStream
	closed   bool
	ended    chan struct{}
	endOnce  sync.Once
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *pulseSource) Start(onSamples func([]int16)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperr.Errorf(apperr.KindTransport, "start "+string(s.kind), "source is closed")
	}
	if s.stream != nil {
		return nil
	}
	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		out := make([]int16, len(buf))
		copy(out, buf)
		onSamples(out)
		return len(buf), nil
	})
	stream, err := s.client.NewRecord(writer, s.opts...)
	if err != nil {
		return classifyPulseError("start "+string(s.kind), fmt.Errorf("unable to initialize a recording: %w", err))
	}
	stream.Start()
	s.stream = stream
	go s.watch(stream)
	return nil
}

func (s *pulseSource) Ended() <-chan struct{} {
	return s.ended
}

// watch polls the stream because the client has no end-of-stream callback.
func (s *pulseSource) watch(stream *pulse.RecordStream) {
	ticker := time.NewTicker(pulseWatchPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := stream.Error(); err != nil {
				slog.Warn("pulse recording failed", "source", s.kind, "error", err)
				s.signalEnded()
				return
			}
			if !stream.Running() {
				slog.Info("pulse recording stopped by the server", "source", s.kind)
				s.signalEnded()
				return
			}
		}
	}
}

func (s *pulseSource) signalEnded() {
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *pulseSource) Close() (err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("got a panic while closing %s: %v", s.kind, r)
		}
		s.client.Close()
	}()
	if stream != nil {
		stream.Stop()
		stream.Close()
	}
	return nil
}

// classifyPulseError maps server refusals to the capture error taxonomy. The
// client exposes no typed errors for these, so the message is inspected.
func classifyPulseError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return apperr.New(apperr.KindPermission, op, err)
	case strings.Contains(msg, "no such entity"), strings.Contains(msg, "not supported"),
		strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such file"):
		return apperr.New(apperr.KindNotSupported, op, err)
	default:
		return apperr.New(apperr.KindTransport, op, err)
	}
}
