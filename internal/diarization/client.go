package diarization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/kaiwa/internal/apperr"
	"github.com/foxseedlab/kaiwa/internal/metrics"
	"github.com/foxseedlab/kaiwa/internal/pubsub"
	"github.com/google/uuid"
)

const (
	DefaultKeepAliveInterval    = 30 * time.Second
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 3
	closeTimeout                = 5 * time.Second
)

var errReconnectExhausted = errors.New("reconnect attempts exhausted")

type ClientConfig struct {
	Dial                 DialOptions
	KeepAliveInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	MessageTimeout       time.Duration
	SpeakerSwitchSilence time.Duration
	AppendFinals         bool
}

type Option func(*Client)

// WithSpeakerAssigner replaces the default index-then-silence assigner.
func WithSpeakerAssigner(a SpeakerAssigner) Option {
	return func(c *Client) {
		c.assigner = a
	}
}

type timer interface {
	Stop() bool
}

// Client keeps one streaming session open while active, attributes results
// to speakers and groups them into messages.
type Client struct {
	cfg       ClientConfig
	transport Transport
	metrics   *metrics.Metrics
	assigner  SpeakerAssigner
	merger    *MessageMerger

	mu             sync.Mutex
	status         ConnectionStatus
	active         bool
	paused         bool
	hadSession     bool
	gen            uint64
	conn           Conn
	lastErr        error
	reconnects     int
	reconnectTimer timer
	stopKeepAlive  context.CancelFunc
	stopSweep      context.CancelFunc
	currentSpeaker string
	provisional    map[string]string
	speakers       []Speaker
	seenSpeakers   map[string]struct{}

	now       func() time.Time
	newID     func() string
	afterFunc func(time.Duration, func()) timer

	onSegment       pubsub.Broadcaster[Segment]
	onSpeakerChange pubsub.Broadcaster[Speaker]
	onStateChange   pubsub.Broadcaster[ConnectionState]
	onError         pubsub.Broadcaster[error]
	onMessage       pubsub.Broadcaster[Message]
}

// NewClient builds a client. A nil transport means credentials are missing;
// Start then reports apperr.ErrNotConfigured without connecting.
func NewClient(cfg ClientConfig, transport Transport, m *metrics.Metrics, opts ...Option) *Client {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = DefaultMessageTimeout
	}
	c := &Client{
		cfg:          cfg,
		transport:    transport,
		metrics:      m,
		merger:       NewMessageMerger(cfg.MessageTimeout, cfg.AppendFinals),
		provisional:  make(map[string]string),
		seenSpeakers: make(map[string]struct{}),
		now:          time.Now,
		newID:        uuid.NewString,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.assigner == nil {
		c.assigner = NewDefaultAssigner(DefaultPalette, cfg.SpeakerSwitchSilence)
	}
	return c
}

func (c *Client) Configured() bool {
	return c.transport != nil
}

// Start opens the session. It is a no-op while connecting or open; any other
// state tears the previous connection down first.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusOpen {
		c.mu.Unlock()
		return nil
	}
	if c.transport == nil {
		c.lastErr = apperr.ErrNotConfigured
		state := c.stateLocked()
		c.mu.Unlock()
		slog.Warn("streaming diarization is not configured; not connecting")
		c.onError.Publish(apperr.ErrNotConfigured)
		c.publishState(state)
		return apperr.ErrNotConfigured
	}
	if !c.hadSession {
		c.resetSessionLocked()
	}
	c.active = true
	c.paused = false
	if c.stopSweep == nil {
		sweepCtx, cancel := context.WithCancel(context.Background())
		c.stopSweep = cancel
		go c.sweepLoop(sweepCtx)
	}
	return c.connectLocked(ctx)
}

// connectLocked must be called with c.mu held and returns with it released.
func (c *Client) connectLocked(ctx context.Context) error {
	stale := c.detachLocked()
	gen := c.gen
	c.status = StatusConnecting
	c.lastErr = nil
	state := c.stateLocked()
	c.mu.Unlock()

	closeQuietly(stale)
	c.publishState(state)

	conn, err := c.transport.Dial(ctx, c.cfg.Dial)

	c.mu.Lock()
	if gen != c.gen || !c.active {
		c.mu.Unlock()
		closeQuietly(conn)
		return nil
	}
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.New(apperr.KindTransport, "dial streaming service", err)
		}
		c.status = StatusError
		c.lastErr = err
		if c.reconnects > 0 {
			c.scheduleReconnectLocked()
		}
		state := c.stateLocked()
		c.mu.Unlock()
		slog.Error("streaming connection failed", "error", err)
		c.onError.Publish(err)
		c.publishState(state)
		return err
	}

	discontinuity := c.hadSession
	c.hadSession = true
	c.conn = conn
	c.reconnects = 0
	var closed []Message
	if discontinuity {
		closed = c.breakContinuityLocked()
	}
	// Pause may have landed while the dial was in flight.
	if c.paused {
		c.status = StatusPaused
	} else {
		c.status = StatusOpen
		c.startKeepAliveLocked(conn)
	}
	state = c.stateLocked()
	state.Discontinuity = discontinuity
	c.mu.Unlock()

	go c.readLoop(gen, conn)
	slog.Info("streaming connection open", "discontinuity", discontinuity, "model", c.cfg.Dial.Model, "language", c.cfg.Dial.Language)
	c.publishClosed(closed)
	c.publishState(state)
	return nil
}

// Pause keeps the connection but drops audio until Resume.
func (c *Client) Pause() {
	c.mu.Lock()
	if !c.active || c.paused {
		c.mu.Unlock()
		return
	}
	c.paused = true
	c.cancelKeepAliveLocked()
	if c.status == StatusOpen {
		c.status = StatusPaused
	}
	state := c.stateLocked()
	c.mu.Unlock()
	slog.Info("streaming paused")
	c.publishState(state)
}

// Resume re-enables audio. If the connection was lost while paused it starts
// a new one.
func (c *Client) Resume(ctx context.Context) error {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return nil
	}
	c.paused = false
	if c.conn == nil {
		c.mu.Unlock()
		slog.Info("streaming connection lost while paused; restarting")
		return c.Start(ctx)
	}
	c.status = StatusOpen
	c.startKeepAliveLocked(c.conn)
	state := c.stateLocked()
	c.mu.Unlock()
	slog.Info("streaming resumed")
	c.publishState(state)
	return nil
}

// SendAudio forwards one frame. Frames are dropped silently unless the
// connection is open and not paused. A failed write drops the connection and
// schedules a delayed reconnect.
func (c *Client) SendAudio(ctx context.Context, data []byte) {
	c.mu.Lock()
	if c.status != StatusOpen || c.paused || c.conn == nil {
		c.mu.Unlock()
		c.metrics.RecordAudioFrame(false)
		return
	}
	conn := c.conn
	c.mu.Unlock()

	err := conn.Send(ctx, data)
	if err == nil {
		c.metrics.RecordAudioFrame(true)
		return
	}
	c.metrics.RecordAudioFrame(false)
	if apperr.KindOf(err) == apperr.KindUnknown {
		err = apperr.New(apperr.KindTransport, "send audio", err)
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.gen++
	c.cancelKeepAliveLocked()
	c.status = StatusError
	c.lastErr = err
	if c.active && !c.paused {
		c.scheduleReconnectLocked()
	}
	state := c.stateLocked()
	c.mu.Unlock()

	slog.Warn("streaming send failed; dropping connection", "error", err)
	go closeQuietly(conn)
	c.onError.Publish(err)
	c.publishState(state)
}

// Stop returns the client to Idle. Teardown failures are logged and never
// leave timers running.
func (c *Client) Stop(ctx context.Context) {
	c.mu.Lock()
	prev := c.status
	wasActive := c.active
	c.active = false
	c.paused = false
	conn := c.detachLocked()
	if c.stopSweep != nil {
		c.stopSweep()
		c.stopSweep = nil
	}
	c.status = StatusIdle
	c.lastErr = nil
	c.hadSession = false
	c.reconnects = 0
	closed := c.merger.CloseAll()
	c.currentSpeaker = ""
	c.provisional = make(map[string]string)
	state := c.stateLocked()
	c.mu.Unlock()

	if conn != nil {
		closeCtx, cancel := context.WithTimeout(ctx, closeTimeout)
		if err := safeClose(closeCtx, conn); err != nil {
			slog.Warn("streaming close reported an error", "error", err)
		}
		cancel()
	}
	c.publishClosed(closed)
	if prev != StatusIdle || wasActive {
		slog.Info("streaming stopped")
		c.publishState(state)
	}
}

func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Speakers returns the speakers seen this session in order of first sighting.
func (c *Client) Speakers() []Speaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Speaker, len(c.speakers))
	copy(out, c.speakers)
	return out
}

func (c *Client) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merger.Messages()
}

func (c *Client) OnSegment(fn func(Segment)) func() {
	return c.onSegment.Subscribe(fn)
}

func (c *Client) OnSpeakerChange(fn func(Speaker)) func() {
	return c.onSpeakerChange.Subscribe(fn)
}

func (c *Client) OnStateChange(fn func(ConnectionState)) func() {
	return c.onStateChange.Subscribe(fn)
}

func (c *Client) OnError(fn func(error)) func() {
	return c.onError.Subscribe(fn)
}

// OnMessage receives every message update; IsActive is false on the last
// update of a message.
func (c *Client) OnMessage(fn func(Message)) func() {
	return c.onMessage.Subscribe(fn)
}

func (c *Client) stateLocked() ConnectionState {
	return ConnectionState{
		Status:       c.status,
		IsActive:     c.conn != nil && (c.status == StatusOpen || c.status == StatusPaused),
		IsConnecting: c.status == StatusConnecting,
		IsPaused:     c.paused,
		Err:          c.lastErr,
	}
}

func (c *Client) publishState(state ConnectionState) {
	c.metrics.SetConnectionStatus(int(state.Status))
	c.onStateChange.Publish(state)
}

func (c *Client) publishClosed(closed []Message) {
	for _, msg := range closed {
		c.metrics.RecordMessageClosed()
		c.onMessage.Publish(msg)
	}
}

// detachLocked invalidates the current connection generation and cancels
// every timer bound to it. The caller closes the returned connection.
func (c *Client) detachLocked() Conn {
	c.gen++
	c.cancelKeepAliveLocked()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

func (c *Client) resetSessionLocked() {
	c.assigner.Reset()
	c.merger.Reset()
	c.currentSpeaker = ""
	c.provisional = make(map[string]string)
	c.speakers = nil
	c.seenSpeakers = make(map[string]struct{})
}

// breakContinuityLocked closes what cannot survive a reconnect: the active
// messages, provisional segments and the current speaker turn.
func (c *Client) breakContinuityLocked() []Message {
	c.currentSpeaker = ""
	c.provisional = make(map[string]string)
	return c.merger.CloseAll()
}

func (c *Client) startKeepAliveLocked(conn Conn) {
	c.cancelKeepAliveLocked()
	ctx, cancel := context.WithCancel(context.Background())
	c.stopKeepAlive = cancel
	go c.keepAliveLoop(ctx, conn)
}

func (c *Client) cancelKeepAliveLocked() {
	if c.stopKeepAlive != nil {
		c.stopKeepAlive()
		c.stopKeepAlive = nil
	}
}

func (c *Client) keepAliveLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if err := conn.KeepAlive(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("streaming keepalive failed", "error", err)
			}
		}
	}
}

func (c *Client) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.MessageTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.expireMessages(c.now())
		}
	}
}

func (c *Client) expireMessages(now time.Time) {
	c.mu.Lock()
	closed := c.merger.Expire(now)
	c.mu.Unlock()
	c.publishClosed(closed)
}

func (c *Client) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		return
	}
	if c.reconnects >= c.cfg.MaxReconnectAttempts {
		err := apperr.New(apperr.KindTransport, "reconnect", errReconnectExhausted)
		c.lastErr = err
		slog.Error("giving up on streaming connection", "attempts", c.reconnects)
		go c.onError.Publish(err)
		return
	}
	c.reconnects++
	gen := c.gen
	attempt := c.reconnects
	c.reconnectTimer = c.afterFunc(c.cfg.ReconnectDelay, func() {
		c.reconnect(gen, attempt)
	})
	slog.Info("streaming reconnect scheduled", "attempt", attempt, "delay", c.cfg.ReconnectDelay)
}

func (c *Client) reconnect(gen uint64, attempt int) {
	c.mu.Lock()
	c.reconnectTimer = nil
	if gen != c.gen || !c.active || c.paused {
		c.mu.Unlock()
		return
	}
	c.metrics.RecordReconnectAttempt()
	slog.Info("streaming reconnecting", "attempt", attempt)
	if err := c.connectLocked(context.Background()); err != nil {
		slog.Warn("streaming reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	results := conn.Results()
	for {
		select {
		case res, ok := <-results:
			if !ok {
				<-conn.Done()
				c.handleClosed(gen, conn)
				return
			}
			c.handleResult(res, c.now())
		case <-conn.Done():
			c.handleClosed(gen, conn)
			return
		}
	}
}

func (c *Client) handleClosed(gen uint64, conn Conn) {
	cause := conn.Err()
	c.mu.Lock()
	if gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.gen++
	c.cancelKeepAliveLocked()

	if cause == nil {
		c.status = StatusClosed
		state := c.stateLocked()
		c.mu.Unlock()
		slog.Info("streaming connection closed normally")
		c.publishState(state)
		return
	}

	if apperr.KindOf(cause) == apperr.KindUnknown {
		cause = apperr.New(apperr.KindTransport, "streaming connection", cause)
	}
	c.lastErr = cause
	switch {
	case c.paused:
		c.status = StatusClosed
	case c.active:
		c.status = StatusError
		c.scheduleReconnectLocked()
	default:
		c.status = StatusClosed
	}
	state := c.stateLocked()
	c.mu.Unlock()

	slog.Warn("streaming connection closed unexpectedly", "error", cause)
	c.onError.Publish(cause)
	c.publishState(state)
}

// handleResult attributes one result to a speaker, emits it as a segment and
// folds it into the speaker's message.
func (c *Client) handleResult(res Result, now time.Time) {
	text := strings.TrimSpace(res.Transcript)
	if text == "" {
		return
	}

	c.mu.Lock()
	sp, ok := c.assigner.Assign(Hint{Speaker: res.DominantSpeaker(), At: now})
	if !ok {
		c.mu.Unlock()
		slog.Debug("result could not be attributed to a speaker", "text_len", len(text))
		return
	}
	changed := sp.ID != c.currentSpeaker
	c.currentSpeaker = sp.ID
	if _, seen := c.seenSpeakers[sp.ID]; !seen {
		c.seenSpeakers[sp.ID] = struct{}{}
		c.speakers = append(c.speakers, sp)
	}

	id := c.provisional[sp.ID]
	if id == "" {
		id = c.newID()
	}
	if res.IsFinal {
		delete(c.provisional, sp.ID)
	} else {
		c.provisional[sp.ID] = id
	}
	seg := Segment{
		ID:          id,
		SpeakerID:   sp.ID,
		SpeakerName: sp.DisplayName,
		Text:        text,
		IsFinal:     res.IsFinal,
		Timestamp:   now,
		Confidence:  res.Confidence,
	}
	msg, closed := c.merger.Add(seg)
	c.mu.Unlock()

	c.metrics.RecordSegment(seg.IsFinal)
	if changed {
		c.onSpeakerChange.Publish(sp)
	}
	c.onSegment.Publish(seg)
	c.publishClosed(closed)
	c.onMessage.Publish(msg)
}

func closeQuietly(conn Conn) {
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := safeClose(ctx, conn); err != nil {
		slog.Debug("closing stale streaming connection failed", "error", err)
	}
}

func safeClose(ctx context.Context, conn Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("close panicked: %v", r)
		}
	}()
	return conn.Close(ctx)
}
