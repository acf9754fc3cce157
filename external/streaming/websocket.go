package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/foxseedlab/kaiwa/internal/apperr"
	"github.com/foxseedlab/kaiwa/internal/diarization"
)

const (
	resultBufferSize = 64
	readLimit        = 1 << 20
	closeWait        = 5 * time.Second
)

var closeStreamMessage = []byte(`{"type":"CloseStream"}`)

// WebSocketTransport dials a Deepgram-style live transcription endpoint.
type WebSocketTransport struct {
	endpoint string
	apiKey   string
}

func NewWebSocketTransport(endpoint, apiKey string) *WebSocketTransport {
	return &WebSocketTransport{endpoint: endpoint, apiKey: apiKey}
}

func (t *WebSocketTransport) Dial(ctx context.Context, opts diarization.DialOptions) (diarization.Conn, error) {
	u, err := buildListenURL(t.endpoint, opts)
	if err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "dial", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+t.apiKey)

	c, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperr.New(apperr.KindConfiguration, "dial", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.New(apperr.KindTimeout, "dial", err)
		}
		return nil, apperr.New(apperr.KindTransport, "dial", err)
	}
	c.SetReadLimit(readLimit)
	slog.Info("streaming websocket connected", "model", opts.Model, "language", opts.Language, "encoding", opts.Encoding)

	conn := newWSConn(c)
	go conn.readLoop()
	return conn, nil
}

// buildListenURL appends the session options as query parameters. Raw PCM
// needs its format spelled out; containers are detected by the service.
func buildListenURL(endpoint string, opts diarization.DialOptions) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("endpoint %q must use ws or wss", endpoint)
	}
	q := u.Query()
	if opts.Model != "" {
		q.Set("model", opts.Model)
	}
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	if opts.Encoding == diarization.EncodingLinear16 {
		q.Set("encoding", opts.Encoding)
		q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
		q.Set("channels", strconv.Itoa(opts.Channels))
	}
	q.Set("diarize", strconv.FormatBool(opts.Diarize))
	q.Set("punctuate", strconv.FormatBool(opts.Punctuate))
	q.Set("interim_results", strconv.FormatBool(opts.InterimResults))
	q.Set("smart_format", strconv.FormatBool(opts.SmartFormat))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsConn struct {
	conn    *websocket.Conn
	results chan diarization.Result
	done    chan struct{}
	stop    chan struct{}

	mu      sync.Mutex
	err     error
	closing bool
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{
		conn:    c,
		results: make(chan diarization.Result, resultBufferSize),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

func (c *wsConn) Send(ctx context.Context, audio []byte) error {
	if c.ended() {
		return apperr.Errorf(apperr.KindTransport, "send audio", "connection is closed")
	}
	if err := c.conn.Write(ctx, websocket.MessageBinary, audio); err != nil {
		return apperr.New(apperr.KindTransport, "send audio", err)
	}
	return nil
}

// KeepAlive writes an empty binary frame.
func (c *wsConn) KeepAlive(ctx context.Context) error {
	if err := c.conn.Write(ctx, websocket.MessageBinary, []byte{}); err != nil {
		return apperr.New(apperr.KindTransport, "keepalive", err)
	}
	return nil
}

func (c *wsConn) Results() <-chan diarization.Result {
	return c.results
}

func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close asks the service to flush and close, then waits for the closing
// handshake before tearing the socket down. Results still arriving are
// dropped.
func (c *wsConn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	close(c.stop)
	c.mu.Unlock()

	if !c.ended() {
		if err := c.conn.Write(ctx, websocket.MessageText, closeStreamMessage); err != nil {
			slog.Debug("failed to send close stream message", "error", err)
		}
	}

	wait := time.NewTimer(closeWait)
	defer wait.Stop()
	select {
	case <-c.done:
	case <-wait.C:
	case <-ctx.Done():
	}
	if err := c.conn.Close(websocket.StatusNormalClosure, ""); err != nil && !c.ended() {
		return apperr.New(apperr.KindTransport, "close", err)
	}
	return nil
}

func (c *wsConn) ended() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsConn) readLoop() {
	var cause error
	defer func() {
		c.mu.Lock()
		if !c.closing {
			c.err = cause
		}
		c.mu.Unlock()
		close(c.results)
		close(c.done)
	}()

	for {
		typ, data, err := c.conn.Read(context.Background())
		if err != nil {
			cause = classifyReadError(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		res, ok, err := parseLiveMessage(data)
		if err != nil {
			slog.Warn("dropping malformed streaming message", "error", err)
			continue
		}
		if !ok {
			continue
		}
		select {
		case c.results <- res:
		case <-c.stop:
		}
	}
}

func classifyReadError(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.StatusNormalClosure {
			return nil
		}
		return &diarization.CloseError{Code: int(ce.Code), Reason: ce.Reason}
	}
	return apperr.New(apperr.KindTransport, "read", err)
}

type liveMessage struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []liveAlternative `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

type liveAlternative struct {
	Transcript string     `json:"transcript"`
	Confidence float64    `json:"confidence"`
	Words      []liveWord `json:"words"`
}

type liveWord struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence"`
	Speaker        *int    `json:"speaker"`
}

// parseLiveMessage reports ok=false for metadata and other non-result
// messages.
func parseLiveMessage(data []byte) (diarization.Result, bool, error) {
	var msg liveMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return diarization.Result{}, false, apperr.New(apperr.KindProtocol, "parse message", err)
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return diarization.Result{}, false, nil
	}
	alt := msg.Channel.Alternatives[0]
	res := diarization.Result{
		Transcript:  alt.Transcript,
		Confidence:  alt.Confidence,
		IsFinal:     msg.IsFinal,
		SpeechFinal: msg.SpeechFinal,
		Words:       make([]diarization.Word, 0, len(alt.Words)),
	}
	for _, w := range alt.Words {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		res.Words = append(res.Words, diarization.Word{
			Text:       text,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
			Speaker:    w.Speaker,
		})
	}
	return res, true, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
