package streaming

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/foxseedlab/kaiwa/internal/apperr"
	"github.com/foxseedlab/kaiwa/internal/diarization"
)

const resultJSON = `{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"hello there","confidence":0.91,"words":[{"word":"hello","punctuated_word":"Hello","start":0.5,"end":0.9,"confidence":0.95,"speaker":1},{"word":"there","start":0.9,"end":1.2,"confidence":0.9,"speaker":1}]}]}}`

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testDialOptions() diarization.DialOptions {
	return diarization.DialOptions{
		Model:          "nova-2",
		Language:       "en",
		Encoding:       diarization.EncodingLinear16,
		SampleRate:     16000,
		Channels:       1,
		Diarize:        true,
		InterimResults: true,
		Punctuate:      true,
		SmartFormat:    true,
	}
}

func waitDone(t *testing.T, conn diarization.Conn) {
	t.Helper()
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not end")
	}
}

func TestBuildListenURL(t *testing.T) {
	raw, err := buildListenURL("wss://api.deepgram.com/v1/listen", testDialOptions())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	want := map[string]string{
		"model":           "nova-2",
		"language":        "en",
		"encoding":        "linear16",
		"sample_rate":     "16000",
		"channels":        "1",
		"diarize":         "true",
		"punctuate":       "true",
		"interim_results": "true",
		"smart_format":    "true",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Fatalf("expected %s=%s, got %q", k, v, q.Get(k))
		}
	}

	opts := testDialOptions()
	opts.Encoding = "wav"
	raw, _ = buildListenURL("wss://api.deepgram.com/v1/listen", opts)
	u, _ = url.Parse(raw)
	if u.Query().Has("encoding") || u.Query().Has("sample_rate") {
		t.Fatalf("container audio must not advertise raw format: %s", raw)
	}

	if _, err := buildListenURL("https://api.deepgram.com/v1/listen", opts); err == nil {
		t.Fatal("expected error for non websocket scheme")
	}
}

func TestParseLiveMessage(t *testing.T) {
	res, ok, err := parseLiveMessage([]byte(resultJSON))
	if err != nil || !ok {
		t.Fatalf("expected result, got ok=%v err=%v", ok, err)
	}
	if res.Transcript != "hello there" || !res.IsFinal || !res.SpeechFinal || len(res.Words) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Words[0].Text != "Hello" || res.Words[1].Text != "there" {
		t.Fatalf("unexpected words %+v", res.Words)
	}
	if res.Words[0].Start != 500*time.Millisecond || *res.Words[0].Speaker != 1 {
		t.Fatalf("unexpected first word %+v", res.Words[0])
	}

	if _, ok, err := parseLiveMessage([]byte(`{"type":"Metadata","request_id":"x"}`)); ok || err != nil {
		t.Fatalf("expected metadata ignored, got ok=%v err=%v", ok, err)
	}
	if _, _, err := parseLiveMessage([]byte(`{"type":`)); !apperr.IsKind(err, apperr.KindProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestWebSocketTransport_DeliversResultsAndClosesNormally(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token secret" {
			t.Errorf("unexpected authorization: %s", got)
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		ctx := r.Context()
		typ, data, err := c.Read(ctx)
		if err != nil || typ != websocket.MessageBinary || string(data) != "pcm" {
			t.Errorf("unexpected audio frame %v %q %v", typ, data, err)
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(resultJSON))
		_ = c.Close(websocket.StatusNormalClosure, "")
	}))
	defer server.Close()

	conn, err := NewWebSocketTransport(wsURL(server), "secret").Dial(context.Background(), testDialOptions())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.Send(context.Background(), []byte("pcm")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case res := <-conn.Results():
		if res.Transcript != "hello there" {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result delivered")
	}
	waitDone(t, conn)
	if err := conn.Err(); err != nil {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestWebSocketTransport_AbnormalCloseReportsCloseError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = c.Close(websocket.StatusInternalError, "boom")
	}))
	defer server.Close()

	conn, err := NewWebSocketTransport(wsURL(server), "secret").Dial(context.Background(), testDialOptions())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitDone(t, conn)
	var ce *diarization.CloseError
	if !errors.As(conn.Err(), &ce) || ce.Code != int(websocket.StatusInternalError) || ce.Reason != "boom" {
		t.Fatalf("expected close error, got %v", conn.Err())
	}
}

func TestWebSocketTransport_CloseSendsCloseStream(t *testing.T) {
	got := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := c.Read(r.Context())
		if err == nil {
			got <- string(data)
		}
		_ = c.Close(websocket.StatusNormalClosure, "")
	}))
	defer server.Close()

	conn, err := NewWebSocketTransport(wsURL(server), "secret").Dial(context.Background(), testDialOptions())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case msg := <-got:
		if msg != string(closeStreamMessage) {
			t.Fatalf("unexpected close message %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close stream message not received")
	}
	if err := conn.Err(); err != nil {
		t.Fatalf("expected no error after local close, got %v", err)
	}
	if err := conn.Close(context.Background()); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

func TestWebSocketTransport_UnauthorizedDial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := NewWebSocketTransport(wsURL(server), "bad").Dial(context.Background(), testDialOptions())
	if !apperr.IsKind(err, apperr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
