package transcriber

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxseedlab/kaiwa/internal/apperr"
	"github.com/foxseedlab/kaiwa/internal/transcriber"
)

func newTestTranscriber(url string) *HTTPBatchTranscriber {
	t := NewHTTPBatchTranscriber(HTTPBatchConfig{
		Endpoint:      url,
		APIKey:        "secret",
		Model:         "nova-2",
		Language:      "en",
		Timeout:       5 * time.Second,
		MaxRetries:    2,
		MaxConcurrent: 2,
	})
	t.backoff = func(int) time.Duration { return time.Millisecond }
	return t
}

func testRequest() transcriber.Request {
	return transcriber.Request{Audio: []byte("RIFF"), MimeType: "audio/wav", Diarize: true}
}

func TestTranscribe_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Token secret" {
			t.Errorf("unexpected authorization: %s", got)
		}
		if got := r.Header.Get("Content-Type"); got != "audio/wav" {
			t.Errorf("unexpected content type: %s", got)
		}
		q := r.URL.Query()
		if q.Get("model") != "nova-2" || q.Get("language") != "en" || q.Get("diarize") != "true" ||
			q.Get("punctuate") != "true" || q.Get("smart_format") != "true" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "RIFF" {
			t.Errorf("unexpected body: %q", body)
		}
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":"hello world","confidence":0.93}]}]}}`))
	}))
	defer server.Close()

	res, err := newTestTranscriber(server.URL).Transcribe(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Transcript != "hello world" || res.Confidence != 0.93 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestTranscribe_EmptyAlternatives(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":{"channels":[]}}`))
	}))
	defer server.Close()

	res, err := newTestTranscriber(server.URL).Transcribe(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Transcript != "" {
		t.Fatalf("expected empty transcript, got %q", res.Transcript)
	}
}

func TestTranscribe_UnauthorizedIsConfiguration(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestTranscriber(server.URL).Transcribe(context.Background(), testRequest())
	if !apperr.IsKind(err, apperr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retries, got %d calls", calls.Load())
	}
}

func TestTranscribe_ServerErrorRetriedThenTransport(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestTranscriber(server.URL).Transcribe(context.Background(), testRequest())
	if !apperr.IsKind(err, apperr.KindTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestTranscribe_RecoversAfterRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":"ok","confidence":0.5}]}]}}`))
	}))
	defer server.Close()

	res, err := newTestTranscriber(server.URL).Transcribe(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Transcript != "ok" || calls.Load() != 2 {
		t.Fatalf("unexpected result %+v after %d calls", res, calls.Load())
	}
}

func TestTranscribe_MalformedBodyIsProtocol(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":`))
	}))
	defer server.Close()

	_, err := newTestTranscriber(server.URL).Transcribe(context.Background(), testRequest())
	if !apperr.IsKind(err, apperr.KindProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestTranscribe_MissingKey(t *testing.T) {
	tr := NewHTTPBatchTranscriber(HTTPBatchConfig{Endpoint: "http://127.0.0.1:1"})
	if _, err := tr.Transcribe(context.Background(), testRequest()); !apperr.IsKind(err, apperr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestTranscribe_CancelledWhileWaitingForSlot(t *testing.T) {
	tr := newTestTranscriber("http://127.0.0.1:1")
	for range cap(tr.semaphore) {
		tr.semaphore <- struct{}{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Transcribe(ctx, testRequest()); !apperr.IsKind(err, apperr.KindTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestExponentialBackoff(t *testing.T) {
	cases := map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 10: 30 * time.Second}
	for attempt, want := range cases {
		if got := exponentialBackoff(attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}
