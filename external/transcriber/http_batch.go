package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/foxseedlab/kaiwa/internal/apperr"
	"github.com/foxseedlab/kaiwa/internal/transcriber"
)

const (
	maxBackoff       = 30 * time.Second
	maxErrorBodySize = 512
)

type HTTPBatchConfig struct {
	Endpoint      string
	APIKey        string
	Model         string
	Language      string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
}

// HTTPBatchTranscriber posts each clip to a Deepgram-style prerecorded
// endpoint. Concurrent requests are bounded and 5xx, 429 and network
// failures are retried with exponential backoff.
type HTTPBatchTranscriber struct {
	cfg       HTTPBatchConfig
	client    *http.Client
	semaphore chan struct{}
	backoff   func(attempt int) time.Duration
}

func NewHTTPBatchTranscriber(cfg HTTPBatchConfig) *HTTPBatchTranscriber {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &HTTPBatchTranscriber{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
		backoff:   exponentialBackoff,
	}
}

type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (t *HTTPBatchTranscriber) Transcribe(ctx context.Context, req transcriber.Request) (*transcriber.Result, error) {
	if t.cfg.APIKey == "" {
		return nil, apperr.ErrNotConfigured
	}
	if len(req.Audio) == 0 {
		return nil, apperr.Errorf(apperr.KindProtocol, "transcribe", "empty audio")
	}

	select {
	case t.semaphore <- struct{}{}:
		defer func() { <-t.semaphore }()
	case <-ctx.Done():
		return nil, apperr.New(apperr.KindTimeout, "transcribe", ctx.Err())
	}

	var lastErr error
	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := t.backoff(attempt)
			slog.Debug("retrying batch transcription", "attempt", attempt, "backoff", wait, "error", lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, apperr.New(apperr.KindTimeout, "transcribe", ctx.Err())
			}
		}

		res, err := t.doRequest(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return nil, fmt.Errorf("transcription failed after %d attempts: %w", t.cfg.MaxRetries+1, lastErr)
}

func (t *HTTPBatchTranscriber) doRequest(ctx context.Context, req transcriber.Request) (*transcriber.Result, error) {
	endpoint, err := t.requestURL(req.Diarize)
	if err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "build request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Audio))
	if err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "build request", err)
	}
	httpReq.Header.Set("Authorization", "Token "+t.cfg.APIKey)
	httpReq.Header.Set("Content-Type", req.MimeType)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.New(apperr.KindTimeout, "post audio", err)
		}
		return nil, apperr.New(apperr.KindTransport, "post audio", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.New(apperr.KindTransport, "read response", err)
	}
	if !isHTTPSuccessStatus(resp.StatusCode) {
		return nil, statusError(resp.StatusCode, body)
	}

	var parsed listenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperr.New(apperr.KindProtocol, "parse response", err)
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return &transcriber.Result{}, nil
	}
	alt := parsed.Results.Channels[0].Alternatives[0]
	return &transcriber.Result{Transcript: alt.Transcript, Confidence: alt.Confidence}, nil
}

func (t *HTTPBatchTranscriber) requestURL(diarize bool) (string, error) {
	u, err := url.Parse(t.cfg.Endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", t.cfg.Model)
	q.Set("language", t.cfg.Language)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("diarize", strconv.FormatBool(diarize))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

func statusError(code int, body []byte) error {
	if len(body) > maxErrorBodySize {
		body = body[:maxErrorBodySize]
	}
	err := &httpStatusError{code: code, body: string(body)}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperr.New(apperr.KindConfiguration, "transcribe", err)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return apperr.New(apperr.KindTimeout, "transcribe", err)
	case code >= 400 && code < 500 && code != http.StatusTooManyRequests:
		return apperr.New(apperr.KindProtocol, "transcribe", err)
	default:
		return apperr.New(apperr.KindTransport, "transcribe", err)
	}
}

// isRetryable accepts network failures, 429 and 5xx responses.
func isRetryable(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.code == http.StatusTooManyRequests || statusErr.code >= 500
	}
	switch apperr.KindOf(err) {
	case apperr.KindTransport, apperr.KindTimeout:
		return true
	default:
		return false
	}
}

func exponentialBackoff(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

func isHTTPSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
