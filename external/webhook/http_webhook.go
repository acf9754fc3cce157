package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/foxseedlab/kaiwa/internal/apperr"
	"github.com/foxseedlab/kaiwa/internal/webhook"
)

const (
	defaultTimeout   = 10 * time.Second
	userAgent        = "kaiwa-webhook/1"
	maxErrorBodySize = 256
)

type HTTPSender struct {
	webhookURL string
	client     *http.Client
}

// NewHTTPSender returns a sender that does nothing when webhookURL is empty.
func NewHTTPSender(webhookURL string) *HTTPSender {
	return &HTTPSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: defaultTimeout},
	}
}

func (s *HTTPSender) Send(ctx context.Context, payload webhook.MessagePayload) error {
	if s.webhookURL == "" {
		return nil
	}
	if payload.SchemaVersion == 0 {
		payload.SchemaVersion = webhook.MessageWebhookSchemaVersion
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return apperr.New(apperr.KindProtocol, "encode webhook payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(b))
	if err != nil {
		return apperr.New(apperr.KindConfiguration, "build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		return apperr.New(apperr.KindTransport, "post webhook", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if !isHTTPSuccessStatus(resp.StatusCode) {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return apperr.New(statusKind(resp.StatusCode), "post webhook",
			fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
	}
	return nil
}

// statusKind treats a rejected URL as misconfiguration. Anything else may
// succeed on a later message.
func statusKind(code int) apperr.Kind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return apperr.KindConfiguration
	default:
		return apperr.KindTransport
	}
}

func isHTTPSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
