package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	retry "github.com/avast/retry-go/v4"

	"github.com/Sh00ty/deploy-sentinel/internal/apiclient"
	"github.com/Sh00ty/deploy-sentinel/internal/models"
)

const webhookTimeout = 15 * time.Second

type WebhookSink struct {
	url        string
	httpClient *http.Client
	attempts   uint
	baseDelay  time.Duration
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:        url,
		httpClient: &http.Client{Timeout: webhookTimeout},
		attempts:   4, // first try plus three retries: 1s, 2s, 4s
		baseDelay:  time.Second,
	}
}

func (s *WebhookSink) Name() string {
	return "webhook"
}

// Deliver posts the event and retries transient HTTP failures with the
// same classification the API client uses. 200 and 202 both count as
// delivered.
func (s *WebhookSink) Deliver(ctx context.Context, event models.NotificationEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	return retry.Do(func() error {
		return s.post(ctx, body)
	},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.baseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(apiclient.IsTransient),
		retry.LastErrorOnly(true),
	)
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request do error: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &apiclient.Error{
		Code:       fmt.Sprintf("HTTP%d", resp.StatusCode),
		Message:    string(raw),
		HTTPStatus: resp.StatusCode,
		Transient:  resp.StatusCode == 429 || resp.StatusCode == 500 || resp.StatusCode == 503,
	}
}
