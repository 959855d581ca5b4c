package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/deploy-sentinel/internal/metrics"
)

const defaultCallTimeout = 30 * time.Second

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) { c.baseDelay = delay }
}

// WithJitter spreads retries of concurrent callers, same idea as the
// ±25% jitter in the engine's own client guidance.
func WithJitter() Option {
	return func(c *Client) { c.jitter = true }
}

func WithMetrics(m metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is the single call primitive both remote backends sit behind.
// Operations are POSTed as JSON to {base}/{operation}; errors come back
// in the {error:{code,message,timestamp}} envelope and get classified
// into transient vs non-recoverable before the retry decision.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	jitter     bool
	metrics    metrics.Metrics
}

func New(baseURL string, maxRetries int, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultCallTimeout},
		maxRetries: maxRetries,
		baseDelay:  time.Second,
		metrics:    metrics.Noop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke calls operation with params and returns the raw success
// payload. Transient failures are retried with exponential backoff
// (baseDelay, doubling); non-recoverable ones fail on the first
// attempt.
func (c *Client) Invoke(ctx context.Context, operation string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for %s: %w", operation, err)
	}

	reqID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate request id: %w", err)
	}

	retryOpts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries) + 1),
		retry.Delay(c.baseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			c.metrics.Increment("apiclient.retry")
			log.Warn().Err(err).Msgf("request %s: retrying %s, attempt %d", reqID, operation, attempt+1)
		}),
	}
	if c.jitter {
		retryOpts = append(retryOpts,
			retry.MaxJitter(c.baseDelay/4),
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		)
	}

	var payload json.RawMessage
	err = retry.Do(func() error {
		ts := time.Now()
		result, callErr := c.doCall(ctx, operation, reqID, body)
		c.metrics.Duration("apiclient.call", time.Since(ts))
		if callErr != nil {
			c.metrics.Increment("apiclient.error")
			return callErr
		}
		payload = result
		return nil
	}, retryOpts...)
	if err != nil {
		return nil, fmt.Errorf("operation %s failed: %w", operation, err)
	}
	return payload, nil
}

func (c *Client) doCall(ctx context.Context, operation, reqID string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+operation, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", reqID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request do error: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response for %s: %w", operation, err)
	}

	if resp.StatusCode/100 == 2 {
		return raw, nil
	}

	envelope := errorEnvelope{}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Err.Code == "" {
		// no parsable envelope, classify on status alone
		envelope.Err = Error{
			Code:    fmt.Sprintf("HTTP%d", resp.StatusCode),
			Message: strings.TrimSpace(string(raw)),
		}
	}
	envelope.Err.HTTPStatus = resp.StatusCode
	envelope.Err.Transient = classify(envelope.Err.Code, resp.StatusCode)
	return nil, &envelope.Err
}
