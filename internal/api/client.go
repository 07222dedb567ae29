package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bc-dunia/mqttdrill/internal/metrics"
)

// RetryConfig bounds the shard client's delivery attempts.
type RetryConfig struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryConfig retries twice past the first attempt with a doubling
// wait. Reports are periodic; a report that cannot be delivered in three
// tries is superseded by the next one anyway.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		Backoff:    250 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
	}
}

// ShardClient posts shard reports to the orchestrator's ingest endpoint,
// retrying transport errors and 5xx responses.
type ShardClient struct {
	endpoint   string
	httpClient *http.Client
	config     RetryConfig
}

// NewShardClient creates a client for the given /api/shard URL.
func NewShardClient(endpoint string) *ShardClient {
	return &ShardClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		config:     DefaultRetryConfig(),
	}
}

// NewShardClientWith creates a client with explicit transport and retry
// settings. Used by tests.
func NewShardClientWith(endpoint string, httpClient *http.Client, config RetryConfig) *ShardClient {
	return &ShardClient{endpoint: endpoint, httpClient: httpClient, config: config}
}

// Endpoint returns the configured ingest URL.
func (c *ShardClient) Endpoint() string {
	return c.endpoint
}

// Report delivers one shard report. A nil error means the orchestrator
// accepted it; callers treat failures as warnings, never as run failures.
func (c *ShardClient) Report(ctx context.Context, report metrics.ShardReport) error {
	jsonBytes, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal shard report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonBytes)), nil
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return &RetryableError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *ShardClient) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	backoff := c.config.Backoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				if backoff > c.config.MaxBackoff {
					backoff = c.config.MaxBackoff
				}
			}
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = &RetryableError{StatusCode: resp.StatusCode}
			resp.Body.Close()
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

// RetryableError marks a response the client considered transient.
type RetryableError struct {
	StatusCode int
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("aggregator returned status %d", e.StatusCode)
}
