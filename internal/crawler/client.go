// Package crawler starts external crawl runs. A run delivers its documents
// later to the ingestion webhook named in the request.
package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for crawler client failures.
var (
	ErrCrawlerUnreachable = errors.New("crawler unreachable")
	ErrCrawlerRejected    = errors.New("crawler rejected run")
	ErrCrawlerTimeout     = errors.New("crawler request timeout")
)

// Client is the interface for talking to the crawler service.
type Client interface {
	StartRun(ctx context.Context, req RunRequest) (Run, error)
	Ready(ctx context.Context) error
}

// RunRequest asks the crawler to gather documents for one job.
type RunRequest struct {
	JobID      uuid.UUID `json:"job_id"`
	Prompt     string    `json:"prompt"`
	WebhookURL string    `json:"webhook_url"`
}

// Run is the crawler's acknowledgement of a started run.
type Run struct {
	ID     string `json:"run_id"`
	Status string `json:"status,omitempty"`
}

// HTTPClient implements Client over the crawler's JSON API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a new crawler HTTP client.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) StartRun(ctx context.Context, req RunRequest) (Run, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Run{}, fmt.Errorf("encoding run request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/runs", bytes.NewReader(body))
	if err != nil {
		return Run{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Run{}, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Run{}, fmt.Errorf("%w: status %d", ErrCrawlerUnreachable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Run{}, fmt.Errorf("%w: status %d", ErrCrawlerRejected, resp.StatusCode)
	}

	var run Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return Run{}, fmt.Errorf("%w: decoding run response: %v", ErrCrawlerRejected, err)
	}
	return run, nil
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrawlerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: crawler not ready (status %d)", ErrCrawlerUnreachable, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrCrawlerTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrCrawlerTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrCrawlerUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
