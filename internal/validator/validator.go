// Package validator checks that citation URLs resolve.
package validator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/reportforge/internal/config"
	"github.com/kiranshivaraju/reportforge/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultConcurrency = 8

	// CodeInvalidURL is the Check.Error recorded for inputs that are not absolute http(s) URLs.
	CodeInvalidURL = "invalid_url"

	userAgent = "reportforge-validator/1.0"
)

// Check is the outcome of probing one URL.
type Check struct {
	URL        string `json:"url"`
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	FinalURL   string `json:"final_url,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Result holds one Check per distinct input URL, in first-seen order. Valid
// and Invalid split the same URLs by Check.OK, also in first-seen order.
type Result struct {
	Results []Check  `json:"results"`
	Valid   []string `json:"valid"`
	Invalid []string `json:"invalid"`
}

// Validator probes URLs concurrently with a bounded number of requests in flight.
type Validator struct {
	client      *http.Client
	timeout     time.Duration
	concurrency int
}

// Option configures a Validator.
type Option func(*Validator)

// WithHTTPClient replaces the client used for probes.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Validator) { v.client = c }
}

// New creates a Validator from configuration.
func New(cfg config.ValidatorConfig, opts ...Option) *Validator {
	v := &Validator{
		client:      &http.Client{},
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
	}
	if v.timeout <= 0 {
		v.timeout = DefaultTimeout
	}
	if v.concurrency <= 0 {
		v.concurrency = DefaultConcurrency
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate probes every distinct URL in urls. Each probe gets its own timeout
// (the Validator default when timeout <= 0) and a failing probe never cancels
// the others. An error is returned only when ctx ends before all probes finish.
func (v *Validator) Validate(ctx context.Context, urls []string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = v.timeout
	}

	targets := dedupe(urls)
	checks := make([]Check, len(targets))

	var g errgroup.Group
	g.SetLimit(v.concurrency)

	for i, target := range targets {
		if !isProbeable(target) {
			checks[i] = Check{URL: target, Error: CodeInvalidURL}
			continue
		}
		g.Go(func() error {
			checks[i] = v.probe(ctx, target, timeout)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("validate sources: %w", err)
	}

	res := Result{Results: checks, Valid: []string{}, Invalid: []string{}}
	for _, c := range checks {
		switch {
		case c.OK:
			res.Valid = append(res.Valid, c.URL)
			metrics.SourceProbes.WithLabelValues("ok").Inc()
		case c.Error == CodeInvalidURL:
			res.Invalid = append(res.Invalid, c.URL)
			metrics.SourceProbes.WithLabelValues(CodeInvalidURL).Inc()
		default:
			res.Invalid = append(res.Invalid, c.URL)
			metrics.SourceProbes.WithLabelValues("failed").Inc()
		}
	}
	return res, nil
}

// probe issues HEAD and falls back to GET when HEAD is refused, fails, or
// returns an error status.
func (v *Validator) probe(ctx context.Context, target string, timeout time.Duration) Check {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	check := v.do(ctx, http.MethodHead, target)
	if check.OK {
		return check
	}
	if ctx.Err() != nil {
		return check
	}
	return v.do(ctx, http.MethodGet, target)
}

func (v *Validator) do(ctx context.Context, method, target string) Check {
	check := Check{URL: target}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		check.Error = CodeInvalidURL
		return check
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := v.client.Do(req)
	if err != nil {
		check.Error = classifyError(err)
		return check
	}
	defer resp.Body.Close()
	if method == http.MethodGet {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	}

	check.StatusCode = resp.StatusCode
	if resp.Request != nil && resp.Request.URL != nil {
		check.FinalURL = resp.Request.URL.String()
	}
	check.OK = resp.StatusCode >= 200 && resp.StatusCode < 400
	if !check.OK {
		check.Error = fmt.Sprintf("http %d", resp.StatusCode)
	}
	return check
}

func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return "timeout"
		}
		return urlErr.Err.Error()
	}
	return err.Error()
}

func isProbeable(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
