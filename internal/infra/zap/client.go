// Package zap wraps the external vulnerability scanner's JSON HTTP API
// behind typed operations with retry, backoff, and pacing.
package zap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/siteguard/api/internal/metrics"
	"github.com/siteguard/api/pkg/domain/scansession"
	"github.com/siteguard/api/pkg/logger"
)

// Scanner API endpoints.
const (
	endpointVersion      = "/JSON/core/view/version/"
	endpointCrawlSubmit  = "/JSON/spider/action/scan/"
	endpointCrawlStatus  = "/JSON/spider/view/status/"
	endpointCrawlResults = "/JSON/spider/view/results/"
	endpointRegisterURL  = "/JSON/core/action/accessUrl/"
	endpointScanSubmit   = "/JSON/ascan/action/scan/"
	endpointScanStatus   = "/JSON/ascan/view/status/"
	endpointAlerts       = "/JSON/core/view/alerts/"
)

// Config holds scanner client configuration. No ambient singletons: the
// client is constructed from explicit configuration.
type Config struct {
	BaseURL string
	APIKey  string

	HTTPTimeout time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	CallDelay   time.Duration

	ContextSettleDelay time.Duration
	RetrySettleDelay   time.Duration

	// RetryTriggers are error substrings on scan submission that cause one
	// re-register-and-resubmit attempt.
	RetryTriggers []string

	Logger *logger.Logger
}

// Client talks to the external scanner.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *logger.Logger
}

// NewClient creates a scanner client.
func NewClient(cfg Config) *Client {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.CallDelay == 0 {
		cfg.CallDelay = 2 * time.Second
	}
	if cfg.ContextSettleDelay == 0 {
		cfg.ContextSettleDelay = 2 * time.Second
	}
	if cfg.RetrySettleDelay == 0 {
		cfg.RetrySettleDelay = 3 * time.Second
	}
	if len(cfg.RetryTriggers) == 0 {
		cfg.RetryTriggers = []string{"URL_NOT_FOUND"}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		logger: cfg.Logger,
		// The scanner is sensitive to bursts, so every call waits out a
		// fixed pacing delay regardless of outcome.
		limiter: rate.NewLimiter(rate.Every(cfg.CallDelay), 1),
	}
}

// Version probes the scanner's readiness and returns its version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, endpointVersion, nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// CheckTarget verifies that the target site answers at all before any job
// slot is spent on it. Any resolution or transport failure, or a 5xx from
// the target, is ErrTargetUnreachable.
func (c *Client) CheckTarget(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTargetUnreachable, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTargetUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: target returned status %d", ErrTargetUnreachable, resp.StatusCode)
	}
	return nil
}

// SubmitCrawl starts the crawl phase for a target and returns the job id.
func (c *Client) SubmitCrawl(ctx context.Context, target string) (string, error) {
	var resp struct {
		Scan string `json:"scan"`
	}
	params := url.Values{"url": {target}}
	if err := c.do(ctx, endpointCrawlSubmit, params, &resp); err != nil {
		return "", err
	}
	if resp.Scan == "" {
		return "", fmt.Errorf("zap: crawl submission returned no job id")
	}
	return resp.Scan, nil
}

// CrawlStatus returns the crawl progress percentage for a job.
func (c *Client) CrawlStatus(ctx context.Context, jobID string) (int, error) {
	return c.status(ctx, endpointCrawlStatus, jobID)
}

// CrawlResults returns the URLs discovered by a finished crawl. Call only
// once the status has reached 100.
func (c *Client) CrawlResults(ctx context.Context, jobID string) ([]string, error) {
	var resp struct {
		Results []string `json:"results"`
	}
	params := url.Values{"scanId": {jobID}}
	if err := c.do(ctx, endpointCrawlResults, params, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// RegisterURL adds the target to the scanner's context so the active scan
// can find it.
func (c *Client) RegisterURL(ctx context.Context, target string) error {
	params := url.Values{"url": {target}}
	return c.do(ctx, endpointRegisterURL, params, nil)
}

// SubmitScan starts the active-scan phase, recursing over discovered URLs.
//
// The target is registered with the scanner's context first; a registration
// failure is logged but never aborts the submission. If submission itself
// fails with a configured "target not registered" class of error, the client
// re-registers, waits the longer settle delay, and retries exactly once.
func (c *Client) SubmitScan(ctx context.Context, target string) (string, error) {
	c.registerTolerant(ctx, target, c.cfg.ContextSettleDelay)

	jobID, err := c.submitScanOnce(ctx, target, false)
	if err == nil {
		return jobID, nil
	}
	if !c.matchesRetryTrigger(err) {
		return "", err
	}

	c.logger.Warn("scan submission hit a not-registered error, re-registering and retrying once",
		"url", target,
		"error", err,
	)
	c.registerTolerant(ctx, target, c.cfg.RetrySettleDelay)

	return c.submitScanOnce(ctx, target, true)
}

// ScanStatus returns the active-scan progress percentage for a job.
func (c *Client) ScanStatus(ctx context.Context, jobID string) (int, error) {
	return c.status(ctx, endpointScanStatus, jobID)
}

// Alerts fetches the raw findings recorded for a base URL. Call only once
// the scan status has reached 100.
func (c *Client) Alerts(ctx context.Context, baseURL string) ([]scansession.RawFinding, error) {
	var resp struct {
		Alerts []scansession.RawFinding `json:"alerts"`
	}
	params := url.Values{"baseurl": {baseURL}}
	if err := c.do(ctx, endpointAlerts, params, &resp); err != nil {
		return nil, err
	}
	if resp.Alerts == nil {
		return nil, fmt.Errorf("zap: alerts response missing alerts field")
	}
	return resp.Alerts, nil
}

// registerTolerant registers the URL and waits for the scanner to settle.
// Registration failures are logged and swallowed: the scanner frequently
// answers 500 here on DNS hiccups and the scan can still succeed.
func (c *Client) registerTolerant(ctx context.Context, target string, settle time.Duration) {
	if err := c.RegisterURL(ctx, target); err != nil {
		c.logger.Warn("failed to register url with scanner context, continuing",
			"url", target,
			"error", err,
		)
		return
	}
	_ = sleepCtx(ctx, settle)
}

func (c *Client) submitScanOnce(ctx context.Context, target string, widenScope bool) (string, error) {
	var resp struct {
		Scan string `json:"scan"`
	}
	params := url.Values{
		"url":     {target},
		"recurse": {"true"},
	}
	if widenScope {
		params.Set("inScopeOnly", "false")
	}
	if err := c.do(ctx, endpointScanSubmit, params, &resp); err != nil {
		return "", err
	}
	if resp.Scan == "" {
		return "", fmt.Errorf("zap: scan submission returned no job id")
	}
	return resp.Scan, nil
}

func (c *Client) status(ctx context.Context, endpoint, jobID string) (int, error) {
	var resp struct {
		Status string `json:"status"`
	}
	params := url.Values{"scanId": {jobID}}
	if err := c.do(ctx, endpoint, params, &resp); err != nil {
		return 0, err
	}

	pct, err := strconv.Atoi(resp.Status)
	if err != nil {
		return 0, fmt.Errorf("zap: unparseable status %q: %w", resp.Status, err)
	}
	return pct, nil
}

func (c *Client) matchesRetryTrigger(err error) bool {
	msg := err.Error()
	for _, trigger := range c.cfg.RetryTriggers {
		if strings.Contains(msg, trigger) {
			return true
		}
	}
	return false
}

// do performs one scanner API call with pacing, retry, and exponential
// backoff. Every call in this package goes through here so nested retries
// compose without duplicated backoff logic.
func (c *Client) do(ctx context.Context, endpoint string, params url.Values, out any) error {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.BaseDelay << (attempt - 1)
			c.logger.Debug("retrying scanner call",
				"endpoint", endpoint,
				"attempt", attempt+1,
				"backoff", backoff,
			)
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		start := time.Now()
		retryable, err := c.call(ctx, endpoint, params, out)
		metrics.ScannerCallDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.ScannerCalls.WithLabelValues(endpoint, "success").Inc()
			return nil
		}
		metrics.ScannerCalls.WithLabelValues(endpoint, "error").Inc()
		lastErr = err
		if !retryable {
			return err
		}
	}

	return &CallError{Endpoint: endpoint, Err: lastErr}
}

// call performs a single HTTP round trip. The bool result reports whether
// the failure is worth retrying.
func (c *Client) call(ctx context.Context, endpoint string, params url.Values, out any) (bool, error) {
	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if c.cfg.APIKey != "" {
		q.Set("apikey", c.cfg.APIKey)
	}

	reqURL := strings.TrimRight(c.cfg.BaseURL, "/") + endpoint
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, fmt.Errorf("zap: build request for %s: %w", endpoint, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return true, fmt.Errorf("zap: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("zap: read response from %s: %w", endpoint, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return true, fmt.Errorf("%w: %s returned status %d", ErrScannerInternal, endpoint, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != "" {
			return false, fmt.Errorf("zap: %s: %s (%s)", endpoint, apiErr.Message, apiErr.Code)
		}
		return false, fmt.Errorf("zap: %s returned status %d", endpoint, resp.StatusCode)
	}

	if out == nil {
		return false, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("zap: decode response from %s: %w", endpoint, err)
	}
	return false, nil
}

// sleepCtx waits d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
