// Package apiclient is the HTTP client for the s3desk job endpoints the
// telemetry pipeline consumes: the paged job list, job detail, and the
// byte-range log fetches.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/eapache/go-resiliency/breaker"
	"go.uber.org/zap"

	"github.com/homelabird/s3desk-telemetry/internal/model"
)

// CircuitBreakerConfig contains circuit breaker configuration for the job
// list/detail refetches.
type CircuitBreakerConfig struct {
	ErrorThreshold   int           // Number of errors before opening
	SuccessThreshold int           // Number of successes needed to close
	Timeout          time.Duration // How long to stay open
}

// DefaultCircuitBreakerConfig returns default circuit breaker config.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		ErrorThreshold:   10,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Config contains the configuration for the client.
type Config struct {
	// BaseURL is the root of the s3desk API, e.g. "http://localhost:8080".
	BaseURL string
	// APIToken is sent as a bearer token on every request; empty disables auth.
	APIToken string
	// ProfileID selects the storage profile jobs belong to.
	ProfileID string
	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration
}

// Client calls the s3desk job endpoints. List and detail fetches run behind a
// circuit breaker; the log fetches do not, because the tailer applies its own
// failure policy and a second breaker would count every failure twice.
type Client struct {
	base   *url.URL
	cfg    *Config
	httpc  *http.Client
	cb     *breaker.Breaker
	logger *zap.Logger
}

// apiError is the server's error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New creates a new client. A nil cbCfg applies the default breaker config.
func New(cfg *Config, cbCfg *CircuitBreakerConfig, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base URL scheme %q", base.Scheme)
	}

	if cbCfg == nil {
		cbCfg = DefaultCircuitBreakerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		base:  base,
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.RequestTimeout},
		cb: breaker.New(
			cbCfg.ErrorThreshold,
			cbCfg.SuccessThreshold,
			cbCfg.Timeout,
		),
		logger: logger,
	}, nil
}

// ListJobs fetches one page of the job list. An empty cursor fetches the
// first page; limit <= 0 leaves the page size to the server.
func (c *Client) ListJobs(ctx context.Context, cursor string, limit int) (model.JobsListPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var page model.JobsListPage
	err := c.cb.Run(func() error {
		return c.getJSON(ctx, "/api/jobs", q, &page)
	})
	if err != nil {
		return model.JobsListPage{}, fmt.Errorf("list jobs: %w", err)
	}
	return page, nil
}

// GetJob fetches one job record.
func (c *Client) GetJob(ctx context.Context, jobID string) (model.Job, error) {
	var job model.Job
	err := c.cb.Run(func() error {
		return c.getJSON(ctx, "/api/jobs/"+url.PathEscape(jobID), nil, &job)
	})
	if err != nil {
		return model.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// FetchLogRange fetches up to maxBytes of log output starting at offset.
// The returned next offset may be below the requested offset when the log
// was truncated or rotated on the server.
func (c *Client) FetchLogRange(ctx context.Context, jobID string, offset, maxBytes int64) (model.LogChunk, error) {
	q := url.Values{}
	q.Set("afterOffset", strconv.FormatInt(offset, 10))
	if maxBytes > 0 {
		q.Set("maxBytes", strconv.FormatInt(maxBytes, 10))
	}
	return c.fetchLog(ctx, jobID, q)
}

// FetchLogTail fetches the last tailBytes of log output, used to seed a newly
// opened log view.
func (c *Client) FetchLogTail(ctx context.Context, jobID string, tailBytes int64) (model.LogChunk, error) {
	q := url.Values{}
	if tailBytes > 0 {
		q.Set("tailBytes", strconv.FormatInt(tailBytes, 10))
	}
	return c.fetchLog(ctx, jobID, q)
}

// RealtimeURL returns the URL of the given push endpoint path ("/api/ws" or
// "/api/events") with the auth token, resume hint and log exclusion applied.
func (c *Client) RealtimeURL(path string, afterSeq int64) string {
	u := *c.base
	u.Path = path

	q := url.Values{}
	q.Set("includeLogs", "false")
	if afterSeq > 0 {
		q.Set("afterSeq", strconv.FormatInt(afterSeq, 10))
	}
	if c.cfg.APIToken != "" {
		q.Set("token", c.cfg.APIToken)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) fetchLog(ctx context.Context, jobID string, q url.Values) (model.LogChunk, error) {
	resp, err := c.do(ctx, "/api/jobs/"+url.PathEscape(jobID)+"/logs", q)
	if err != nil {
		return model.LogChunk{}, fmt.Errorf("fetch log for job %s: %w", jobID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return model.LogChunk{}, fmt.Errorf("fetch log for job %s: %w", jobID, decodeError(resp))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.LogChunk{}, fmt.Errorf("read log body for job %s: %w", jobID, err)
	}

	next, err := strconv.ParseInt(resp.Header.Get("X-Log-Next-Offset"), 10, 64)
	if err != nil || next < 0 {
		return model.LogChunk{}, fmt.Errorf("invalid X-Log-Next-Offset %q for job %s", resp.Header.Get("X-Log-Next-Offset"), jobID)
	}

	return model.LogChunk{Text: string(body), NextOffset: next}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.do(ctx, path, q)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	u := *c.base
	u.Path = path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}
	if c.cfg.ProfileID != "" {
		req.Header.Set("X-Profile-Id", c.cfg.ProfileID)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Debug("request failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	var apiErr apiError
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr); err == nil && apiErr.Code != "" {
		return fmt.Errorf("server returned %d: %s (%s)", resp.StatusCode, apiErr.Message, apiErr.Code)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
