// Package scan is the HTTP client for the remote ledger scan API. It
// exposes the two query shapes the ingestion core needs: time-windowed
// paging for historical backfill and marker-based paging for live follow.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub014/ledger"
)

// Config holds scan client settings.
type Config struct {
	BaseURL        string `yaml:"base_url"`
	PageSize       int    `yaml:"page_size"`
	MaxRetries     int    `yaml:"max_retries"`
	BackoffBaseMs  int    `yaml:"backoff_base_ms"`
	BackoffCapMs   int    `yaml:"backoff_cap_ms"`
	CooldownSecs   int    `yaml:"cooldown_seconds"`
	RequestTimeout int    `yaml:"request_timeout_seconds"`
}

// ApplyDefaults sets default values for client config.
func (c *Config) ApplyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBaseMs <= 0 {
		c.BackoffBaseMs = 1000
	}
	if c.BackoffCapMs <= 0 {
		c.BackoffCapMs = 30000
	}
	if c.CooldownSecs <= 0 {
		c.CooldownSecs = 60
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30
	}
}

// Validate checks the client config.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("scan base_url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid scan base_url: %w", err)
	}
	return nil
}

// BoundsError is the upstream's explicit "range out of bounds" signal.
// Non-fatal: the walk pointer snaps to the reported valid bound.
type BoundsError struct {
	ValidBound time.Time
	Message    string
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("requested range out of bounds (valid bound %s): %s", e.ValidBound.Format(time.RFC3339Nano), e.Message)
}

// Page is one decoded API response.
type Page struct {
	Updates   []ledger.Update
	Raw       []byte
	FetchedAt time.Time
}

// Client talks to the scan API with exponential backoff plus jitter on
// retryable transport errors. After exhausting retries it applies one
// cooldown and a further bounded retry cycle; total exhaustion is fatal
// for the session, never silently skipped.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger

	// RetryHook, when set, is invoked once per retried attempt.
	RetryHook func()
}

// NewClient creates a scan client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: time.Duration(cfg.RequestTimeout) * time.Second},
		logger: logger,
	}, nil
}

// PageSize returns the configured page size.
func (c *Client) PageSize() int { return c.cfg.PageSize }

// FetchPage retrieves the historical window [atOrAfter, before), ordered
// by record time within the window.
func (c *Client) FetchPage(ctx context.Context, before, atOrAfter time.Time, count int) (*Page, error) {
	q := url.Values{}
	q.Set("before", before.UTC().Format(time.RFC3339Nano))
	q.Set("at_or_after", atOrAfter.UTC().Format(time.RFC3339Nano))
	q.Set("page_size", strconv.Itoa(count))
	return c.fetch(ctx, "/v0/updates?"+q.Encode())
}

// FetchAfter retrieves records strictly after the (migration, record
// time) marker, for live incremental polling.
func (c *Client) FetchAfter(ctx context.Context, afterMigrationID int64, afterRecordTime time.Time, count int) (*Page, error) {
	q := url.Values{}
	q.Set("after_migration_id", strconv.FormatInt(afterMigrationID, 10))
	q.Set("after_record_time", afterRecordTime.UTC().Format(time.RFC3339Nano))
	q.Set("page_size", strconv.Itoa(count))
	return c.fetch(ctx, "/v0/updates/after?"+q.Encode())
}

type apiPage struct {
	Updates []json.RawMessage `json:"updates"`
}

type apiError struct {
	Error              string `json:"error"`
	EarliestRecordTime string `json:"earliest_record_time"`
}

func (c *Client) fetch(ctx context.Context, path string) (*Page, error) {
	body, err := c.doWithRetry(ctx, c.cfg.BaseURL+path)
	if err != nil {
		return nil, err
	}

	var p apiPage
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to parse scan response: %w", err)
	}
	updates, err := ledger.DecodeUpdates(p.Updates)
	if err != nil {
		return nil, fmt.Errorf("failed to decode updates: %w", err)
	}
	return &Page{Updates: updates, Raw: body, FetchedAt: time.Now().UTC()}, nil
}

// doWithRetry runs up to two bounded retry cycles separated by a
// cooldown. Retryable errors: transport failures, 429, 5xx.
func (c *Client) doWithRetry(ctx context.Context, fullURL string) ([]byte, error) {
	body, err := c.retryCycle(ctx, fullURL)
	if err == nil || !isRetryable(err) {
		return body, err
	}

	cooldown := time.Duration(c.cfg.CooldownSecs) * time.Second
	c.logger.Warn("retry cycle exhausted, cooling down",
		zap.String("url", fullURL),
		zap.Duration("cooldown", cooldown),
		zap.Error(err),
	)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(cooldown):
	}

	body, err = c.retryCycle(ctx, fullURL)
	if err != nil && isRetryable(err) {
		return nil, fmt.Errorf("retries exhausted after cooldown for %s: %w", fullURL, err)
	}
	return body, err
}

func (c *Client) retryCycle(ctx context.Context, fullURL string) ([]byte, error) {
	backoff := time.Duration(c.cfg.BackoffBaseMs) * time.Millisecond
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			sleep := addJitter(backoff)
			backoff = nextBackoff(backoff, time.Duration(c.cfg.BackoffCapMs)*time.Millisecond)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleep):
			}
		}

		body, err := c.doOnce(ctx, fullURL)
		if err == nil {
			return body, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
		if c.RetryHook != nil {
			c.RetryHook()
		}
		c.logger.Warn("retryable fetch error",
			zap.String("url", fullURL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

// retryableError wraps transient failures so the retry loops can tell
// them apart from fatal ones.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

func (c *Client) doOnce(ctx context.Context, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &retryableError{fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &retryableError{fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 256))}
	case resp.StatusCode == http.StatusBadRequest:
		if be := parseBoundsError(body); be != nil {
			return nil, be
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 1024))
	default:
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 1024))
	}
}

// parseBoundsError recognizes the upstream's explicit out-of-bounds
// response and extracts the valid bound.
func parseBoundsError(body []byte) *BoundsError {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err != nil {
		return nil
	}
	if ae.EarliestRecordTime == "" {
		return nil
	}
	bound, err := time.Parse(time.RFC3339Nano, ae.EarliestRecordTime)
	if err != nil {
		return nil
	}
	return &BoundsError{ValidBound: bound.UTC(), Message: ae.Error}
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		next = limit
	}
	return next
}

func addJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Float64()*float64(d)*0.1)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
