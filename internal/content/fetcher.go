// Package content fetches organization pages and reduces them to plain text.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"orgbot/internal/httpclient"
)

// The defaults keep a fully retried fetch (three attempts plus backoff)
// inside the content cache's 20s fetch timeout.
const (
	DefaultMaxBytes       = 2 << 20 // 2MB
	DefaultMaxRetries     = 2
	DefaultBackoff        = 500 * time.Millisecond
	DefaultAttemptTimeout = 5 * time.Second
	DefaultUserAgent      = "orgbot/0.1"
)

// HTTPError is a non-retryable or exhausted HTTP status from a page fetch.
type HTTPError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("HTTP %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// HTTPFetcher GETs pages and extracts their visible text. Transient failures
// (network errors, 5xx, 429) are retried with exponential backoff and jitter.
type HTTPFetcher struct {
	client     *http.Client
	userAgent  string
	maxBytes   int64
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

type HTTPConfig struct {
	Client     *http.Client
	UserAgent  string
	MaxBytes   int64
	MaxRetries int           // 0 uses DefaultMaxRetries, negative disables retries
	Backoff    time.Duration // base delay, grows with attempt² (default 500ms)
	Logger     *slog.Logger
}

func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	if cfg.Client == nil {
		cfg.Client = httpclient.NewFetchClient(DefaultAttemptTimeout)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPFetcher{
		client:     cfg.Client,
		userAgent:  cfg.UserAgent,
		maxBytes:   cfg.MaxBytes,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		logger:     cfg.Logger,
	}
}

// Fetch implements domain.ContentProvider.
func (f *HTTPFetcher) Fetch(ctx context.Context, locator string) (string, error) {
	if err := checkURL(locator); err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * f.backoff
			wait := base + time.Duration(rand.Int64N(int64(base/2+1)))
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
				// No time left for another attempt.
				return "", lastErr
			}
			f.logger.Warn("retrying page fetch", "url", locator, "attempt", attempt+1, "backoff", wait, "err", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}

		text, err := f.fetchOnce(ctx, locator)
		if err == nil {
			return text, nil
		}
		lastErr = err

		var he *HTTPError
		if errors.As(err, &he) && !he.retryable() {
			return "", err
		}
		if ctx.Err() != nil {
			return "", err
		}
	}
	if f.maxRetries == 0 {
		return "", lastErr
	}
	return "", fmt.Errorf("fetch failed after %d retries: %w", f.maxRetries, lastErr)
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, locator string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &HTTPError{URL: locator, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body := io.LimitReader(resp.Body, f.maxBytes)
	if isPlainText(resp.Header.Get("Content-Type")) {
		raw, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("read body: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	text, err := ExtractText(body)
	if err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}
	return text, nil
}

// checkURL restricts fetches to absolute http(s) URLs.
func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q (only http/https allowed)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL %q: missing host", raw)
	}
	return nil
}

func isPlainText(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/plain"
}
