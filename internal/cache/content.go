// Package cache provides the bounded content cache used when no prebuilt
// index is available.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"orgbot/internal/domain"
	"orgbot/internal/metrics"
)

const (
	DefaultCapacity     = 10
	DefaultFetchTimeout = 20 * time.Second
)

// FetchFunc loads the content behind a locator on a cache miss.
type FetchFunc func(ctx context.Context, locator string) (string, error)

// FetchError reports a failed fetch. It matches domain.ErrContentUnavailable
// and, for deadline failures, domain.ErrTimeout.
type FetchError struct {
	Locator string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Locator, e.Err)
}

func (e *FetchError) Unwrap() []error {
	errs := []error{domain.ErrContentUnavailable, e.Err}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		errs = append(errs, domain.ErrTimeout)
	}
	return errs
}

// ContentCache is a fixed-capacity LRU of fetched page content keyed by
// locator. Concurrent misses on one locator share a single fetch; misses on
// different locators proceed independently.
type ContentCache struct {
	entries      *lru.Cache[string, string]
	inflight     singleflight.Group
	fetchTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

type Config struct {
	Capacity     int           // max entries (default 10)
	FetchTimeout time.Duration // bound on a single fetch (default 20s)
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

func New(cfg Config) (*ContentCache, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &ContentCache{
		fetchTimeout: cfg.FetchTimeout,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
	entries, err := lru.NewWithEvict(cfg.Capacity, func(locator string, _ string) {
		c.logger.Debug("content cache evicted", "locator", locator)
	})
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.entries = entries
	return c, nil
}

// GetOrFetch returns cached content for locator, promoting it to most
// recently used, or calls fetch and caches its result. Failed fetches are
// never cached.
func (c *ContentCache) GetOrFetch(ctx context.Context, locator string, fetch FetchFunc) (string, error) {
	if content, ok := c.entries.Get(locator); ok {
		c.metrics.ObserveCache("hit")
		return content, nil
	}

	ch := c.inflight.DoChan(locator, func() (any, error) {
		// Another caller may have filled the entry between our miss and here.
		if content, ok := c.entries.Get(locator); ok {
			return content, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		start := time.Now()
		content, err := fetch(fetchCtx, locator)
		if err != nil {
			return nil, err
		}
		c.entries.Add(locator, content)
		c.logger.Debug("content cached", "locator", locator, "bytes", len(content), "took", time.Since(start))
		return content, nil
	})

	select {
	case <-ctx.Done():
		c.metrics.ObserveCache("error")
		return "", &FetchError{Locator: locator, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			c.metrics.ObserveCache("error")
			return "", &FetchError{Locator: locator, Err: res.Err}
		}
		c.metrics.ObserveCache("miss")
		return res.Val.(string), nil
	}
}

// Len returns the number of cached entries.
func (c *ContentCache) Len() int { return c.entries.Len() }

// Contains reports whether locator is cached without touching its recency.
func (c *ContentCache) Contains(locator string) bool { return c.entries.Contains(locator) }

// Locators returns cached locators from least to most recently used.
func (c *ContentCache) Locators() []string { return c.entries.Keys() }

// Purge drops every entry.
func (c *ContentCache) Purge() { c.entries.Purge() }
