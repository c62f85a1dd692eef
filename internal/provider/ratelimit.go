package provider

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"orgbot/internal/domain"
)

// rateLimitBackoff is how long a provider is left alone after a 429.
const rateLimitBackoff = 30 * time.Second

// RateLimited throttles a provider to a requests-per-minute budget. After the
// backend answers 429 it also holds requests until the backoff has passed.
type RateLimited struct {
	domain.Provider
	limiter *rate.Limiter

	mu      sync.Mutex
	retryAt time.Time
}

// NewRateLimited allows perMinute requests per minute with bursts of burst.
func NewRateLimited(p domain.Provider, perMinute, burst int) *RateLimited {
	if burst <= 0 {
		burst = max(1, perMinute/10)
	}
	return &RateLimited{
		Provider: p,
		limiter:  rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
	}
}

// Wait blocks until a request may be sent.
func (r *RateLimited) Wait(ctx context.Context) error {
	r.mu.Lock()
	retryAt := r.retryAt
	r.mu.Unlock()

	if d := time.Until(retryAt); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return r.limiter.Wait(ctx)
}

func (r *RateLimited) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := r.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := r.Provider.Chat(ctx, req)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		r.mu.Lock()
		r.retryAt = time.Now().Add(rateLimitBackoff)
		r.mu.Unlock()
	}
	return resp, err
}
