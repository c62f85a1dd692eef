// Package httpclient builds the outbound clients used for completion
// providers and page fetches. All of them share one pooled transport so
// repeated calls to the same provider or site reuse connections.
package httpclient

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// MaxRedirects bounds redirect chains on page fetches.
const MaxRedirects = 5

var ErrTooManyRedirects = errors.New("too many redirects")

var shared = sync.OnceValue(func() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
})

// Transport returns the process-wide transport. Response headers are not
// time-limited here: a non-streaming completion only answers once it is done,
// so the client or request context sets the bound.
func Transport() *http.Transport { return shared() }

// New returns a client on the shared transport. A zero timeout leaves each
// request bounded by its context alone.
func New(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: shared()}
}

// NewFetchClient is New with a redirect cap for fetching pages.
func NewFetchClient(timeout time.Duration) *http.Client {
	c := New(timeout)
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= MaxRedirects {
			return ErrTooManyRedirects
		}
		return nil
	}
	return c
}
