package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"orgbot/internal/cache"
	"orgbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFetcher(retries int) *HTTPFetcher {
	return NewHTTPFetcher(HTTPConfig{MaxRetries: retries, Backoff: time.Millisecond, Logger: testLogger()})
}

const samplePage = `<!doctype html>
<html><head><title>Acme Clinic</title>
<style>body { color: red }</style>
<script>var hidden = "do not index";</script>
</head>
<body>
  <h1>About   us</h1>
  <p>We are open <b>Monday&ndash;Friday</b>, 9am to 5pm.</p>
  <noscript>Enable JavaScript</noscript>
</body></html>`

func TestExtractText(t *testing.T) {
	got, err := ExtractText(strings.NewReader(samplePage))
	if err != nil {
		t.Fatal(err)
	}
	want := "Acme Clinic About us We are open Monday–Friday , 9am to 5pm."
	if got != want {
		t.Fatalf("got  %q\nwant %q", got, want)
	}
	for _, hidden := range []string{"do not index", "color: red", "Enable JavaScript"} {
		if strings.Contains(got, hidden) {
			t.Errorf("extracted text contains %q", hidden)
		}
	}
}

func TestFetch_HTMLAndPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != DefaultUserAgent {
			t.Errorf("user agent = %q", ua)
		}
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, samplePage)
		case "/notes.txt":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			fmt.Fprint(w, "  <b>not html</b>\n")
		}
	}))
	defer srv.Close()

	f := newFetcher(0)
	text, err := f.Fetch(context.Background(), srv.URL+"/page")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "9am to 5pm") {
		t.Fatalf("unexpected text %q", text)
	}
	text, err = f.Fetch(context.Background(), srv.URL+"/notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	if text != "<b>not html</b>" {
		t.Fatalf("plain text altered: %q", text)
	}
}

func TestFetch_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "<p>ok</p>")
	}))
	defer srv.Close()

	text, err := newFetcher(3).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if text != "ok" || calls.Load() != 3 {
		t.Fatalf("text %q after %d calls", text, calls.Load())
	}
}

func TestFetch_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newFetcher(3).Fetch(context.Background(), srv.URL)
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 HTTPError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("404 retried %d times", calls.Load())
	}
}

func TestFetch_RetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newFetcher(2).Fetch(context.Background(), srv.URL)
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected wrapped 502, got %v", err)
	}
}

func TestFetch_DefaultRetriesFitFetchTimeout(t *testing.T) {
	f := NewHTTPFetcher(HTTPConfig{Logger: testLogger()})
	if f.client.Timeout != DefaultAttemptTimeout {
		t.Fatalf("attempt timeout = %v", f.client.Timeout)
	}
	// Every attempt times out and every backoff draws its full jitter.
	worst := time.Duration(f.maxRetries+1) * f.client.Timeout
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		base := time.Duration(attempt*attempt) * f.backoff
		worst += base + base/2
	}
	if worst >= cache.DefaultFetchTimeout {
		t.Fatalf("worst case %v does not fit in %v", worst, cache.DefaultFetchTimeout)
	}
}

func TestFetch_GivesUpWhenBackoffPassesDeadline(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPConfig{MaxRetries: 3, Backoff: time.Second, Logger: testLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Fetch(ctx, srv.URL)
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected the last 503, got %v", err)
	}
	if calls.Load() != 1 || time.Since(start) > 250*time.Millisecond {
		t.Fatalf("%d calls in %v", calls.Load(), time.Since(start))
	}
}

func TestFetch_RejectsBadURLs(t *testing.T) {
	f := newFetcher(0)
	for _, u := range []string{"file:///etc/passwd", "ftp://example.com", "http://", "::bad"} {
		if _, err := f.Fetch(context.Background(), u); err == nil {
			t.Errorf("Fetch(%q) should fail", u)
		}
	}
}

func TestFetch_BodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("x", 1000))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPConfig{MaxBytes: 100, Logger: testLogger()})
	text, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if len(text) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(text))
	}
}

type fakeProvider map[string]string

func (p fakeProvider) Fetch(_ context.Context, locator string) (string, error) {
	if text, ok := p[locator]; ok {
		return text, nil
	}
	return "", fmt.Errorf("no such page %s", locator)
}

var _ domain.ContentProvider = fakeProvider(nil)

func TestScrape_PerURLResults(t *testing.T) {
	p := fakeProvider{"https://a.example": "alpha", "https://b.example": "beta"}
	got := Scrape(context.Background(), p, []string{
		"https://a.example", "https://missing.example", "https://b.example", "https://a.example",
	}, 2)

	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	if r := got["https://a.example"]; !r.OK() || r.Text != "alpha" {
		t.Fatalf("a: %+v", r)
	}
	if r := got["https://missing.example"]; r.OK() || !strings.Contains(r.Error, "no such page") {
		t.Fatalf("missing: %+v", r)
	}
	if r := got["https://b.example"]; r.Text != "beta" {
		t.Fatalf("b: %+v", r)
	}
}

func TestBrowserFetcher_Options(t *testing.T) {
	dir := t.TempDir()
	headless := NewBrowserFetcher(BrowserConfig{ProfileDir: dir, Headless: true})
	visible := NewBrowserFetcher(BrowserConfig{ProfileDir: dir})
	if len(headless.allocatorOptions()) != len(visible.allocatorOptions()) {
		t.Fatal("headless toggle should swap one flag, not add or remove options")
	}
	if headless.timeout != 30*time.Second {
		t.Fatalf("default timeout = %v", headless.timeout)
	}
	if _, err := headless.Fetch(context.Background(), "javascript:alert(1)"); err == nil {
		t.Fatal("non-http locator should be rejected before launching Chrome")
	}
}
